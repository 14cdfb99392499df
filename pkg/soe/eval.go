// Package soe implements the Standards Overlay Engine: a deterministic
// evaluator that resolves a layered profile stack into an ordered pack
// list, evaluates pack rules against a context, and emits an auditable
// run of content-addressed decisions.
package soe

import (
	"encoding/json"
	"strings"

	"github.com/datumfab/datum/pkg/contracts"
)

// Eval evaluates a trigger expression against a context map. The context
// maps dotted path strings to scalars, arrays of scalars, or nested maps.
// Evaluation is total: malformed or type-incompatible comparisons yield
// false, never an error.
func Eval(expr contracts.RuleExpr, ctx map[string]any) bool {
	switch {
	case expr.All != nil:
		for _, sub := range expr.All {
			if !Eval(sub, ctx) {
				return false
			}
		}
		return true
	case expr.Any != nil:
		for _, sub := range expr.Any {
			if Eval(sub, ctx) {
				return true
			}
		}
		return false
	case expr.None != nil:
		for _, sub := range expr.None {
			if Eval(sub, ctx) {
				return false
			}
		}
		return true
	case expr.IsLeaf():
		return evalLeaf(expr, ctx)
	}
	return false
}

func evalLeaf(expr contracts.RuleExpr, ctx map[string]any) bool {
	val, found := resolvePath(ctx, expr.Field)

	switch expr.Op {
	case contracts.OpExists:
		return found
	case contracts.OpNotExists:
		return !found
	}
	if !found {
		return false
	}

	switch expr.Op {
	case contracts.OpEquals:
		return looseEqual(val, expr.Value)
	case contracts.OpNotEquals:
		return !looseEqual(val, expr.Value)
	case contracts.OpContains:
		return containsValue(val, expr.Value)
	case contracts.OpNotContains:
		return !containsValue(val, expr.Value)
	case contracts.OpGT, contracts.OpGTE, contracts.OpLT, contracts.OpLTE:
		a, aok := toFloat(val)
		b, bok := toFloat(expr.Value)
		if !aok || !bok {
			return false
		}
		switch expr.Op {
		case contracts.OpGT:
			return a > b
		case contracts.OpGTE:
			return a >= b
		case contracts.OpLT:
			return a < b
		default:
			return a <= b
		}
	case contracts.OpIn:
		list, ok := toSlice(expr.Value)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(val, item) {
				return true
			}
		}
		return false
	case contracts.OpNotIn:
		list, ok := toSlice(expr.Value)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(val, item) {
				return false
			}
		}
		return true
	}
	return false
}

// resolvePath walks a dotted path through nested maps. An empty array is
// still a defined value.
func resolvePath(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = ctx
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch ta := a.(type) {
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	case nil:
		return b == nil
	}
	return false
}

func containsValue(field, value any) bool {
	if s, ok := field.(string); ok {
		sub, ok := value.(string)
		return ok && strings.Contains(s, sub)
	}
	list, ok := toSlice(field)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(item, value) {
			return true
		}
	}
	return false
}

func toSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
