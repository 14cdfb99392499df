package soe

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// guardEvaluator compiles and caches rule guard expressions. The
// environment is deliberately small: a single dynamic `ctx` variable, an
// interrupt check, and a hard cost limit. Guards are predicates over the
// same context the trigger sees; anything nondeterministic has no way in.
type guardEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newGuardEvaluator() (*guardEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("soe: create guard environment: %w", err)
	}
	return &guardEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Allow evaluates a guard expression against the context. Fail-closed:
// compile or evaluation errors mean the rule does not fire.
func (g *guardEvaluator) Allow(expr string, ctx map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"ctx": ctx})
	if err != nil {
		return false, fmt.Errorf("soe: guard eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("soe: guard result is not bool")
	}
	return val, nil
}

func (g *guardEvaluator) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.cache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("soe: guard compile: %w", issues.Err())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("soe: guard program: %w", err)
	}
	g.cache[expr] = prg
	return prg, nil
}
