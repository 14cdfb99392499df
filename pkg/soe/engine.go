package soe

import (
	"log/slog"
	"sort"

	"github.com/datumfab/datum/pkg/canonicalize"
	"github.com/datumfab/datum/pkg/catalog"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// decisionIDLength is the fixed prefix length of SHA-256 hex used for
// decision ids. It is part of the external contract and never changes.
const decisionIDLength = 16

// Request carries the inputs of one overlay evaluation. Exactly one of
// ActiveProfiles or ProfileBundleID should be set; with neither, the
// industry profile's defaults apply.
type Request struct {
	IndustryProfile string         `json:"industry_profile"`
	HardwareClass   string         `json:"hardware_class,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	ActiveProfiles  []string       `json:"active_profiles,omitempty"`
	ProfileBundleID string         `json:"profile_bundle_id,omitempty"`
	AdditionalPacks []string       `json:"additional_packs,omitempty"`
	// AuditReplay tolerates deprecated profiles so historical runs can be
	// re-derived. The run is tagged so downstream consumers can tell.
	AuditReplay bool `json:"audit_replay,omitempty"`
}

// Engine evaluates overlay requests against a read-only catalog. The
// evaluation itself is a pure function: identical requests against an
// identical catalog yield byte-equal runs.
type Engine struct {
	cat   catalog.Reader
	log   *slog.Logger
	guard *guardEvaluator
}

func NewEngine(cat catalog.Reader, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	guard, err := newGuardEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{cat: cat, log: log, guard: guard}, nil
}

func (e *Engine) Evaluate(req Request) (*contracts.SOERun, error) {
	if req.IndustryProfile == "" {
		return nil, fault.New(fault.CodeInvalid, "industry_profile is required")
	}
	industry, err := e.cat.Industry(req.IndustryProfile)
	if err != nil {
		return nil, fault.Newf(fault.CodeInvalid, "unknown industry profile %q", req.IndustryProfile)
	}

	profiles, stack, err := e.resolveProfiles(req, industry)
	if err != nil {
		return nil, err
	}

	packIDs := e.resolvePackIDs(req, industry, profiles)
	packs := make([]*contracts.StandardsPack, 0, len(packIDs))
	for _, id := range packIDs {
		pack, err := e.cat.Pack(id)
		if err != nil {
			return nil, blocked(fault.Newf(fault.CodePackNotFound, "standards pack %q could not be resolved", id).With("pack_id", id))
		}
		packs = append(packs, pack)
	}

	ctx := buildContext(req)
	owners := packOwners(profiles)

	decisions, err := e.evaluatePacks(packs, ctx, req, owners)
	if err != nil {
		return nil, err
	}
	decisions, err = resolveConflicts(decisions, profiles)
	if err != nil {
		return nil, err
	}

	run := &contracts.SOERun{
		IndustryProfile:  req.IndustryProfile,
		HardwareClass:    req.HardwareClass,
		ActivePacks:      packIDs,
		ProfileStack:     stack,
		Decisions:        decisions,
		Gates:            deriveGates(decisions),
		RequiredEvidence: deriveEvidence(decisions),
		CostModifiers:    deriveCostModifiers(decisions),
		AuditReplay:      req.AuditReplay,
	}

	runID, err := canonicalize.ShortHash(map[string]any{
		"industry_profile": req.IndustryProfile,
		"hardware_class":   req.HardwareClass,
		"inputs":           req.Inputs,
		"profile_stack":    stack,
		"active_packs":     packIDs,
		"audit_replay":     req.AuditReplay,
	}, decisionIDLength)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "derive run id", err)
	}
	run.SOERunID = "soe_" + runID

	e.log.Info("soe run evaluated",
		"soe_run_id", run.SOERunID,
		"industry", req.IndustryProfile,
		"packs", len(packIDs),
		"decisions", len(run.Decisions),
	)
	return run, nil
}

// resolveProfiles expands the bundle, merges explicit profiles and
// industry defaults preserving first occurrence, loads each profile, and
// validates the layer graph and lifecycle states.
func (e *Engine) resolveProfiles(req Request, industry *contracts.IndustryProfile) ([]*contracts.StandardsProfile, []contracts.ProfileStackEntry, error) {
	var ids []string
	if req.ProfileBundleID != "" {
		bundle, err := e.cat.Bundle(req.ProfileBundleID)
		if err != nil {
			return nil, nil, blocked(fault.Newf(fault.CodeProfileUnusable, "bundle %q could not be resolved", req.ProfileBundleID))
		}
		ids = append(ids, bundle.ProfileIDs...)
	}
	ids = append(ids, req.ActiveProfiles...)
	ids = append(ids, industry.DefaultProfiles...)
	ids = dedupe(ids)

	profiles := make([]*contracts.StandardsProfile, 0, len(ids))
	byID := make(map[string]*contracts.StandardsProfile, len(ids))
	for _, id := range ids {
		p, err := e.cat.Profile(id)
		if err != nil {
			return nil, nil, blocked(fault.Newf(fault.CodeProfileUnusable, "profile %q could not be resolved", id).With("profile_id", id))
		}
		profiles = append(profiles, p)
		byID[id] = p
	}

	for _, p := range profiles {
		if err := e.validateProfileGraph(p, byID, map[string]bool{}); err != nil {
			return nil, nil, err
		}
		if err := validateProfileUsable(p, req.AuditReplay); err != nil {
			return nil, nil, err
		}
	}

	stack := make([]contracts.ProfileStackEntry, 0, len(profiles))
	for _, p := range profiles {
		parents := p.ParentProfileIDs
		if parents == nil {
			parents = []string{}
		}
		stack = append(stack, contracts.ProfileStackEntry{
			ProfileID:        p.ProfileID,
			ProfileType:      p.ProfileType,
			Layer:            p.ProfileType.Layer(),
			Version:          p.Version,
			State:            p.State,
			ParentProfileIDs: parents,
		})
	}
	sort.SliceStable(stack, func(i, j int) bool {
		if stack[i].Layer != stack[j].Layer {
			return stack[i].Layer < stack[j].Layer
		}
		return stack[i].ProfileID < stack[j].ProfileID
	})
	return profiles, stack, nil
}

func (e *Engine) validateProfileGraph(p *contracts.StandardsProfile, loaded map[string]*contracts.StandardsProfile, visiting map[string]bool) error {
	if visiting[p.ProfileID] {
		return blocked(fault.Newf(fault.CodeProfileGraphInvalid, "profile graph contains a cycle through %q", p.ProfileID).With("profile_id", p.ProfileID))
	}
	visiting[p.ProfileID] = true
	defer delete(visiting, p.ProfileID)

	var wantParent contracts.ProfileType
	switch p.ProfileType {
	case contracts.ProfileTypeBase:
		if len(p.ParentProfileIDs) > 0 {
			return blocked(fault.Newf(fault.CodeProfileGraphInvalid, "BASE profile %q must not declare parents", p.ProfileID))
		}
		return nil
	case contracts.ProfileTypeDomain:
		wantParent = contracts.ProfileTypeBase
	case contracts.ProfileTypeCustomerOverride:
		wantParent = contracts.ProfileTypeDomain
	default:
		return blocked(fault.Newf(fault.CodeProfileGraphInvalid, "profile %q has unknown type %q", p.ProfileID, p.ProfileType))
	}

	for _, parentID := range p.ParentProfileIDs {
		parent, ok := loaded[parentID]
		if !ok {
			loadedParent, err := e.cat.Profile(parentID)
			if err != nil {
				return blocked(fault.Newf(fault.CodeProfileGraphInvalid, "profile %q parent %q could not be resolved", p.ProfileID, parentID))
			}
			parent = loadedParent
		}
		if parent.ProfileType != wantParent {
			return blocked(fault.Newf(fault.CodeProfileGraphInvalid, "profile %q (%s) has parent %q of type %s, want %s",
				p.ProfileID, p.ProfileType, parentID, parent.ProfileType, wantParent))
		}
		if err := e.validateProfileGraph(parent, loaded, visiting); err != nil {
			return err
		}
	}
	return nil
}

func validateProfileUsable(p *contracts.StandardsProfile, auditReplay bool) error {
	switch p.State {
	case contracts.ProfileStateApproved:
		return nil
	case contracts.ProfileStateDeprecated:
		if auditReplay {
			return nil
		}
		return blocked(fault.Newf(fault.CodeProfileUnusable, "profile %q is deprecated; audit-replay mode required", p.ProfileID).
			With("profile_id", p.ProfileID).With("state", string(p.State)))
	default:
		return blocked(fault.Newf(fault.CodeProfileUnusable, "profile %q is in state %q, not approved", p.ProfileID, p.State).
			With("profile_id", p.ProfileID).With("state", string(p.State)))
	}
}

// resolvePackIDs unions profile packs and additional packs, deduplicates,
// and sorts ascending by pack id. The sort is part of the contract.
func (e *Engine) resolvePackIDs(req Request, industry *contracts.IndustryProfile, profiles []*contracts.StandardsProfile) []string {
	var ids []string
	if len(profiles) > 0 {
		for _, p := range profiles {
			ids = append(ids, p.DefaultPacks...)
		}
	} else {
		ids = append(ids, industry.DefaultPacks...)
	}
	ids = append(ids, req.AdditionalPacks...)
	ids = dedupe(ids)
	sort.Strings(ids)
	return ids
}

func buildContext(req Request) map[string]any {
	ctx := make(map[string]any, len(req.Inputs)+2)
	for k, v := range req.Inputs {
		ctx[k] = v
	}
	ctx["industry"] = req.IndustryProfile
	if req.HardwareClass != "" {
		ctx["hardware_class"] = req.HardwareClass
	}
	return ctx
}

func (e *Engine) evaluatePacks(packs []*contracts.StandardsPack, ctx map[string]any, req Request, owners map[string]*contracts.ProfileSource) ([]contracts.Decision, error) {
	decisions := []contracts.Decision{}
	seen := make(map[string]bool)

	for _, pack := range packs {
		for _, rule := range pack.Rules {
			if !Eval(rule.Trigger, ctx) {
				continue
			}
			if rule.Guard != "" {
				ok, err := e.guard.Allow(rule.Guard, ctx)
				if err != nil {
					e.log.Warn("rule guard failed closed", "rule_id", rule.RuleID, "error", err)
					continue
				}
				if !ok {
					continue
				}
			}
			for _, action := range rule.Actions {
				d, err := buildDecision(pack, rule, action, req, owners[pack.PackID])
				if err != nil {
					return nil, err
				}
				if seen[d.ID] {
					// Identical decision already emitted; merge is a no-op.
					continue
				}
				seen[d.ID] = true
				decisions = append(decisions, d)
			}
		}
	}
	return decisions, nil
}

func buildDecision(pack *contracts.StandardsPack, rule contracts.Rule, action contracts.RuleAction, req Request, source *contracts.ProfileSource) (contracts.Decision, error) {
	id, err := canonicalize.ShortHash(map[string]any{
		"rule_id":     rule.RuleID,
		"pack_id":     pack.PackID,
		"action":      string(action.Action),
		"object_type": action.ObjectType,
		"object_id":   action.ObjectID,
	}, decisionIDLength)
	if err != nil {
		return contracts.Decision{}, fault.Wrap(fault.CodeInternal, "derive decision id", err)
	}

	citations := rule.Citations
	if citations == nil {
		citations = []string{}
	}
	d := contracts.Decision{
		ID:             id,
		Action:         action.Action,
		ObjectType:     action.ObjectType,
		ObjectID:       action.ObjectID,
		Enforcement:    rule.Enforcement,
		Severity:       rule.Severity,
		Parameters:     action.Parameters,
		Sequence:       action.Sequence,
		LockedSequence: action.LockedSequence,
		Retention:      action.Retention,
		CostFactor:     action.CostFactor,
		Why: contracts.Why{
			RuleID:    rule.RuleID,
			PackID:    pack.PackID,
			Citations: citations,
			Summary:   rule.Summary,
		},
		ProfileSource: source,
	}
	d.Explanation = RenderWhy(req.IndustryProfile, req.HardwareClass, d.Why)
	return d, nil
}

// packOwners maps each pack id to the highest-layer profile that carries
// it; ties within a layer break by ascending profile id.
func packOwners(profiles []*contracts.StandardsProfile) map[string]*contracts.ProfileSource {
	owners := make(map[string]*contracts.ProfileSource)
	for _, p := range profiles {
		candidate := &contracts.ProfileSource{
			ProfileID:   p.ProfileID,
			ProfileType: p.ProfileType,
			Layer:       p.ProfileType.Layer(),
		}
		for _, packID := range p.DefaultPacks {
			current, ok := owners[packID]
			if !ok || candidate.Layer > current.Layer ||
				(candidate.Layer == current.Layer && candidate.ProfileID < current.ProfileID) {
				owners[packID] = candidate
			}
		}
	}
	return owners
}

// resolveConflicts detects contradictory decisions on the same object and
// applies the governing profile's conflict policy. The governing profile
// is the higher-layer side of the conflict; equal layers are always an
// error.
func resolveConflicts(decisions []contracts.Decision, profiles []*contracts.StandardsProfile) ([]contracts.Decision, error) {
	policies := make(map[string]contracts.ConflictPolicy, len(profiles))
	for _, p := range profiles {
		policies[p.ProfileID] = p.ConflictPolicy
	}

	type objectKey struct{ objType, objID string }
	byObject := make(map[objectKey][]int)
	for i, d := range decisions {
		byObject[objectKey{d.ObjectType, d.ObjectID}] = append(byObject[objectKey{d.ObjectType, d.ObjectID}], i)
	}

	drop := make(map[int]bool)
	keys := make([]objectKey, 0, len(byObject))
	for k := range byObject {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].objType != keys[j].objType {
			return keys[i].objType < keys[j].objType
		}
		return keys[i].objID < keys[j].objID
	})

	for _, key := range keys {
		idxs := byObject[key]
		for _, i := range idxs {
			for _, j := range idxs {
				if i >= j || drop[i] || drop[j] {
					continue
				}
				a, b := decisions[i], decisions[j]
				if !contradictory(a.Action, b.Action) {
					continue
				}
				layerA, layerB := sourceLayer(a), sourceLayer(b)
				policy := contracts.ConflictPolicyError
				if layerA != layerB {
					child := a
					if layerB > layerA {
						child = b
					}
					if child.ProfileSource != nil {
						if p, ok := policies[child.ProfileSource.ProfileID]; ok && p != "" {
							policy = p
						}
					}
				}
				switch policy {
				case contracts.ConflictPolicyParentWins:
					if layerA > layerB {
						drop[i] = true
					} else {
						drop[j] = true
					}
				case contracts.ConflictPolicyChildWins:
					if layerA > layerB {
						drop[j] = true
					} else {
						drop[i] = true
					}
				default:
					return nil, blocked(fault.Newf(fault.CodeRuleConflict,
						"conflicting decisions on %s %q: %s (%s) vs %s (%s)",
						key.objType, key.objID, a.Action, a.ID, b.Action, b.ID).
						With("decision_a", a.ID).With("decision_b", b.ID).
						With("object_type", key.objType).With("object_id", key.objID))
				}
			}
		}
	}

	if len(drop) == 0 {
		return decisions, nil
	}
	kept := make([]contracts.Decision, 0, len(decisions)-len(drop))
	for i, d := range decisions {
		if !drop[i] {
			kept = append(kept, d)
		}
	}
	return kept, nil
}

func contradictory(a, b contracts.Action) bool {
	requireLike := func(x contracts.Action) bool {
		return x == contracts.ActionRequire || x == contracts.ActionInsertStep
	}
	return (requireLike(a) && b == contracts.ActionProhibit) ||
		(a == contracts.ActionProhibit && requireLike(b))
}

func sourceLayer(d contracts.Decision) int {
	if d.ProfileSource == nil {
		return -1
	}
	return d.ProfileSource.Layer
}

func deriveGates(decisions []contracts.Decision) []contracts.Gate {
	type gateAcc struct {
		blockedBy []string
		warned    bool
	}
	acc := make(map[string]*gateAcc)
	for _, d := range decisions {
		if d.Action != contracts.ActionAddGate {
			continue
		}
		g, ok := acc[d.ObjectID]
		if !ok {
			g = &gateAcc{}
			acc[d.ObjectID] = g
		}
		switch d.Enforcement {
		case contracts.EnforcementBlockRelease:
			g.blockedBy = append(g.blockedBy, d.ID)
		case contracts.EnforcementWarn:
			g.warned = true
		}
	}

	ids := make([]string, 0, len(acc))
	for id := range acc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	gates := make([]contracts.Gate, 0, len(ids))
	for _, id := range ids {
		g := acc[id]
		status := contracts.GateOpen
		if len(g.blockedBy) > 0 {
			status = contracts.GateBlocked
		} else if g.warned {
			status = contracts.GateWarning
		}
		blockedBy := g.blockedBy
		if blockedBy == nil {
			blockedBy = []string{}
		}
		sort.Strings(blockedBy)
		gates = append(gates, contracts.Gate{GateID: id, Status: status, BlockedBy: blockedBy})
	}
	return gates
}

func deriveEvidence(decisions []contracts.Decision) []contracts.EvidenceRequirement {
	byID := make(map[string]*contracts.EvidenceRequirement)
	for _, d := range decisions {
		if d.ObjectType != "evidence" {
			continue
		}
		if d.Action != contracts.ActionRequire && d.Action != contracts.ActionSetRetention {
			continue
		}
		req, ok := byID[d.ObjectID]
		if !ok {
			req = &contracts.EvidenceRequirement{
				EvidenceID: d.ObjectID,
				DecisionID: d.ID,
				Summary:    d.Why.Summary,
			}
			byID[d.ObjectID] = req
		}
		if d.Retention != "" {
			req.Retention = d.Retention
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]contracts.EvidenceRequirement, 0, len(ids))
	for _, id := range ids {
		out = append(out, *byID[id])
	}
	return out
}

func deriveCostModifiers(decisions []contracts.Decision) []contracts.CostModifier {
	var out []contracts.CostModifier
	for _, d := range decisions {
		if d.Action != contracts.ActionAddCostModifier {
			continue
		}
		out = append(out, contracts.CostModifier{
			ModifierID: d.ObjectID,
			Factor:     d.CostFactor,
			DecisionID: d.ID,
			Summary:    d.Why.Summary,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifierID < out[j].ModifierID })
	if out == nil {
		out = []contracts.CostModifier{}
	}
	return out
}

// blocked marks an overlay failure with the SOE_BLOCKED umbrella while
// keeping the specific sub-code as the primary code.
func blocked(err *fault.Error) *fault.Error {
	return err.With("umbrella", string(fault.CodeSOEBlocked))
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
