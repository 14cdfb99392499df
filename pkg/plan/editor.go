package plan

import (
	"fmt"
	"sort"

	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// EditRequest carries replacement content for a plan. A nil slice keeps
// the current content of that kind; an empty non-nil slice clears it.
type EditRequest struct {
	Steps          []contracts.Step           `json:"steps,omitempty"`
	Tests          []contracts.TestIntent     `json:"tests,omitempty"`
	EvidenceIntent []contracts.EvidenceIntent `json:"evidence_intent,omitempty"`
	Reason         string                     `json:"reason"`
	Overrides      []contracts.Override       `json:"overrides,omitempty"`
	EditedBy       string                     `json:"edited_by"`
}

// Override constraint identifiers. An override names the exact constraint
// it sets aside, so the audit trail reads unambiguously.
func removeConstraint(kind, id string) string { return fmt.Sprintf("remove_%s:%s", kind, id) }
func reorderConstraint(id string) string      { return fmt.Sprintf("reorder_step:%s", id) }

const lockedSequenceConstraint = "reorder_locked_sequence"

// validateEdit enforces the SOE-locked edit policy against the current
// plan version. It returns the overrides that the edit actually consumed.
func validateEdit(current *contracts.DatumPlan, req EditRequest) ([]contracts.Override, error) {
	switch current.State {
	case contracts.PlanStateDraft:
	case contracts.PlanStateApproved:
		return nil, approvedImmutable(current)
	default:
		return nil, fault.Newf(fault.CodePlanInvalidEdit, "plan %q version %d is %s; only drafts accept edits",
			current.PlanID, current.Version, current.State).
			With("plan_id", current.PlanID).With("state", string(current.State))
	}

	overrides := indexOverrides(req.Overrides)
	var consumed []contracts.Override

	consume := func(constraint, what string) error {
		ov, ok := overrides[constraint]
		if !ok {
			return fault.Newf(fault.CodePlanInvalidEdit, "%s requires an override", what).
				With("constraint", constraint)
		}
		if ov.Reason == "" {
			return fault.Newf(fault.CodeOverrideMissingReason, "override for %s carries no reason", what).
				With("constraint", constraint)
		}
		consumed = append(consumed, ov)
		return nil
	}

	if req.Steps != nil {
		newByID := stepIndex(req.Steps)
		for _, old := range current.Steps {
			if old.SOEDecisionID == "" {
				continue
			}
			if _, kept := newByID[old.StepID]; !kept {
				if err := consume(removeConstraint("step", old.StepID),
					fmt.Sprintf("removing overlay-locked step %q", old.Title)); err != nil {
					return nil, err
				}
			}
		}
		if lockedOrderChanged(current.Steps, req.Steps) {
			if err := consume(lockedSequenceConstraint, "reordering a locked step sequence"); err != nil {
				return nil, err
			}
		}
		for _, id := range reorderedSOESteps(current.Steps, req.Steps) {
			if err := consume(reorderConstraint(id), fmt.Sprintf("reordering overlay-sourced step %s", id)); err != nil {
				return nil, err
			}
		}
		if err := validateDependencies(req.Steps); err != nil {
			return nil, err
		}
	}

	if req.Tests != nil {
		kept := make(map[string]bool, len(req.Tests))
		for _, t := range req.Tests {
			kept[t.TestID] = true
		}
		for _, old := range current.Tests {
			if old.SOEDecisionID != "" && !kept[old.TestID] {
				if err := consume(removeConstraint("test", old.TestID),
					fmt.Sprintf("removing overlay-required test %q", old.TestID)); err != nil {
					return nil, err
				}
			}
		}
	}

	if req.EvidenceIntent != nil {
		kept := make(map[string]bool, len(req.EvidenceIntent))
		for _, ev := range req.EvidenceIntent {
			kept[ev.EvidenceID] = true
		}
		for _, old := range current.EvidenceIntent {
			if old.SOEDecisionID != "" && !kept[old.EvidenceID] {
				if err := consume(removeConstraint("evidence", old.EvidenceID),
					fmt.Sprintf("removing required evidence %q", old.EvidenceID)); err != nil {
					return nil, err
				}
			}
		}
	}

	return consumed, nil
}

// applyEdit builds version N+1 from the current draft and the request.
// Step ids are recomputed for steps whose content changed.
func applyEdit(current *contracts.DatumPlan, req EditRequest, editedAt string) (*contracts.DatumPlan, error) {
	next := current.Clone()
	next.Version = current.Version + 1
	next.ParentVersion = current.Version
	next.State = contracts.PlanStateDraft
	next.Locked = false
	next.SubmittedBy, next.SubmittedAt = "", ""
	next.ApprovedBy, next.ApprovedAt = "", ""

	if req.Steps != nil {
		steps := make([]contracts.Step, len(req.Steps))
		copy(steps, req.Steps)
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })
		for i := range steps {
			id, err := stepID(steps[i])
			if err != nil {
				return nil, err
			}
			steps[i].StepID = id
			if len(steps[i].SourceRules) == 0 {
				steps[i].SourceRules = []string{contracts.SourceBaselineDefaultStep}
			}
		}
		next.Steps = steps
	}
	if req.Tests != nil {
		next.Tests = append([]contracts.TestIntent(nil), req.Tests...)
	}
	if req.EvidenceIntent != nil {
		next.EvidenceIntent = append([]contracts.EvidenceIntent(nil), req.EvidenceIntent...)
	}

	meta := contracts.EditMetadata{
		EditedBy:   req.EditedBy,
		EditedAt:   editedAt,
		EditReason: req.Reason,
		Overrides:  stampOverrides(req.Overrides, req.EditedBy, editedAt),
	}
	next.EditMetadata = append(next.EditMetadata, meta)
	return next, nil
}

func stampOverrides(overrides []contracts.Override, userID, ts string) []contracts.Override {
	if len(overrides) == 0 {
		return nil
	}
	out := make([]contracts.Override, len(overrides))
	copy(out, overrides)
	for i := range out {
		if out[i].UserID == "" {
			out[i].UserID = userID
		}
		if out[i].Timestamp == "" {
			out[i].Timestamp = ts
		}
	}
	return out
}

func indexOverrides(overrides []contracts.Override) map[string]contracts.Override {
	out := make(map[string]contracts.Override, len(overrides))
	for _, ov := range overrides {
		out[ov.Constraint] = ov
	}
	return out
}

func stepIndex(steps []contracts.Step) map[string]int {
	out := make(map[string]int, len(steps))
	for i, s := range steps {
		out[s.StepID] = i
	}
	return out
}

// lockedOrderChanged reports whether the locked-sequence steps appear in
// a different relative order, or lost contiguity, after the edit.
func lockedOrderChanged(oldSteps, newSteps []contracts.Step) bool {
	oldLocked := lockedIDsInOrder(oldSteps)
	newLocked := lockedIDsInOrder(newSteps)
	if len(oldLocked) == 0 {
		return false
	}

	// Relative order of surviving locked steps must match.
	surviving := make(map[string]bool, len(newLocked))
	for _, id := range newLocked {
		surviving[id] = true
	}
	var oldSurviving []string
	for _, id := range oldLocked {
		if surviving[id] {
			oldSurviving = append(oldSurviving, id)
		}
	}
	if len(oldSurviving) != len(newLocked) {
		return true // a locked step appeared that was not locked before, or order source changed
	}
	for i := range newLocked {
		if newLocked[i] != oldSurviving[i] {
			return true
		}
	}
	// Contiguity: locked steps must occupy consecutive positions.
	return !lockedContiguous(newSteps)
}

func lockedIDsInOrder(steps []contracts.Step) []string {
	ordered := make([]contracts.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })
	var out []string
	for _, s := range ordered {
		if s.LockedSequence {
			out = append(out, s.StepID)
		}
	}
	return out
}

func lockedContiguous(steps []contracts.Step) bool {
	ordered := make([]contracts.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })
	started, ended := false, false
	for _, s := range ordered {
		switch {
		case s.LockedSequence && !started:
			started = true
		case s.LockedSequence && ended:
			return false
		case !s.LockedSequence && started:
			ended = true
		}
	}
	return true
}

// reorderedSOESteps lists overlay-sourced, non-locked-sequence steps
// whose relative order among themselves changed.
func reorderedSOESteps(oldSteps, newSteps []contracts.Step) []string {
	oldOrder := soeIDsInOrder(oldSteps)
	newOrder := soeIDsInOrder(newSteps)

	surviving := make(map[string]bool, len(newOrder))
	for _, id := range newOrder {
		surviving[id] = true
	}
	var oldSurviving []string
	for _, id := range oldOrder {
		if surviving[id] {
			oldSurviving = append(oldSurviving, id)
		}
	}
	var moved []string
	for i := 0; i < len(newOrder) && i < len(oldSurviving); i++ {
		if newOrder[i] != oldSurviving[i] {
			moved = append(moved, newOrder[i])
		}
	}
	return moved
}

func soeIDsInOrder(steps []contracts.Step) []string {
	ordered := make([]contracts.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })
	var out []string
	for _, s := range ordered {
		if s.SOEDecisionID != "" && !s.LockedSequence {
			out = append(out, s.StepID)
		}
	}
	return out
}

// validateDependencies checks every declared before/after constraint.
func validateDependencies(steps []contracts.Step) error {
	ordered := make([]contracts.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })
	position := make(map[string]int, len(ordered))
	for i, s := range ordered {
		position[s.StepID] = i
	}
	for i, s := range ordered {
		for _, dep := range s.DependsOn {
			pos, ok := position[dep]
			if !ok {
				continue
			}
			if pos >= i {
				return fault.Newf(fault.CodePlanInvalidEdit, "step %q must come after %q", s.StepID, dep).
					With("step_id", s.StepID).With("depends_on", dep)
			}
		}
	}
	return nil
}

func approvedImmutable(p *contracts.DatumPlan) error {
	return fault.Newf(fault.CodePlanApprovedImmutable,
		"plan %q version %d is approved and immutable; fork a new draft to make changes", p.PlanID, p.Version).
		With("plan_id", p.PlanID).With("version", p.Version)
}
