package plan

import (
	"sort"

	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// Objective selects the optimizer's ordering criterion for unlocked steps.
type Objective string

const (
	ObjectiveThroughput Objective = "throughput"
	ObjectiveCost       Objective = "cost"
	ObjectiveResource   Objective = "resource"
)

// OptimizationSummary reports what the optimizer did.
type OptimizationSummary struct {
	Objective            Objective `json:"objective"`
	StepsMoved           int       `json:"steps_moved"`
	LockedStepsPreserved int       `json:"locked_steps_preserved"`
	ConstraintsPreserved bool      `json:"constraints_preserved"`
}

// Optimize reorders only free steps: overlay-sourced and locked-sequence
// steps keep their exact positions and sequence values. Free steps are
// re-sorted by the objective within the positions they already occupy.
// If the reorder would violate a declared dependency, the original order
// stands.
func Optimize(p *contracts.DatumPlan, objective Objective) ([]contracts.Step, OptimizationSummary, error) {
	switch objective {
	case ObjectiveThroughput, ObjectiveCost, ObjectiveResource:
	case "":
		objective = ObjectiveThroughput
	default:
		return nil, OptimizationSummary{}, fault.Newf(fault.CodeInvalid, "unknown optimization objective %q", objective)
	}

	ordered := make([]contracts.Step, len(p.Steps))
	copy(ordered, p.Steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	locked := func(s contracts.Step) bool {
		return s.LockedSequence || s.SOEDecisionID != ""
	}

	var freeIdx []int
	var free []contracts.Step
	lockedCount := 0
	for i, s := range ordered {
		if locked(s) {
			lockedCount++
			continue
		}
		freeIdx = append(freeIdx, i)
		free = append(free, s)
	}

	sort.SliceStable(free, func(i, j int) bool {
		return objectiveKeyLess(free[i], free[j], objective)
	})

	result := make([]contracts.Step, len(ordered))
	copy(result, ordered)
	moved := 0
	for k, idx := range freeIdx {
		if result[idx].StepID != free[k].StepID {
			moved++
		}
		seq := result[idx].Sequence
		result[idx] = free[k]
		result[idx].Sequence = seq
	}

	summary := OptimizationSummary{
		Objective:            objective,
		StepsMoved:           moved,
		LockedStepsPreserved: lockedCount,
		ConstraintsPreserved: true,
	}

	if err := validateDependencies(result); err != nil {
		// Fall back rather than break an ordering constraint.
		return ordered, OptimizationSummary{
			Objective:            objective,
			StepsMoved:           0,
			LockedStepsPreserved: lockedCount,
			ConstraintsPreserved: true,
		}, nil
	}
	return result, summary, nil
}

func objectiveKeyLess(a, b contracts.Step, objective Objective) bool {
	switch objective {
	case ObjectiveCost:
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.Type < b.Type
	case ObjectiveResource:
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Sequence < b.Sequence
	default: // throughput groups same-type steps together
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Title < b.Title
	}
}
