package plan

import (
	"sort"

	"github.com/datumfab/datum/pkg/contracts"
)

// Diff is the structured comparison of two plan versions. Step ids are
// content hashes, so a content change shows up as a remove/add pair; the
// pairing below reports those as modifications when type and title match.
type Diff struct {
	PlanID          string       `json:"plan_id"`
	FromVersion     int          `json:"from_version"`
	ToVersion       int          `json:"to_version"`
	StepsAdded      []string     `json:"steps_added"`
	StepsRemoved    []string     `json:"steps_removed"`
	StepsModified   []StepChange `json:"steps_modified"`
	TestsAdded      []string     `json:"tests_added"`
	TestsRemoved    []string     `json:"tests_removed"`
	EvidenceAdded   []string     `json:"evidence_added"`
	EvidenceRemoved []string     `json:"evidence_removed"`
}

type StepChange struct {
	FromStepID string `json:"from_step_id"`
	ToStepID   string `json:"to_step_id"`
	Title      string `json:"title"`
}

// Empty reports a diff with no changes.
func (d Diff) Empty() bool {
	return len(d.StepsAdded) == 0 && len(d.StepsRemoved) == 0 && len(d.StepsModified) == 0 &&
		len(d.TestsAdded) == 0 && len(d.TestsRemoved) == 0 &&
		len(d.EvidenceAdded) == 0 && len(d.EvidenceRemoved) == 0
}

// ComputeDiff compares two versions of the same plan deterministically.
func ComputeDiff(from, to *contracts.DatumPlan) Diff {
	d := Diff{
		PlanID:      from.PlanID,
		FromVersion: from.Version,
		ToVersion:   to.Version,
		StepsAdded:  []string{}, StepsRemoved: []string{}, StepsModified: []StepChange{},
		TestsAdded: []string{}, TestsRemoved: []string{},
		EvidenceAdded: []string{}, EvidenceRemoved: []string{},
	}

	fromSteps := make(map[string]contracts.Step, len(from.Steps))
	for _, s := range from.Steps {
		fromSteps[s.StepID] = s
	}
	toSteps := make(map[string]contracts.Step, len(to.Steps))
	for _, s := range to.Steps {
		toSteps[s.StepID] = s
	}

	var removed, added []contracts.Step
	for _, s := range from.Steps {
		if _, ok := toSteps[s.StepID]; !ok {
			removed = append(removed, s)
		}
	}
	for _, s := range to.Steps {
		if _, ok := fromSteps[s.StepID]; !ok {
			added = append(added, s)
		}
	}

	// Pair removals and additions that share type and title: those are
	// content modifications of the same logical step.
	pairedAdd := make(map[string]bool)
	for _, r := range removed {
		match := ""
		for _, a := range added {
			if !pairedAdd[a.StepID] && a.Type == r.Type && a.Title == r.Title {
				match = a.StepID
				break
			}
		}
		if match != "" {
			pairedAdd[match] = true
			d.StepsModified = append(d.StepsModified, StepChange{FromStepID: r.StepID, ToStepID: match, Title: r.Title})
		} else {
			d.StepsRemoved = append(d.StepsRemoved, r.StepID)
		}
	}
	for _, a := range added {
		if !pairedAdd[a.StepID] {
			d.StepsAdded = append(d.StepsAdded, a.StepID)
		}
	}
	sort.Strings(d.StepsAdded)
	sort.Strings(d.StepsRemoved)
	sort.Slice(d.StepsModified, func(i, j int) bool { return d.StepsModified[i].FromStepID < d.StepsModified[j].FromStepID })

	d.TestsAdded, d.TestsRemoved = idDiff(testIDs(from.Tests), testIDs(to.Tests))
	d.EvidenceAdded, d.EvidenceRemoved = idDiff(evidenceIDs(from.EvidenceIntent), evidenceIDs(to.EvidenceIntent))
	return d
}

func testIDs(tests []contracts.TestIntent) []string {
	out := make([]string, len(tests))
	for i, t := range tests {
		out[i] = t.TestID
	}
	return out
}

func evidenceIDs(evs []contracts.EvidenceIntent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.EvidenceID
	}
	return out
}

func idDiff(from, to []string) (added, removed []string) {
	inFrom := make(map[string]bool, len(from))
	for _, id := range from {
		inFrom[id] = true
	}
	inTo := make(map[string]bool, len(to))
	for _, id := range to {
		inTo[id] = true
	}
	added, removed = []string{}, []string{}
	for _, id := range to {
		if !inFrom[id] {
			added = append(added, id)
		}
	}
	for _, id := range from {
		if !inTo[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
