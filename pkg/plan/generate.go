package plan

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/datumfab/datum/pkg/canonicalize"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// Baseline sequences leave room in the middle band for overlay-inserted
// steps, which conventionally carry sequences in the hundreds.
const (
	seqFab          = 10
	seqSMTTop       = 20
	seqReflowTop    = 30
	seqSMTBottom    = 40
	seqReflowBottom = 50
	seqInspectFinal = 900
	seqPack         = 950

	defaultInsertSequence = 500
	defaultSampling       = "100_PERCENT"
)

// stepTypeByObject maps overlay object ids to plan step types. Unlisted
// objects become generic PROCESS steps.
var stepTypeByObject = map[string]string{
	"CLEAN":          "CLEAN",
	"BAKE":           "BAKE",
	"COMPONENT_BAKE": "BAKE",
	"POLYMER":        "POLYMER",
	"CURE":           "CURE",
	"INSPECT":        "INSPECT",
	"TVAC":           "TEST",
	"VIBRATION":      "TEST",
	"SHOCK":          "TEST",
	"XRAY":           "TEST",
}

var titleCaser = cases.Title(language.Und)

// Generate derives plan version 1 from a quote and an optional overlay
// run. It is a pure function: fixed inputs yield byte-identical output.
func Generate(quote contracts.Quote, run *contracts.SOERun) (*contracts.DatumPlan, error) {
	if quote.QuoteID == "" {
		return nil, fault.New(fault.CodeInvalid, "quote_id is required")
	}

	steps := baselineSteps(quote)
	tests := []contracts.TestIntent{}
	evidence := []contracts.EvidenceIntent{}
	var decisionIDs []string

	if run != nil {
		for _, d := range stepDecisions(run) {
			steps = append(steps, stepFromDecision(d))
		}
		for _, d := range run.Decisions {
			switch {
			case d.Action == contracts.ActionRequire && d.ObjectType == "test":
				tests = append(tests, contracts.TestIntent{
					TestID:        d.ObjectID,
					Type:          "TEST",
					Title:         objectTitle(d.ObjectID),
					Required:      true,
					Sampling:      defaultSampling,
					SourceRules:   []string{d.Why.RuleID},
					SOEDecisionID: d.ID,
					SOEWhy:        d.Explanation,
				})
			case (d.Action == contracts.ActionRequire || d.Action == contracts.ActionSetRetention) && d.ObjectType == "evidence":
				evidence = append(evidence, contracts.EvidenceIntent{
					EvidenceID:    d.ObjectID,
					Type:          "RECORD",
					Retention:     d.Retention,
					Required:      true,
					SourceRules:   []string{d.Why.RuleID},
					SOEDecisionID: d.ID,
				})
			}
		}
		for _, d := range run.Decisions {
			decisionIDs = append(decisionIDs, d.ID)
		}
		sort.Strings(decisionIDs)
	}
	if decisionIDs == nil {
		decisionIDs = []string{}
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })

	for i := range steps {
		id, err := stepID(steps[i])
		if err != nil {
			return nil, err
		}
		steps[i].StepID = id
	}

	p := &contracts.DatumPlan{
		PlanID:         "plan-" + quote.QuoteID,
		QuoteID:        quote.QuoteID,
		Version:        1,
		State:          contracts.PlanStateDraft,
		Locked:         false,
		Tier:           quote.Tier,
		Steps:          steps,
		Tests:          tests,
		EvidenceIntent: evidence,
		SOEDecisionIDs: decisionIDs,
	}
	if run != nil {
		p.SOERunID = run.SOERunID
	}
	return p, nil
}

// stepDecisions returns the overlay decisions that materialize as plan
// steps, ordered by decision id so insertion is permutation-independent.
func stepDecisions(run *contracts.SOERun) []contracts.Decision {
	var out []contracts.Decision
	for _, d := range run.Decisions {
		if d.Action == contracts.ActionInsertStep ||
			(d.Action == contracts.ActionRequire && d.ObjectType == "process_step") {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func stepFromDecision(d contracts.Decision) contracts.Step {
	seq := d.Sequence
	if seq == 0 {
		seq = defaultInsertSequence
	}
	stepType, ok := stepTypeByObject[d.ObjectID]
	if !ok {
		stepType = "PROCESS"
	}
	return contracts.Step{
		Type:           stepType,
		Title:          objectTitle(d.ObjectID),
		Sequence:       seq,
		Required:       true,
		LockedSequence: d.LockedSequence,
		Parameters:     d.Parameters,
		SourceRules:    []string{d.Why.RuleID},
		SOEDecisionID:  d.ID,
		SOEWhy:         d.Explanation,
	}
}

func baselineSteps(quote contracts.Quote) []contracts.Step {
	steps := []contracts.Step{
		baselineStep("FAB", "Fabricate Bare Board", seqFab, "IPC-A-600 Class 3"),
		baselineStep("SMT", "Top Side SMT Placement", seqSMTTop, ""),
		baselineStep("REFLOW", "Top Side Reflow", seqReflowTop, "IPC-A-610 Class 3"),
	}
	if quote.AssemblySides >= 2 {
		steps = append(steps,
			baselineStep("SMT", "Bottom Side SMT Placement", seqSMTBottom, ""),
			baselineStep("REFLOW", "Bottom Side Reflow", seqReflowBottom, "IPC-A-610 Class 3"),
		)
	}
	steps = append(steps,
		baselineStep("INSPECT", "Final Inspection", seqInspectFinal, "IPC-A-610 Class 3"),
		baselineStep("PACK", "Package and Ship", seqPack, ""),
	)
	return steps
}

func baselineStep(stepType, title string, seq int, acceptance string) contracts.Step {
	s := contracts.Step{
		Type:        stepType,
		Title:       title,
		Sequence:    seq,
		Required:    true,
		SourceRules: []string{contracts.SourceBaselineDefaultStep},
	}
	if acceptance != "" {
		s.Acceptance = acceptance
		s.Sampling = defaultSampling
	}
	return s
}

// stepID derives the deterministic id from the step's content-bearing
// fields. The id changes whenever the content changes.
func stepID(s contracts.Step) (string, error) {
	h, err := canonicalize.ShortHash(map[string]any{
		"type":            s.Type,
		"title":           s.Title,
		"sequence":        s.Sequence,
		"parameters":      s.Parameters,
		"source_rules":    s.SourceRules,
		"soe_decision_id": s.SOEDecisionID,
	}, 16)
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "derive step id", err)
	}
	return "step_" + h, nil
}

func objectTitle(objectID string) string {
	return titleCaser.String(strings.ToLower(strings.ReplaceAll(objectID, "_", " ")))
}
