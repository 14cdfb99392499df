// Package compliance builds the auditor-facing traceability view of a
// plan: the per-artifact trace back to rules and citations, and the
// hashed nine-section compliance report.
package compliance

import (
	"strings"

	"github.com/datumfab/datum/pkg/contracts"
)

// BuildTrace maps every step, test, and evidence commitment of the plan
// back to its overlay decision, or marks it baseline. The run may be nil
// when the plan was generated without an overlay evaluation.
func BuildTrace(p *contracts.DatumPlan, run *contracts.SOERun) []contracts.TraceEntry {
	var out []contracts.TraceEntry
	for _, s := range p.Steps {
		out = append(out, traceFor("step", s.StepID, s.Title, s.SOEDecisionID, s.SourceRules, run))
	}
	for _, t := range p.Tests {
		out = append(out, traceFor("test", t.TestID, t.Title, t.SOEDecisionID, t.SourceRules, run))
	}
	for _, ev := range p.EvidenceIntent {
		out = append(out, traceFor("evidence", ev.EvidenceID, "", ev.SOEDecisionID, ev.SourceRules, run))
	}
	return out
}

func traceFor(kind, id, title, decisionID string, sourceRules []string, run *contracts.SOERun) contracts.TraceEntry {
	e := contracts.TraceEntry{
		ItemKind:   kind,
		ItemID:     id,
		Title:      title,
		DecisionID: decisionID,
	}
	if decisionID == "" {
		e.Baseline = isBaseline(sourceRules)
		if len(sourceRules) > 0 && !e.Baseline {
			e.RuleID = sourceRules[0]
		}
		return e
	}
	if run != nil {
		if d := run.DecisionByID(decisionID); d != nil {
			e.RuleID = d.Why.RuleID
			e.PackID = d.Why.PackID
			e.Citations = d.Why.Citations
			e.ProfileSource = d.ProfileSource
			return e
		}
	}
	// Decision id present but unresolvable: keep what the plan recorded.
	if len(sourceRules) > 0 {
		e.RuleID = sourceRules[0]
	}
	return e
}

func isBaseline(sourceRules []string) bool {
	for _, r := range sourceRules {
		if r == contracts.SourceBaselineDefaultStep {
			return true
		}
	}
	return false
}

// Untraceable returns the decision ids referenced by the plan that the
// run cannot resolve. The integrity check surfaces these as findings.
func Untraceable(p *contracts.DatumPlan, run *contracts.SOERun) []string {
	var missing []string
	seen := map[string]bool{}
	check := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		if run == nil || run.DecisionByID(id) == nil {
			missing = append(missing, id)
		}
	}
	for _, s := range p.Steps {
		check(s.SOEDecisionID)
	}
	for _, t := range p.Tests {
		check(t.SOEDecisionID)
	}
	for _, ev := range p.EvidenceIntent {
		check(ev.SOEDecisionID)
	}
	for _, id := range p.SOEDecisionIDs {
		check(id)
	}
	return missing
}

func joinCitations(citations []string) string {
	return strings.Join(citations, "; ")
}
