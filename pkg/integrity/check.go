// Package integrity implements the audit-integrity check: a pure
// verification of an approved plan's provenance chain, from its profile
// stack down to the shape of every decision id it references.
package integrity

import (
	"fmt"
	"regexp"

	"github.com/datumfab/datum/pkg/audit"
	"github.com/datumfab/datum/pkg/compliance"
	"github.com/datumfab/datum/pkg/contracts"
)

// Check names.
const (
	CheckPlanApproved      = "plan_approved"
	CheckProvenancePresent = "plan_provenance"
	CheckRunTraceable      = "soe_run_traceable"
	CheckProfileStates     = "profile_states_valid"
	CheckDecisionRefs      = "step_to_decision_refs"
	CheckDecisionIDShape   = "decision_id_shape"
)

// Finding codes.
const (
	FindingProfileDeprecated = "PROFILE_DEPRECATED_IN_ACTIVE_ARTIFACT"
	FindingProfileUnusable   = "PROFILE_STATE_INVALID"
	FindingRunUnresolvable   = "SOE_RUN_UNRESOLVABLE"
	FindingDanglingDecision  = "DECISION_REF_DANGLING"
	FindingBadDecisionID     = "DECISION_ID_MALFORMED"
	FindingNotApproved       = "PLAN_NOT_APPROVED"
	FindingNoProvenance      = "PROVENANCE_MISSING"
)

var decisionIDShape = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Finding is one observation made by a check. Warnings leave the report
// valid; failures do not.
type Finding struct {
	Code    string `json:"code"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

// CheckResult is one named check with its outcome.
type CheckResult struct {
	Name     string    `json:"name"`
	Passed   bool      `json:"passed"`
	Findings []Finding `json:"findings,omitempty"`
}

// Report is the structured outcome of the integrity check. Valid means
// every check passed; warnings (such as a deprecated profile in the
// stack) are surfaced without invalidating the artifact.
type Report struct {
	PlanID      string              `json:"plan_id"`
	PlanVersion int                 `json:"plan_version"`
	Valid       bool                `json:"valid"`
	Checks      []CheckResult       `json:"checks"`
	Warnings    []Finding           `json:"warnings,omitempty"`
	AuditChain  *audit.VerifyResult `json:"audit_chain,omitempty"`
}

// WarningCodes flattens warning findings into provenance-ready strings.
func (r *Report) WarningCodes() []string {
	var out []string
	for _, f := range r.Warnings {
		if f.Subject != "" {
			out = append(out, f.Code+":"+f.Subject)
		} else {
			out = append(out, f.Code)
		}
	}
	return out
}

// ProfileStateLookup resolves the current lifecycle state of a profile
// version. It returns an error when the profile version does not exist.
type ProfileStateLookup func(profileID, version string) (contracts.ProfileState, error)

// CheckPlan runs the full integrity verification. The run may be nil
// when the plan's soe_run_id cannot be resolved; that is itself a
// failure when the plan claims one.
func CheckPlan(p *contracts.DatumPlan, run *contracts.SOERun, lookup ProfileStateLookup) *Report {
	r := &Report{PlanID: p.PlanID, PlanVersion: p.Version, Valid: true}

	r.add(checkApproved(p))
	r.add(checkProvenance(p))
	r.add(checkRunTraceable(p, run))
	r.add(checkProfileStates(run, lookup))
	r.add(checkDecisionRefs(p, run))
	r.add(checkDecisionIDShape(p))
	return r
}

func (r *Report) add(c CheckResult) {
	for _, f := range c.Findings {
		if f.Warning {
			r.Warnings = append(r.Warnings, f)
		}
	}
	if !c.Passed {
		r.Valid = false
	}
	r.Checks = append(r.Checks, c)
}

func checkApproved(p *contracts.DatumPlan) CheckResult {
	c := CheckResult{Name: CheckPlanApproved, Passed: true}
	if p.State != contracts.PlanStateApproved || !p.Locked {
		c.Passed = false
		c.Findings = append(c.Findings, Finding{
			Code:    FindingNotApproved,
			Message: fmt.Sprintf("plan is %s (locked=%t); integrity applies to approved, locked plans", p.State, p.Locked),
		})
	}
	return c
}

func checkProvenance(p *contracts.DatumPlan) CheckResult {
	c := CheckResult{Name: CheckProvenancePresent, Passed: true}
	if p.ApprovedBy == "" || p.ApprovedAt == "" {
		c.Passed = false
		c.Findings = append(c.Findings, Finding{
			Code:    FindingNoProvenance,
			Message: "approved plan carries no approver identity or timestamp",
		})
	}
	return c
}

func checkRunTraceable(p *contracts.DatumPlan, run *contracts.SOERun) CheckResult {
	c := CheckResult{Name: CheckRunTraceable, Passed: true}
	if p.SOERunID == "" {
		return c // a plan generated without an overlay has nothing to resolve
	}
	if run == nil || run.SOERunID != p.SOERunID {
		c.Passed = false
		c.Findings = append(c.Findings, Finding{
			Code:    FindingRunUnresolvable,
			Subject: p.SOERunID,
			Message: fmt.Sprintf("soe_run_id %q is not resolvable", p.SOERunID),
		})
	}
	return c
}

func checkProfileStates(run *contracts.SOERun, lookup ProfileStateLookup) CheckResult {
	c := CheckResult{Name: CheckProfileStates, Passed: true}
	if run == nil {
		return c
	}
	for _, entry := range run.ProfileStack {
		state := entry.State
		if lookup != nil {
			if s, err := lookup(entry.ProfileID, entry.Version); err == nil {
				state = s
			} else {
				c.Passed = false
				c.Findings = append(c.Findings, Finding{
					Code:    FindingProfileUnusable,
					Subject: entry.ProfileID,
					Message: fmt.Sprintf("profile %q version %q no longer resolvable", entry.ProfileID, entry.Version),
				})
				continue
			}
		}
		switch state {
		case contracts.ProfileStateApproved:
		case contracts.ProfileStateDeprecated:
			c.Findings = append(c.Findings, Finding{
				Code:    FindingProfileDeprecated,
				Subject: entry.ProfileID,
				Message: fmt.Sprintf("profile %q in the active stack is deprecated", entry.ProfileID),
				Warning: true,
			})
		default:
			c.Passed = false
			c.Findings = append(c.Findings, Finding{
				Code:    FindingProfileUnusable,
				Subject: entry.ProfileID,
				Message: fmt.Sprintf("profile %q is %s; only approved or deprecated profiles may back an approved plan", entry.ProfileID, state),
			})
		}
	}
	return c
}

func checkDecisionRefs(p *contracts.DatumPlan, run *contracts.SOERun) CheckResult {
	c := CheckResult{Name: CheckDecisionRefs, Passed: true}
	if p.SOERunID == "" {
		return c
	}
	for _, id := range compliance.Untraceable(p, run) {
		c.Passed = false
		c.Findings = append(c.Findings, Finding{
			Code:    FindingDanglingDecision,
			Subject: id,
			Message: fmt.Sprintf("decision %q is referenced by the plan but absent from the run", id),
		})
	}
	return c
}

func checkDecisionIDShape(p *contracts.DatumPlan) CheckResult {
	c := CheckResult{Name: CheckDecisionIDShape, Passed: true}
	seen := map[string]bool{}
	verify := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		if !decisionIDShape.MatchString(id) {
			c.Passed = false
			c.Findings = append(c.Findings, Finding{
				Code:    FindingBadDecisionID,
				Subject: id,
				Message: fmt.Sprintf("decision id %q does not have the canonical content-hash shape", id),
			})
		}
	}
	for _, s := range p.Steps {
		verify(s.SOEDecisionID)
	}
	for _, t := range p.Tests {
		verify(t.SOEDecisionID)
	}
	for _, ev := range p.EvidenceIntent {
		verify(ev.SOEDecisionID)
	}
	for _, id := range p.SOEDecisionIDs {
		verify(id)
	}
	return c
}
