package compliance

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/datumfab/datum/pkg/canonicalize"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// FormatHTML is the only supported report rendering format.
const FormatHTML = "html"

// Section ids, in render order.
const (
	SectionExecutiveSummary  = "executive_summary"
	SectionScope             = "scope"
	SectionStandardsCoverage = "standards_coverage"
	SectionTraceability      = "compliance_traceability"
	SectionDeviations        = "deviations_overrides"
	SectionApprovalsTrail    = "approvals_trail"
	SectionProfileStack      = "profile_stack"
	SectionEvidence          = "evidence_requirements"
	SectionAuditMetadata     = "audit_metadata"
)

// ValidateFormat rejects everything except html. No silent fallback.
func ValidateFormat(format string) error {
	if format == FormatHTML {
		return nil
	}
	return fault.Newf(fault.CodeUnsupportedFormat, "report format %q is not supported; use %q", format, FormatHTML).
		With("format", format)
}

// Build assembles the nine-section report for an approved plan. It is a
// pure function of its inputs: the caller supplies the timestamp and the
// report hash covers the sections, not the generation metadata.
func Build(p *contracts.DatumPlan, run *contracts.SOERun, generatedBy, generatedAt string) (*contracts.ComplianceReport, error) {
	if p.State != contracts.PlanStateApproved {
		return nil, fault.Newf(fault.CodeExportRequiresApproval,
			"compliance report requires an approved plan; %q version %d is %s", p.PlanID, p.Version, p.State).
			With("plan_id", p.PlanID).With("state", string(p.State))
	}

	trace := BuildTrace(p, run)
	sections := []contracts.ReportSection{
		executiveSummary(p, run),
		scope(p, run),
		standardsCoverage(run),
		traceability(trace),
		deviations(p),
		approvalsTrail(p),
		profileStack(run),
		evidenceRequirements(p, run),
		auditMetadata(p, run),
	}

	hash, err := canonicalize.CanonicalHash(sections)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "hash report body", err)
	}
	return &contracts.ComplianceReport{
		PlanID:      p.PlanID,
		PlanVersion: p.Version,
		Sections:    sections,
		ReportHash:  hash,
		GeneratedAt: generatedAt,
		GeneratedBy: generatedBy,
	}, nil
}

func executiveSummary(p *contracts.DatumPlan, run *contracts.SOERun) contracts.ReportSection {
	industry := "none"
	if run != nil {
		industry = run.IndustryProfile
	}
	body := fmt.Sprintf(
		"Plan %s version %d for quote %s is approved and locked. "+
			"It carries %d process steps, %d test commitments, and %d evidence commitments "+
			"under the %s industry profile. Approved by %s at %s.",
		p.PlanID, p.Version, p.QuoteID,
		len(p.Steps), len(p.Tests), len(p.EvidenceIntent),
		industry, p.ApprovedBy, p.ApprovedAt,
	)
	return contracts.ReportSection{SectionID: SectionExecutiveSummary, Title: "Executive Summary", Body: body}
}

func scope(p *contracts.DatumPlan, run *contracts.SOERun) contracts.ReportSection {
	rows := []map[string]string{
		{"field": "plan_id", "value": p.PlanID},
		{"field": "plan_version", "value": strconv.Itoa(p.Version)},
		{"field": "quote_id", "value": p.QuoteID},
		{"field": "tier", "value": strconv.Itoa(p.Tier)},
	}
	if run != nil {
		rows = append(rows,
			map[string]string{"field": "industry_profile", "value": run.IndustryProfile},
			map[string]string{"field": "hardware_class", "value": run.HardwareClass},
		)
	}
	return contracts.ReportSection{SectionID: SectionScope, Title: "Scope", Rows: rows}
}

func standardsCoverage(run *contracts.SOERun) contracts.ReportSection {
	s := contracts.ReportSection{SectionID: SectionStandardsCoverage, Title: "Standards Coverage"}
	if run == nil {
		s.Body = "No standards overlay evaluation is attached to this plan."
		return s
	}
	rules := map[string][]string{}
	for _, d := range run.Decisions {
		rules[d.Why.PackID] = appendUnique(rules[d.Why.PackID], d.Why.RuleID)
	}
	for _, pack := range run.ActivePacks {
		ids := rules[pack]
		sort.Strings(ids)
		s.Rows = append(s.Rows, map[string]string{
			"pack_id":       pack,
			"rules_applied": strings.Join(ids, ", "),
		})
	}
	return s
}

func traceability(trace []contracts.TraceEntry) contracts.ReportSection {
	s := contracts.ReportSection{SectionID: SectionTraceability, Title: "Compliance Traceability"}
	for _, e := range trace {
		row := map[string]string{
			"item_kind":   e.ItemKind,
			"item_id":     e.ItemID,
			"title":       e.Title,
			"rule_id":     e.RuleID,
			"pack_id":     e.PackID,
			"citations":   joinCitations(e.Citations),
			"decision_id": e.DecisionID,
		}
		if e.Baseline {
			row["rule_id"] = contracts.SourceBaselineDefaultStep
		}
		if e.ProfileSource != nil {
			row["profile_id"] = e.ProfileSource.ProfileID
			row["profile_layer"] = strconv.Itoa(e.ProfileSource.Layer)
		}
		s.Rows = append(s.Rows, row)
	}
	return s
}

func deviations(p *contracts.DatumPlan) contracts.ReportSection {
	s := contracts.ReportSection{SectionID: SectionDeviations, Title: "Deviations & Overrides"}
	for _, em := range p.EditMetadata {
		for _, ov := range em.Overrides {
			s.Rows = append(s.Rows, map[string]string{
				"constraint": ov.Constraint,
				"reason":     ov.Reason,
				"user_id":    ov.UserID,
				"timestamp":  ov.Timestamp,
			})
		}
	}
	if len(s.Rows) == 0 {
		s.Body = "No overrides were recorded against standards-locked constraints."
	}
	return s
}

func approvalsTrail(p *contracts.DatumPlan) contracts.ReportSection {
	s := contracts.ReportSection{SectionID: SectionApprovalsTrail, Title: "Approvals Trail"}
	for _, em := range p.EditMetadata {
		s.Rows = append(s.Rows, map[string]string{
			"event": "edit", "actor": em.EditedBy, "at": em.EditedAt, "reason": em.EditReason,
		})
	}
	if p.SubmittedBy != "" {
		s.Rows = append(s.Rows, map[string]string{
			"event": "submit", "actor": p.SubmittedBy, "at": p.SubmittedAt, "reason": "",
		})
	}
	s.Rows = append(s.Rows, map[string]string{
		"event": "approve", "actor": p.ApprovedBy, "at": p.ApprovedAt, "reason": "",
	})
	return s
}

func profileStack(run *contracts.SOERun) contracts.ReportSection {
	s := contracts.ReportSection{SectionID: SectionProfileStack, Title: "Profile Stack"}
	if run == nil {
		s.Body = "No profile stack: the plan was generated without a standards overlay."
		return s
	}
	for _, e := range run.ProfileStack {
		s.Rows = append(s.Rows, map[string]string{
			"profile_id":   e.ProfileID,
			"profile_type": string(e.ProfileType),
			"layer":        strconv.Itoa(e.Layer),
			"version":      e.Version,
			"state":        string(e.State),
		})
	}
	return s
}

func evidenceRequirements(p *contracts.DatumPlan, run *contracts.SOERun) contracts.ReportSection {
	s := contracts.ReportSection{SectionID: SectionEvidence, Title: "Evidence Requirements"}
	retention := map[string]string{}
	if run != nil {
		for _, req := range run.RequiredEvidence {
			retention[req.EvidenceID] = req.Retention
		}
	}
	for _, ev := range p.EvidenceIntent {
		ret := ev.Retention
		if ret == "" {
			ret = retention[ev.EvidenceID]
		}
		s.Rows = append(s.Rows, map[string]string{
			"evidence_id": ev.EvidenceID,
			"type":        ev.Type,
			"retention":   ret,
			"required":    strconv.FormatBool(ev.Required),
		})
	}
	if len(s.Rows) == 0 {
		s.Body = "No retained-evidence commitments apply to this plan."
	}
	return s
}

func auditMetadata(p *contracts.DatumPlan, run *contracts.SOERun) contracts.ReportSection {
	rows := []map[string]string{
		{"field": "soe_run_id", "value": p.SOERunID},
		{"field": "soe_decision_count", "value": strconv.Itoa(len(p.SOEDecisionIDs))},
		{"field": "plan_locked", "value": strconv.FormatBool(p.Locked)},
	}
	if run != nil {
		rows = append(rows, map[string]string{"field": "active_packs", "value": strings.Join(run.ActivePacks, ", ")})
	}
	return contracts.ReportSection{SectionID: SectionAuditMetadata, Title: "Audit Metadata", Rows: rows}
}

func appendUnique(in []string, v string) []string {
	for _, x := range in {
		if x == v {
			return in
		}
	}
	return append(in, v)
}
