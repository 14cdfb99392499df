package contracts

// ReportSection is one rendered section of a compliance report. Rows hold
// tabular content; Body holds prose. Section ids are stable identifiers.
type ReportSection struct {
	SectionID string              `json:"section_id"`
	Title     string              `json:"title"`
	Body      string              `json:"body,omitempty"`
	Rows      []map[string]string `json:"rows,omitempty"`
}

// ComplianceReport is the hashed, auditor-facing report for an approved
// plan version. ReportHash covers the canonical form of the sections.
type ComplianceReport struct {
	PlanID      string          `json:"plan_id"`
	PlanVersion int             `json:"plan_version"`
	Sections    []ReportSection `json:"sections"`
	ReportHash  string          `json:"report_hash"`
	GeneratedAt string          `json:"generated_at"`
	GeneratedBy string          `json:"generated_by"`
}

// TraceEntry maps one plan artifact back to its rule, pack, citations,
// and profile layer.
type TraceEntry struct {
	ItemKind      string         `json:"item_kind"`
	ItemID        string         `json:"item_id"`
	Title         string         `json:"title,omitempty"`
	RuleID        string         `json:"rule_id,omitempty"`
	PackID        string         `json:"pack_id,omitempty"`
	Citations     []string       `json:"citations,omitempty"`
	ProfileSource *ProfileSource `json:"profile_source,omitempty"`
	DecisionID    string         `json:"decision_id,omitempty"`
	Baseline      bool           `json:"baseline,omitempty"`
}
