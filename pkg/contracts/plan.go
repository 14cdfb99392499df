package contracts

// PlanState is the governance state of a plan version.
type PlanState string

const (
	PlanStateDraft     PlanState = "draft"
	PlanStateSubmitted PlanState = "submitted"
	PlanStateApproved  PlanState = "approved"
	PlanStateRejected  PlanState = "rejected"
)

// SourceBaselineDefaultStep marks steps seeded by the generator's baseline
// sequence rather than by a standards rule.
const SourceBaselineDefaultStep = "BASELINE_DEFAULT_STEP"

// Step is one ordered operation in a manufacturing plan. A step carrying
// a soe_decision_id is SOE-derived and SOE-locked: removing or reordering
// it requires a recorded override.
type Step struct {
	StepID         string         `json:"step_id"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Sequence       int            `json:"sequence"`
	Required       bool           `json:"required"`
	LockedSequence bool           `json:"locked_sequence"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Acceptance     string         `json:"acceptance,omitempty"`
	Sampling       string         `json:"sampling,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	// DependsOn lists step ids that must appear earlier in the plan.
	DependsOn     []string `json:"depends_on,omitempty"`
	SourceRules   []string `json:"source_rules"`
	SOEDecisionID string   `json:"soe_decision_id,omitempty"`
	SOEWhy        string   `json:"soe_why,omitempty"`
}

// TestIntent declares a test the plan commits to performing.
type TestIntent struct {
	TestID        string   `json:"test_id"`
	Type          string   `json:"type"`
	Title         string   `json:"title,omitempty"`
	Required      bool     `json:"required"`
	Sampling      string   `json:"sampling,omitempty"`
	SourceRules   []string `json:"source_rules"`
	SOEDecisionID string   `json:"soe_decision_id,omitempty"`
	SOEWhy        string   `json:"soe_why,omitempty"`
}

// EvidenceIntent declares a retained-evidence commitment.
type EvidenceIntent struct {
	EvidenceID    string   `json:"evidence_id"`
	Type          string   `json:"type"`
	Retention     string   `json:"retention,omitempty"`
	Required      bool     `json:"required"`
	SourceRules   []string `json:"source_rules"`
	SOEDecisionID string   `json:"soe_decision_id,omitempty"`
}

// Override records a justified deviation from an SOE-locked constraint.
type Override struct {
	Constraint string `json:"constraint"`
	Reason     string `json:"reason"`
	UserID     string `json:"user_id"`
	Timestamp  string `json:"timestamp"`
}

// EditMetadata is appended on every edit and never rewritten.
type EditMetadata struct {
	EditedBy   string     `json:"edited_by"`
	EditedAt   string     `json:"edited_at"`
	EditReason string     `json:"edit_reason"`
	Overrides  []Override `json:"overrides,omitempty"`
}

// Quote is the design-package summary the plan generator consumes. Only
// the fields the core needs are modelled; upload parsing lives elsewhere.
type Quote struct {
	QuoteID       string `json:"quote_id"`
	Program       string `json:"program,omitempty"`
	AssemblySides int    `json:"assembly_sides"`
	Tier          int    `json:"tier"`
}

// DatumPlan is the versioned, governed manufacturing plan artifact. Each
// version is immutable after write; only state and locked move, and only
// as the approval state machine dictates.
type DatumPlan struct {
	PlanID         string           `json:"plan_id"`
	QuoteID        string           `json:"quote_id"`
	Version        int              `json:"version"`
	ParentVersion  int              `json:"parent_version,omitempty"`
	State          PlanState        `json:"state"`
	Locked         bool             `json:"locked"`
	Tier           int              `json:"tier"`
	Steps          []Step           `json:"steps"`
	Tests          []TestIntent     `json:"tests"`
	EvidenceIntent []EvidenceIntent `json:"evidence_intent"`
	SOERunID       string           `json:"soe_run_id,omitempty"`
	SOEDecisionIDs []string         `json:"soe_decision_ids"`
	EditMetadata   []EditMetadata   `json:"edit_metadata,omitempty"`

	SubmittedBy string `json:"submitted_by,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
	ApprovedBy  string `json:"approved_by,omitempty"`
	ApprovedAt  string `json:"approved_at,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (p *DatumPlan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].StepID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy suitable for building the next version.
func (p *DatumPlan) Clone() *DatumPlan {
	cp := *p
	cp.Steps = make([]Step, len(p.Steps))
	copy(cp.Steps, p.Steps)
	for i := range cp.Steps {
		cp.Steps[i].Parameters = cloneMap(p.Steps[i].Parameters)
		cp.Steps[i].DependsOn = append([]string(nil), p.Steps[i].DependsOn...)
		cp.Steps[i].SourceRules = append([]string(nil), p.Steps[i].SourceRules...)
	}
	cp.Tests = make([]TestIntent, len(p.Tests))
	copy(cp.Tests, p.Tests)
	cp.EvidenceIntent = make([]EvidenceIntent, len(p.EvidenceIntent))
	copy(cp.EvidenceIntent, p.EvidenceIntent)
	cp.SOEDecisionIDs = append([]string(nil), p.SOEDecisionIDs...)
	cp.EditMetadata = make([]EditMetadata, len(p.EditMetadata))
	copy(cp.EditMetadata, p.EditMetadata)
	for i := range cp.EditMetadata {
		cp.EditMetadata[i].Overrides = append([]Override(nil), p.EditMetadata[i].Overrides...)
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
