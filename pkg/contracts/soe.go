package contracts

// ProfileStackEntry records one resolved profile in an SOE run's stack.
// Layer is the semantic constant BASE=0 / DOMAIN=1 / CUSTOMER_OVERRIDE=2.
type ProfileStackEntry struct {
	ProfileID        string       `json:"profile_id"`
	ProfileType      ProfileType  `json:"profile_type"`
	Layer            int          `json:"layer"`
	Version          string       `json:"version,omitempty"`
	State            ProfileState `json:"state,omitempty"`
	ParentProfileIDs []string     `json:"parent_profile_ids"`
}

// Why is the traceability record attached to every decision.
type Why struct {
	RuleID    string   `json:"rule_id"`
	PackID    string   `json:"pack_id"`
	Citations []string `json:"citations"`
	Summary   string   `json:"summary"`
}

// ProfileSource names the highest-layer profile whose pack list produced
// a decision. It makes the decision traceable; it never hides rules.
type ProfileSource struct {
	ProfileID   string      `json:"profile_id"`
	ProfileType ProfileType `json:"profile_type"`
	Layer       int         `json:"layer"`
}

// Decision is a single content-hash-identified fact emitted by a matched
// rule action. Its id is derived from {rule_id, pack_id, action,
// object_type, object_id} so duplicates across packs merge by id.
type Decision struct {
	ID             string         `json:"id"`
	Action         Action         `json:"action"`
	ObjectType     string         `json:"object_type"`
	ObjectID       string         `json:"object_id"`
	Enforcement    string         `json:"enforcement,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Sequence       int            `json:"sequence,omitempty"`
	LockedSequence bool           `json:"locked_sequence,omitempty"`
	Retention      string         `json:"retention,omitempty"`
	CostFactor     float64        `json:"cost_factor,omitempty"`
	Why            Why            `json:"why"`
	ProfileSource  *ProfileSource `json:"profile_source,omitempty"`
	Explanation    string         `json:"explanation,omitempty"`
}

type GateStatus string

const (
	GateOpen    GateStatus = "open"
	GateBlocked GateStatus = "blocked"
	GateWarning GateStatus = "warning"
)

// Gate is a release checkpoint whose status derives from the decisions
// that point at it.
type Gate struct {
	GateID    string     `json:"gate_id"`
	Status    GateStatus `json:"status"`
	BlockedBy []string   `json:"blocked_by"`
}

// EvidenceRequirement is a retained-evidence obligation derived from a
// REQUIRE or SET_RETENTION decision on an evidence object.
type EvidenceRequirement struct {
	EvidenceID string `json:"evidence_id"`
	Retention  string `json:"retention,omitempty"`
	DecisionID string `json:"decision_id"`
	Summary    string `json:"summary,omitempty"`
}

// CostModifier is a pricing adjustment derived from an ADD_COST_MODIFIER
// decision.
type CostModifier struct {
	ModifierID string  `json:"modifier_id"`
	Factor     float64 `json:"factor"`
	DecisionID string  `json:"decision_id"`
	Summary    string  `json:"summary,omitempty"`
}

// SOERun is the complete, auditable output of one overlay evaluation.
// It is a pure function of its inputs: identical inputs yield byte-equal
// canonical JSON, including the run id.
type SOERun struct {
	SOERunID         string                `json:"soe_run_id"`
	IndustryProfile  string                `json:"industry_profile"`
	HardwareClass    string                `json:"hardware_class,omitempty"`
	ActivePacks      []string              `json:"active_packs"`
	ProfileStack     []ProfileStackEntry   `json:"profile_stack"`
	Decisions        []Decision            `json:"decisions"`
	Gates            []Gate                `json:"gates"`
	RequiredEvidence []EvidenceRequirement `json:"required_evidence"`
	CostModifiers    []CostModifier        `json:"cost_modifiers"`
	AuditReplay      bool                  `json:"audit_replay,omitempty"`
}

// DecisionByID returns the decision with the given id, or nil.
func (r *SOERun) DecisionByID(id string) *Decision {
	for i := range r.Decisions {
		if r.Decisions[i].ID == id {
			return &r.Decisions[i]
		}
	}
	return nil
}
