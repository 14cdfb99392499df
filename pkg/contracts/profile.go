package contracts

// ProfileType identifies the layer a standards profile occupies.
type ProfileType string

const (
	ProfileTypeBase             ProfileType = "BASE"
	ProfileTypeDomain           ProfileType = "DOMAIN"
	ProfileTypeCustomerOverride ProfileType = "CUSTOMER_OVERRIDE"
)

// Layer returns the semantic layer constant for the profile type.
// BASE=0, DOMAIN=1, CUSTOMER_OVERRIDE=2. This is never a list index.
func (t ProfileType) Layer() int {
	switch t {
	case ProfileTypeBase:
		return 0
	case ProfileTypeDomain:
		return 1
	case ProfileTypeCustomerOverride:
		return 2
	}
	return -1
}

type OverrideMode string

const (
	OverrideModeStrict   OverrideMode = "STRICT"
	OverrideModeAdditive OverrideMode = "ADDITIVE"
	OverrideModeReplace  OverrideMode = "REPLACE"
)

type ConflictPolicy string

const (
	ConflictPolicyError      ConflictPolicy = "ERROR"
	ConflictPolicyParentWins ConflictPolicy = "PARENT_WINS"
	ConflictPolicyChildWins  ConflictPolicy = "CHILD_WINS"
)

// ProfileState is the lifecycle state of a standards profile version.
type ProfileState string

const (
	ProfileStateDraft      ProfileState = "draft"
	ProfileStateSubmitted  ProfileState = "submitted"
	ProfileStateApproved   ProfileState = "approved"
	ProfileStateRejected   ProfileState = "rejected"
	ProfileStateDeprecated ProfileState = "deprecated"
)

// StandardsProfile is a typed, layered bundle of packs plus override and
// conflict policy. Profiles are referenced by id, never embedded by copy.
type StandardsProfile struct {
	ProfileID        string         `json:"profile_id"`
	ProfileType      ProfileType    `json:"profile_type"`
	ParentProfileIDs []string       `json:"parent_profile_ids"`
	DefaultPacks     []string       `json:"default_packs"`
	OverrideMode     OverrideMode   `json:"override_mode"`
	ConflictPolicy   ConflictPolicy `json:"conflict_policy"`
	State            ProfileState   `json:"state"`
	Version          string         `json:"version"`
	ParentVersion    string         `json:"parent_version,omitempty"`
	SourceStandards  []string       `json:"source_standards,omitempty"`
	Description      string         `json:"description,omitempty"`

	SubmittedBy  string `json:"submitted_by,omitempty"`
	SubmittedAt  string `json:"submitted_at,omitempty"`
	ApprovedBy   string `json:"approved_by,omitempty"`
	ApprovedAt   string `json:"approved_at,omitempty"`
	RejectedBy   string `json:"rejected_by,omitempty"`
	RejectedAt   string `json:"rejected_at,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`
	DeprecatedAt string `json:"deprecated_at,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`
}

// IndustryProfile is read-only catalog data describing an industry's
// defaults when no explicit profile stack is supplied.
type IndustryProfile struct {
	IndustryID        string   `json:"industry_id"`
	DefaultPacks      []string `json:"default_packs"`
	DefaultProfiles   []string `json:"default_profiles,omitempty"`
	RiskPosture       string   `json:"risk_posture"`
	TraceabilityDepth string   `json:"traceability_depth"`
	EvidenceRetention string   `json:"evidence_retention"`
}

// ProfileBundle is a named list of profile ids. It carries no lifecycle
// state; resolving it expands the ids in declared order.
type ProfileBundle struct {
	BundleID   string   `json:"bundle_id"`
	ProfileIDs []string `json:"profile_ids"`
	ProgramID  string   `json:"program_id,omitempty"`
	CustomerID string   `json:"customer_id,omitempty"`
	ContractID string   `json:"contract_id,omitempty"`
}
