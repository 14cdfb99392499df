package contracts

// Op is a leaf comparison operator in a rule trigger expression.
type Op string

const (
	OpEquals      Op = "equals"
	OpNotEquals   Op = "not_equals"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpGT          Op = "gt"
	OpGTE         Op = "gte"
	OpLT          Op = "lt"
	OpLTE         Op = "lte"
	OpIn          Op = "in"
	OpNotIn       Op = "not_in"
	OpExists      Op = "exists"
	OpNotExists   Op = "not_exists"
)

// RuleExpr is a recursive trigger expression. A node is either a leaf
// (Field/Op/Value set) or a composite (exactly one of All/Any/None set).
type RuleExpr struct {
	Field string      `json:"field,omitempty"`
	Op    Op          `json:"op,omitempty"`
	Value interface{} `json:"value,omitempty"`

	All  []RuleExpr `json:"all,omitempty"`
	Any  []RuleExpr `json:"any,omitempty"`
	None []RuleExpr `json:"none,omitempty"`
}

// IsLeaf reports whether the node carries a leaf comparison.
func (e RuleExpr) IsLeaf() bool {
	return e.Op != "" || e.Field != ""
}

// Action is the closed set of effects a matched rule may declare.
type Action string

const (
	ActionRequire         Action = "REQUIRE"
	ActionOptional        Action = "OPTIONAL"
	ActionProhibit        Action = "PROHIBIT"
	ActionInsertStep      Action = "INSERT_STEP"
	ActionEscalate        Action = "ESCALATE"
	ActionSetRetention    Action = "SET_RETENTION"
	ActionAddCostModifier Action = "ADD_COST_MODIFIER"
	ActionAddGate         Action = "ADD_GATE"
)

// Enforcement levels attached to rules and propagated onto decisions.
const (
	EnforcementBlockRelease = "BLOCK_RELEASE"
	EnforcementWarn         = "WARN"
	EnforcementInfo         = "INFO"
)

// RuleAction is one declared effect of a rule. The payload fields are a
// tagged record so decision hashing stays stable under refactoring.
type RuleAction struct {
	Action     Action         `json:"action"`
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Step placement payload, used by INSERT_STEP / REQUIRE on steps.
	Sequence       int  `json:"sequence,omitempty"`
	LockedSequence bool `json:"locked_sequence,omitempty"`

	// Evidence payload, used by SET_RETENTION / REQUIRE on evidence.
	Retention string `json:"retention,omitempty"`

	// Cost payload, used by ADD_COST_MODIFIER.
	CostFactor float64 `json:"cost_factor,omitempty"`
}

// Rule is a single clause-backed requirement inside a standards pack.
type Rule struct {
	RuleID    string   `json:"rule_id"`
	Summary   string   `json:"summary"`
	Citations []string `json:"citations"`
	Trigger   RuleExpr `json:"trigger"`
	// Guard is an optional CEL predicate over the evaluation context,
	// compiled in a restricted deterministic environment. A rule with a
	// guard fires only when both trigger and guard hold.
	Guard       string       `json:"guard,omitempty"`
	Actions     []RuleAction `json:"actions"`
	Enforcement string       `json:"enforcement,omitempty"`
	Severity    string       `json:"severity,omitempty"`
}

// StandardsPack is an ordered, immutable collection of rules citing one
// external standard. Rule order within a pack is significant.
type StandardsPack struct {
	PackID   string `json:"pack_id"`
	Industry string `json:"industry"`
	Title    string `json:"title,omitempty"`
	Version  string `json:"version,omitempty"`
	Rules    []Rule `json:"rules"`
}
