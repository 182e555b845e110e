package domain

// GateAction is the outcome class of the risk gate.
type GateAction string

const (
	ActionAllow GateAction = "allow"
	ActionAlert GateAction = "alert"
	ActionFlag  GateAction = "flag"
	ActionBlock GateAction = "block"
)

// actionRank orders actions by severity. When several rules fire on one
// event the most severe action wins.
var actionRank = map[GateAction]int{
	ActionAllow: 0,
	ActionAlert: 1,
	ActionFlag:  2,
	ActionBlock: 3,
}

// Rank returns the severity rank of the action; unknown actions rank lowest.
func (a GateAction) Rank() int {
	return actionRank[a]
}

// MaxAction returns the more severe of two actions.
func MaxAction(a, b GateAction) GateAction {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// FraudRuleConfig defines one fraud detection rule.
//
// Expression is a CEL expression over the engagement's `telemetry` map and
// the pre-fetched `velocity_count`. It must return a numeric score; the
// rule fires when score >= Threshold.
type FraudRuleConfig struct {
	ID          string `json:"ruleId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Expression string  `json:"expression"`
	Threshold  float64 `json:"thresholdValue"`

	// Action taken when the rule fires: block, flag or alert.
	Action GateAction `json:"action"`

	// Severity is an operator-facing weight for triage, not used in
	// resolution (resolution is by Action rank).
	Severity int `json:"severity"`

	Enabled bool `json:"enabled"`
}

// FiredRule records one rule that fired during gate evaluation.
type FiredRule struct {
	RuleID string     `json:"ruleId"`
	Score  float64    `json:"score"`
	Action GateAction `json:"action"`
	Reason string     `json:"reason,omitempty"`
}

// GateResult is the outcome of evaluating all enabled rules for an event.
//
// Warnings lists rules whose required telemetry was missing; those rules
// are treated as not-fired (fail-open per rule) rather than escalating.
type GateResult struct {
	Action    GateAction  `json:"action"`
	RiskScore float64     `json:"riskScore"`
	Fired     []FiredRule `json:"firedRules,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
}
