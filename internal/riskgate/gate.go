// Package riskgate provides the CEL-Go based fraud rule gate.
package riskgate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/brandreach/kestrel/internal/domain"
)

// Gate evaluates a campaign's fraud rules against engagement telemetry.
//
// Rules are compiled once at campaign activation and evaluated as an
// ordered fold with explicit severity-ranking resolution. Evaluation is
// pure: velocity context is pre-fetched by the caller, never fetched here.
type Gate struct {
	mu        sync.RWMutex
	env       *cel.Env
	campaigns map[string][]*compiledRule
}

// compiledRule holds a pre-compiled CEL program with its config.
type compiledRule struct {
	cfg     domain.FraudRuleConfig
	program cel.Program
}

// New creates a new risk gate.
func New() (*Gate, error) {
	// Telemetry is a single dynamic map so rules referencing a signal the
	// event did not carry fail at eval time (missing key), which the gate
	// turns into a per-rule fail-open, not an escalation.
	env, err := cel.NewEnv(
		cel.Variable("telemetry", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("location_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Gate{
		env:       env,
		campaigns: make(map[string][]*compiledRule),
	}, nil
}

// ValidateRules compiles every rule without loading it, so malformed
// expressions are rejected at campaign activation.
func (g *Gate) ValidateRules(rules []domain.FraudRuleConfig) error {
	for i := range rules {
		if _, err := g.compileRule(&rules[i]); err != nil {
			return err
		}
	}
	return nil
}

// LoadCampaign compiles and loads a campaign's enabled rules.
// Disabled rules are skipped entirely.
func (g *Gate) LoadCampaign(campaignID string, rules []domain.FraudRuleConfig) error {
	compiled := make([]*compiledRule, 0, len(rules))
	for i := range rules {
		if !rules[i].Enabled {
			continue
		}
		cr, err := g.compileRule(&rules[i])
		if err != nil {
			return err
		}
		compiled = append(compiled, cr)
	}

	// Stable evaluation order independent of config ordering.
	sort.Slice(compiled, func(i, j int) bool {
		return compiled[i].cfg.ID < compiled[j].cfg.ID
	})

	g.mu.Lock()
	g.campaigns[campaignID] = compiled
	g.mu.Unlock()

	return nil
}

// DropCampaign removes a campaign's rules from the gate.
func (g *Gate) DropCampaign(campaignID string) {
	g.mu.Lock()
	delete(g.campaigns, campaignID)
	g.mu.Unlock()
}

// RulesCount returns the number of loaded rules for a campaign.
func (g *Gate) RulesCount(campaignID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.campaigns[campaignID])
}

// Input holds the engagement data for gate evaluation.
type Input struct {
	CampaignID string
	UserID     string
	LocationID string

	// Telemetry is the event's raw fraud signals.
	Telemetry map[string]any

	// VelocityCount is the pre-fetched recent-engagement count for the user.
	VelocityCount int64
}

// Evaluate runs every loaded rule for the campaign and resolves the
// outcome: action = max severity of fired rules, riskScore = max fired
// score. A rule whose telemetry is missing is reported as a warning and
// treated as not fired; a missing signal never escalates to block.
func (g *Gate) Evaluate(ctx context.Context, in *Input) domain.GateResult {
	g.mu.RLock()
	rules := g.campaigns[in.CampaignID]
	g.mu.RUnlock()

	result := domain.GateResult{Action: domain.ActionAllow}
	if len(rules) == 0 {
		return result
	}

	telemetry := in.Telemetry
	if telemetry == nil {
		telemetry = map[string]any{}
	}

	activation := map[string]any{
		"telemetry":      telemetry,
		"velocity_count": in.VelocityCount,
		"user_id":        in.UserID,
		"location_id":    in.LocationID,
	}

	for _, rule := range rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			// Fail-open for this single rule.
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("rule %s skipped: %v", rule.cfg.ID, err))
			continue
		}

		score := toScore(out)
		if score < rule.cfg.Threshold {
			continue
		}

		result.Fired = append(result.Fired, domain.FiredRule{
			RuleID: rule.cfg.ID,
			Score:  score,
			Action: rule.cfg.Action,
			Reason: rule.cfg.Name,
		})
		result.Action = domain.MaxAction(result.Action, rule.cfg.Action)
		if score > result.RiskScore {
			result.RiskScore = score
		}
	}

	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

func (g *Gate) compileRule(cfg *domain.FraudRuleConfig) (*compiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("ruleId is required")
	}
	switch cfg.Action {
	case domain.ActionBlock, domain.ActionFlag, domain.ActionAlert:
	default:
		return nil, fmt.Errorf("rule %s: action must be block, flag or alert, got %q", cfg.ID, cfg.Action)
	}

	ast, issues := g.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &compiledRule{cfg: *cfg, program: program}, nil
}
