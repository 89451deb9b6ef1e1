package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/identity"
)

// CustomRule is one compiled deny hook. Custom rules only ever deny: a rule
// whose expression evaluates true fires and blocks the action.
type CustomRule struct {
	Name       string
	Expression string
	Message    string
	program    cel.Program
}

// CELEvaluator compiles and evaluates the custom-rule CEL expressions.
// Expressions are compiled once at load time; evaluation is lock-free and
// safe for concurrent use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator creates a CELEvaluator with the variable declarations
// available in custom rules.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),

		// identity.*
		cel.Variable("identity.instance_id", cel.StringType),
		cel.Variable("identity.asset_id", cel.StringType),
		cel.Variable("identity.organization", cel.StringType),
		cel.Variable("identity.risk_level", cel.StringType),
		cel.Variable("identity.mode", cel.StringType),
		cel.Variable("identity.generation_depth", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:    env,
		logger: logger.With("component", "policy.CELEvaluator"),
	}, nil
}

// Compile parses and type-checks one configured rule. Compile errors are
// fatal at load time so a bad expression can never reach the hot path.
func (c *CELEvaluator) Compile(cfg config.CustomRule) (CustomRule, error) {
	ast, issues := c.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return CustomRule{}, fmt.Errorf("CEL compile error in rule %q: %w", cfg.Name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return CustomRule{}, fmt.Errorf("rule %q must evaluate to bool, got %s", cfg.Name, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return CustomRule{}, fmt.Errorf("CEL program creation failed for rule %q: %w", cfg.Name, err)
	}

	c.logger.Debug("compiled custom rule", "rule", cfg.Name, "expression", cfg.Expression)

	return CustomRule{
		Name:       cfg.Name,
		Expression: cfg.Expression,
		Message:    cfg.Message,
		program:    prg,
	}, nil
}

// CompileAll compiles every configured rule, failing on the first error.
func (c *CELEvaluator) CompileAll(cfgs []config.CustomRule) ([]CustomRule, error) {
	rules := make([]CustomRule, 0, len(cfgs))
	for _, cfg := range cfgs {
		rule, err := c.Compile(cfg)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Evaluate runs one compiled rule. True means the rule fires and the action
// is denied.
func (c *CELEvaluator) Evaluate(rule CustomRule, id *identity.RuntimeIdentity, action, resource string, callCtx map[string]any) (bool, error) {
	if callCtx == nil {
		// CEL map access on nil panics.
		callCtx = map[string]any{}
	}
	vars := map[string]any{
		"action":   action,
		"resource": resource,
		"context":  callCtx,

		"identity.instance_id":      id.InstanceID,
		"identity.asset_id":         id.AssetID,
		"identity.organization":     id.Organization,
		"identity.risk_level":       string(id.RiskLevel),
		"identity.mode":             string(id.Mode),
		"identity.generation_depth": int64(id.Lineage.GenerationDepth),
	}

	out, _, err := rule.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for rule %q: %w", rule.Name, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q returned non-bool: %T", rule.Name, out.Value())
	}
	return result, nil
}
