package scheduler

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"curator/internal/config"
	"curator/internal/consolidation"
	"curator/internal/logger"
)

// RuleEngine evaluates the configured exclusion rules against candidate
// groups. A rule that evaluates to true keeps the group out of unattended
// application; its name becomes the recorded exclusion reason.
//
// Expressions see the group through these variables:
//
//	target_key      string            canonical "event|edition|race" key
//	event_id        string
//	proposal_count  int               open proposals in the group
//	max_confidence  double
//	blocks          list(string)      blocks the group contributes to
//	agents          list(string)      distinct contributing agents
//	fields          map(string, dyn)  scalar/date field values to be written
//
// Guard map lookups with `in`, since accessing a missing key is an
// evaluation error, e.g.
// `"eventType" in fields && fields["eventType"] == "featured"` or
// `"organizerTier" in fields && fields["organizerTier"] == "premium"`.
type RuleEngine struct {
	rules  []compiledRule
	logger logger.Logger
}

type compiledRule struct {
	name    string
	program cel.Program
}

func NewRuleEngine(rules []config.ExclusionRule, log logger.Logger) (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("target_key", cel.StringType),
		cel.Variable("event_id", cel.StringType),
		cel.Variable("proposal_count", cel.IntType),
		cel.Variable("max_confidence", cel.DoubleType),
		cel.Variable("blocks", cel.ListType(cel.StringType)),
		cel.Variable("agents", cel.ListType(cel.StringType)),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	engine := &RuleEngine{logger: log}
	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile exclusion rule %q: %w", rule.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("exclusion rule %q must evaluate to bool, got %s", rule.Name, ast.OutputType())
		}

		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to build program for exclusion rule %q: %w", rule.Name, err)
		}
		engine.rules = append(engine.rules, compiledRule{name: rule.Name, program: program})
	}

	return engine, nil
}

// Evaluate returns the name of the first matching rule, or empty when no
// rule excludes the group. A rule evaluation error excludes the group
// conservatively and is reported as an error.
func (e *RuleEngine) Evaluate(group *consolidation.WorkingGroup) (string, error) {
	if len(e.rules) == 0 {
		return "", nil
	}

	activation := e.activation(group)

	for _, rule := range e.rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			return rule.name, fmt.Errorf("exclusion rule %q failed to evaluate: %w", rule.name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return rule.name, fmt.Errorf("exclusion rule %q returned non-bool %T", rule.name, out.Value())
		}
		if matched {
			return rule.name, nil
		}
	}

	return "", nil
}

func (e *RuleEngine) activation(group *consolidation.WorkingGroup) map[string]interface{} {
	blocks := make([]string, 0, 4)
	for _, b := range group.Blocks() {
		blocks = append(blocks, string(b))
	}

	agents := make([]string, 0, len(group.Pending))
	seen := make(map[string]bool, len(group.Pending))
	for _, p := range group.Pending {
		if !seen[p.AgentID] {
			seen[p.AgentID] = true
			agents = append(agents, p.AgentID)
		}
	}

	// Only scalar and date values are meaningful in rule expressions.
	fields := make(map[string]interface{}, len(group.Fields))
	for _, field := range group.Fields {
		chosen := field.Consensus
		if chosen == nil && len(field.Options) == 1 {
			chosen = &field.Options[0]
		}
		if chosen == nil {
			continue
		}
		switch {
		case chosen.Value.Scalar != nil:
			fields[field.Field] = chosen.Value.Scalar
		case chosen.Value.Date != "":
			fields[field.Field] = chosen.Value.Date
		}
	}

	return map[string]interface{}{
		"target_key":     group.TargetKey.String(),
		"event_id":       group.TargetKey.EventID,
		"proposal_count": len(group.Pending),
		"max_confidence": group.MaxConfidence(),
		"blocks":         blocks,
		"agents":         agents,
		"fields":         fields,
	}
}
