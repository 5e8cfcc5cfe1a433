package enforcer

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/capmesh/capmesh/internal/config"
	"github.com/capmesh/capmesh/internal/observability"
)

// restrictionSet compiles and evaluates the resource restriction
// rules. Every rule is checked on every request; a rule passes when
// its expression evaluates to true.
type restrictionSet struct {
	logger   observability.Logger
	rules    []config.RestrictionRule
	programs map[string]cel.Program
}

// newRestrictionSet compiles all rule expressions up front so a bad
// expression fails construction instead of the first request.
func newRestrictionSet(rules []config.RestrictionRule, logger observability.Logger) (*restrictionSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("role", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	rs := &restrictionSet{
		logger:   logger,
		rules:    rules,
		programs: make(map[string]cel.Program, len(rules)),
	}

	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compiling restriction %q: %w", rule.Name, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("building restriction program %q: %w", rule.Name, err)
		}
		rs.programs[rule.Name] = program
	}

	return rs, nil
}

// unmet evaluates all rules against a request and returns the names of
// every rule the request failed. Evaluation errors count as failures;
// a rule that cannot be evaluated must not silently pass.
func (rs *restrictionSet) unmet(req *DomainRequest) []string {
	if len(rs.rules) == 0 {
		return nil
	}

	at := req.Time
	if at.IsZero() {
		at = time.Now()
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	evalCtx := map[string]interface{}{
		"role":      req.Role,
		"tenant":    req.Tenant,
		"operation": req.Operation,
		"resource":  req.Resource,
		"metadata":  metadata,
		"now":       at,
	}

	var failed []string
	for _, rule := range rs.rules {
		program, ok := rs.programs[rule.Name]
		if !ok {
			continue
		}

		result, _, err := program.Eval(evalCtx)
		if err != nil {
			rs.logger.Warn("restriction evaluation error",
				observability.String("restriction", rule.Name),
				observability.Error(err),
			)
			failed = append(failed, rule.Name)
			continue
		}

		if passed, ok := result.Value().(bool); !ok || !passed {
			failed = append(failed, rule.Name)
		}
	}
	return failed
}
