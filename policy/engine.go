// Package policy gates session launches with OPA policies.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Engine evaluates the launch policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.launch_policy.decision"),
		rego.Module("launch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Evaluate checks a launch request against the policy.
// Input carries keys: task, workspace, limits.
// Returns: decision ("allow" or "block"), reason (optional), error.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "allow", "default", nil
	}

	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		return s, "", nil
	}
	return "allow", "unexpected return type", nil
}

// DefaultPolicy is the launch policy used when none is configured.
const DefaultPolicy = `
package launch_policy

default decision = "allow"

# Never run against the filesystem root.
decision = "block" {
	input.workspace == "/"
}

# Reject limits that effectively disable process isolation.
decision = "block" {
	input.limits.pids > 4096
}
`
