package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the session policy.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Actions evaluated by the session policy.
const (
	ActionCreate = "create"
	ActionResume = "resume"
)

// Input is the document the policy evaluates.
type Input struct {
	Action        string   `json:"action"`
	Kind          string   `json:"kind"`
	UserID        string   `json:"user_id"`
	RunID         string   `json:"run_id"`
	DisabledKinds []string `json:"disabled_kinds"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query         rego.PreparedEvalQuery
	disabledKinds []string
}

// NewEngine creates a new policy engine with the given policy content.
// disabledKinds is passed to every evaluation as input.disabled_kinds.
func NewEngine(ctx context.Context, policyContent string, disabledKinds []string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.session_policy.decision"),
		rego.Module("session_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	if disabledKinds == nil {
		disabledKinds = []string{}
	}
	return &Engine{query: query, disabledKinds: disabledKinds}, nil
}

// NewEngineFromFile loads the policy from path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string, disabledKinds []string) (*Engine, error) {
	content := DefaultPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		content = string(data)
	}
	return NewEngine(ctx, content, disabledKinds)
}

// Evaluate checks the session policy.
// The rule may produce a bare decision string or an object {decision, reason}.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	input.DisabledKinds = e.disabledKinds
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// Undefined decision; policies are expected to declare a default.
		return DecisionAllow, "default", nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return val, "", nil
	case map[string]interface{}:
		decision, _ := val["decision"].(string)
		reason, _ := val["reason"].(string)
		if decision == "" {
			return "", "", fmt.Errorf("policy result has no decision: %v", val)
		}
		return decision, reason, nil
	default:
		return "", "", fmt.Errorf("unexpected policy result type %T", val)
	}
}

// DefaultPolicy allows every session kind not listed in input.disabled_kinds.
const DefaultPolicy = `
package session_policy

import rego.v1

default decision := {"decision": "allow", "reason": "default"}

decision := {"decision": "deny", "reason": sprintf("session kind %q is disabled", [input.kind])} if {
	input.kind in input.disabled_kinds
}
`
