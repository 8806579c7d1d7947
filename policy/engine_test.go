package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPolicyAllowsEnabledKinds(t *testing.T) {
	engine, err := NewEngine(context.Background(), DefaultPolicy, []string{"shell"})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	decision, reason, err := engine.Evaluate(context.Background(), Input{Action: ActionCreate, Kind: "ai"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionAllow || reason != "default" {
		t.Fatalf("unexpected decision %q (%q)", decision, reason)
	}
}

func TestDefaultPolicyDeniesDisabledKinds(t *testing.T) {
	engine, err := NewEngine(context.Background(), DefaultPolicy, []string{"shell"})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	decision, reason, err := engine.Evaluate(context.Background(), Input{Action: ActionResume, Kind: "shell"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionDeny {
		t.Fatalf("expected deny, got %q", decision)
	}
	if reason != `session kind "shell" is disabled` {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestStringDecisionPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.rego")
	content := `
package session_policy

import rego.v1

default decision := "allow"

decision := "deny" if {
	input.action == "create"
	input.user_id == ""
}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	engine, err := NewEngineFromFile(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("NewEngineFromFile failed: %v", err)
	}

	decision, _, err := engine.Evaluate(context.Background(), Input{Action: ActionCreate, Kind: "ai"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionDeny {
		t.Fatalf("expected anonymous create to be denied, got %q", decision)
	}
	decision, _, _ = engine.Evaluate(context.Background(), Input{Action: ActionCreate, Kind: "ai", UserID: "u1"})
	if decision != DecisionAllow {
		t.Fatalf("expected owned create to be allowed, got %q", decision)
	}
}

func TestNewEngineRejectsInvalidPolicy(t *testing.T) {
	if _, err := NewEngine(context.Background(), "package broken\n\ndecision :=", nil); err == nil {
		t.Fatalf("expected invalid policy to fail")
	}
}

func TestEmptyFieldsArePresentInInput(t *testing.T) {
	content := `
package session_policy

import rego.v1

default decision := "deny"

decision := "allow" if {
	input.user_id == ""
	input.run_id == ""
}
`
	engine, err := NewEngine(context.Background(), content, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	decision, _, err := engine.Evaluate(context.Background(), Input{Action: ActionResume, Kind: "shell"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != DecisionAllow {
		t.Fatalf("expected empty user_id and run_id to be matched, got %q", decision)
	}
}
