package governance

import (
	"context"
	"testing"

	"github.com/rcli/relay/pkg/config"
)

func TestRuleSetEvaluate(t *testing.T) {
	engine := NewRuleSet([]Rule{
		{ID: "deny-mcp", Effect: "deny", Type: ActionMCP, Name: "secrets.*", Reason: "blocked"},
		{ID: "confirm-fs", Effect: "pending", Type: ActionTool, Name: "fs.write_*"},
		{ID: "allow-math", Effect: "allow", Type: ActionTool, Name: "math.*"},
	})
	ctx := context.Background()

	tests := []struct {
		name   string
		action Action
		status DecisionStatus
		ruleID string
	}{
		{"allow rule", Action{Type: ActionTool, Name: "math.add"}, DecisionStatusAllow, "allow-math"},
		{"deny rule", Action{Type: ActionMCP, Name: "secrets.read"}, DecisionStatusDeny, "deny-mcp"},
		{"type mismatch falls through", Action{Type: ActionTool, Name: "secrets.read"}, DecisionStatusAllow, ""},
		{"pending rule", Action{Type: ActionTool, Name: "fs.write_file"}, DecisionStatusPending, "confirm-fs"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := engine.Evaluate(ctx, tc.action)
			if d.Status != tc.status || d.RuleID != tc.ruleID {
				t.Fatalf("expected %s/%q, got %s/%q", tc.status, tc.ruleID, d.Status, d.RuleID)
			}
		})
	}
}

func TestRuleSetReplace(t *testing.T) {
	engine := NewRuleSet(nil)
	action := Action{Type: ActionTool, Name: "shell.exec"}
	if !engine.Evaluate(context.Background(), action).IsAllowed() {
		t.Fatalf("empty rule set should allow")
	}
	engine.Replace([]Rule{{ID: "no-shell", Effect: "deny", Name: "shell.*"}})
	if !engine.Evaluate(context.Background(), action).IsDenied() {
		t.Fatalf("expected deny after replace")
	}
	if len(engine.Rules()) != 1 {
		t.Fatalf("expected one rule, got %d", len(engine.Rules()))
	}
}

func TestRuleSetFromConfig(t *testing.T) {
	gov := config.GovernanceConfig{
		Policies: []config.PolicyRuleConfig{
			{ID: "deny-tools", Effect: "deny", Type: "tool", Name: "danger.*", Reason: "blocked"},
			{Effect: "allow", Name: "ssh.status"},
		},
	}
	skills := config.SkillsConfig{RequireConfirmation: []string{"ssh", "docker.run", " "}}
	engine := RuleSetFromConfig(gov, skills)
	ctx := context.Background()

	if d := engine.Evaluate(ctx, Action{Type: ActionTool, Name: "danger.rm"}); !d.IsDenied() || d.RuleID != "deny-tools" {
		t.Fatalf("expected deny-tools, got %+v", d)
	}
	if d := engine.Evaluate(ctx, Action{Type: ActionTool, Name: "ssh.status"}); !d.IsAllowed() || d.RuleID != "rule-2" {
		t.Fatalf("explicit policy should win over confirmation list, got %+v", d)
	}
	if d := engine.Evaluate(ctx, Action{Type: ActionTool, Name: "ssh.exec"}); !d.IsPending() {
		t.Fatalf("bare skill name should gate all its tools, got %+v", d)
	}
	if d := engine.Evaluate(ctx, Action{Type: ActionTool, Name: "docker.run"}); !d.IsPending() {
		t.Fatalf("expected docker.run pending, got %+v", d)
	}
	if d := engine.Evaluate(ctx, Action{Type: ActionTool, Name: "docker.ps"}); !d.IsAllowed() {
		t.Fatalf("expected docker.ps allowed, got %+v", d)
	}
	if n := len(engine.Rules()); n != 4 {
		t.Fatalf("expected 4 rules, got %d", n)
	}
}

func TestZeroDecisionDenies(t *testing.T) {
	var d Decision
	if d.IsAllowed() || d.IsPending() || !d.IsDenied() {
		t.Fatalf("zero decision should deny: %+v", d)
	}
	if !Allow("").IsAllowed() || !Deny("no").IsDenied() {
		t.Fatal("constructors disagree with predicates")
	}
}

func TestRuleSetExactNameWithGlobCharacters(t *testing.T) {
	engine := NewRuleSet([]Rule{{ID: "odd", Effect: "deny", Name: "weird[name"}})
	if d := engine.Evaluate(context.Background(), Action{Type: ActionTool, Name: "weird[name"}); !d.IsDenied() {
		t.Errorf("malformed glob should still match exactly, got %+v", d)
	}
}
