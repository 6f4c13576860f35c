// Package governance decides which tools may be offered, which calls need an
// operator's confirmation, and records the confirmations given.
package governance

import (
	"context"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rcli/relay/pkg/config"
)

type ActionType string

const (
	ActionTool ActionType = "tool"
	ActionMCP  ActionType = "mcp"
)

// Action is what a policy is asked about: a tool call by qualified name,
// or a tool exposed over MCP.
type Action struct {
	Type ActionType
	Name string
}

type DecisionStatus string

const (
	DecisionStatusAllow   DecisionStatus = "allow"
	DecisionStatusDeny    DecisionStatus = "deny"
	DecisionStatusPending DecisionStatus = "pending"
)

// Decision is a policy or confirmer outcome. The zero value denies.
type Decision struct {
	Status DecisionStatus
	Reason string
	RuleID string
}

func Allow(reason string) Decision { return Decision{Status: DecisionStatusAllow, Reason: reason} }
func Deny(reason string) Decision  { return Decision{Status: DecisionStatusDeny, Reason: reason} }

func (d Decision) IsAllowed() bool { return d.Status == DecisionStatusAllow }
func (d Decision) IsPending() bool { return d.Status == DecisionStatusPending }

// IsDenied is true for anything that is neither allowed nor pending,
// including the zero Decision.
func (d Decision) IsDenied() bool { return !d.IsAllowed() && !d.IsPending() }

type PolicyEngine interface {
	Evaluate(ctx context.Context, action Action) Decision
}

// Rule matches actions by type and name glob. An empty Type or Name
// matches everything; Effect is allow, deny or pending, and anything else
// reads as allow.
type Rule struct {
	ID     string
	Effect string
	Type   ActionType
	Name   string
	Reason string
}

func (r Rule) matches(a Action) bool {
	if r.Type != "" && r.Type != a.Type {
		return false
	}
	if r.Name == "" || r.Name == a.Name {
		return true
	}
	ok, err := path.Match(r.Name, a.Name)
	return err == nil && ok
}

func (r Rule) decision() Decision {
	status := DecisionStatusAllow
	switch strings.ToLower(strings.TrimSpace(r.Effect)) {
	case "deny":
		status = DecisionStatusDeny
	case "pending":
		status = DecisionStatusPending
	}
	return Decision{Status: status, Reason: r.Reason, RuleID: r.ID}
}

// RuleSet is a first-match rule list. Replace swaps the list atomically,
// which is how configuration reloads reach running sessions.
type RuleSet struct {
	rules    atomic.Pointer[[]Rule]
	fallback Decision
}

// NewRuleSet allows whatever no rule matches.
func NewRuleSet(rules []Rule) *RuleSet {
	rs := &RuleSet{fallback: Allow("")}
	rs.Replace(rules)
	return rs
}

func (r *RuleSet) Rules() []Rule {
	return append([]Rule(nil), (*r.rules.Load())...)
}

func (r *RuleSet) Replace(rules []Rule) {
	list := append([]Rule(nil), rules...)
	r.rules.Store(&list)
}

func (r *RuleSet) Evaluate(_ context.Context, action Action) Decision {
	for _, rule := range *r.rules.Load() {
		if rule.matches(action) {
			return rule.decision()
		}
	}
	return r.fallback
}

// RulesFromConfig builds the rule list for a configuration: explicit
// policies first, then one pending rule per skills.require_confirmation
// pattern.
func RulesFromConfig(gov config.GovernanceConfig, skills config.SkillsConfig) []Rule {
	rules := make([]Rule, 0, len(gov.Policies)+len(skills.RequireConfirmation))
	for i, p := range gov.Policies {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			id = "rule-" + strconv.Itoa(i+1)
		}
		rules = append(rules, Rule{
			ID:     id,
			Effect: p.Effect,
			Type:   ActionType(strings.ToLower(p.Type)),
			Name:   p.Name,
			Reason: p.Reason,
		})
	}
	for _, pattern := range skills.RequireConfirmation {
		if pattern = strings.TrimSpace(pattern); pattern == "" {
			continue
		}
		rules = append(rules, Rule{
			ID:     "confirm:" + pattern,
			Effect: "pending",
			Type:   ActionTool,
			Name:   skillGlob(pattern),
			Reason: "listed in skills.require_confirmation",
		})
	}
	return rules
}

func RuleSetFromConfig(gov config.GovernanceConfig, skills config.SkillsConfig) *RuleSet {
	return NewRuleSet(RulesFromConfig(gov, skills))
}

// skillGlob widens a bare skill name ("ssh") to all its tools.
func skillGlob(p string) string {
	if strings.ContainsAny(p, ".*?[") {
		return p
	}
	return p + ".*"
}
