// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"path"
	"strings"
)

// ToolFilter decides whether a tool may be advertised to the model, from an
// allowlist, a denylist and an optional policy engine.
type ToolFilter struct {
	allowlist    map[string]bool
	denylist     map[string]bool
	policyEngine PolicyEngine
}

// ToolFilterOption configures a ToolFilter.
type ToolFilterOption func(*ToolFilter)

// NewToolFilter creates a new ToolFilter with the given options.
func NewToolFilter(opts ...ToolFilterOption) *ToolFilter {
	tf := &ToolFilter{
		allowlist: make(map[string]bool),
		denylist:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(tf)
	}
	return tf
}

// WithAllowlist sets the allowlist of permitted names/patterns.
func WithAllowlist(names []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		addAll(tf.allowlist, names)
	}
}

// WithDenylist sets the denylist of forbidden names/patterns.
func WithDenylist(names []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		addAll(tf.denylist, names)
	}
}

// WithPolicyEngine attaches a policy engine. Tools the engine denies are
// hidden; tools it marks pending stay visible and are gated at call time.
func WithPolicyEngine(engine PolicyEngine) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.policyEngine = engine
	}
}

func addAll(set map[string]bool, names []string) {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			set[name] = true
		}
	}
}

// Visible reports whether a tool known by any of names (its skill name,
// category or qualified name) may be offered.
// Evaluation order:
//  1. any name on the denylist: hidden
//  2. allowlist non-empty and no name on it: hidden
//  3. policy engine denies the qualified name (the last entry): hidden
//  4. otherwise visible
func (tf *ToolFilter) Visible(ctx context.Context, names ...string) Decision {
	if tf == nil {
		return Allow("")
	}
	for _, name := range names {
		if matchesList(name, tf.denylist) {
			return Decision{Status: DecisionStatusDeny, Reason: name + " is in denylist"}
		}
	}

	if len(tf.allowlist) > 0 {
		found := false
		for _, name := range names {
			if matchesList(name, tf.allowlist) {
				found = true
				break
			}
		}
		if !found {
			return Decision{Status: DecisionStatusDeny, Reason: "not in allowlist"}
		}
	}

	if tf.policyEngine != nil && len(names) > 0 {
		decision := tf.policyEngine.Evaluate(ctx, Action{Type: ActionTool, Name: names[len(names)-1]})
		if decision.IsDenied() {
			return decision
		}
	}

	return Allow("")
}

// Empty reports whether the filter hides nothing by construction.
func (tf *ToolFilter) Empty() bool {
	return tf == nil || (len(tf.allowlist) == 0 && len(tf.denylist) == 0 && tf.policyEngine == nil)
}

// matchesList checks if name matches any pattern in the list.
// Supports glob patterns (e.g., "fs.*", "pdf*").
func matchesList(name string, list map[string]bool) bool {
	if list[name] {
		return true
	}
	for pattern := range list {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
