// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"testing"
)

func TestToolFilter_Empty(t *testing.T) {
	filter := NewToolFilter()
	if !filter.Empty() {
		t.Fatal("expected empty filter")
	}
	if !filter.Visible(context.Background(), "git", "git.log").IsAllowed() {
		t.Error("empty filter should allow all tools")
	}
	var nilFilter *ToolFilter
	if !nilFilter.Visible(context.Background(), "x").IsAllowed() {
		t.Error("nil filter should allow all tools")
	}
}

func TestToolFilter_Lists(t *testing.T) {
	tests := []struct {
		name    string
		filter  *ToolFilter
		names   []string
		visible bool
	}{
		{"allowlist by skill", NewToolFilter(WithAllowlist([]string{"math"})), []string{"math", "math.add"}, true},
		{"allowlist miss", NewToolFilter(WithAllowlist([]string{"math"})), []string{"git", "git.log"}, false},
		{"allowlist glob", NewToolFilter(WithAllowlist([]string{"fs.read*"})), []string{"fs", "fs.read_file"}, true},
		{"denylist by skill", NewToolFilter(WithDenylist([]string{"git"})), []string{"git", "git.log"}, false},
		{"denylist by tool", NewToolFilter(WithDenylist([]string{"fs.write_file"})), []string{"fs", "fs.write_file"}, false},
		{"deny wins over allow", NewToolFilter(WithAllowlist([]string{"fs"}), WithDenylist([]string{"fs.write_*"})), []string{"fs", "fs.write_file"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Visible(context.Background(), tc.names...).IsAllowed(); got != tc.visible {
				t.Fatalf("expected visible=%v, got %v", tc.visible, got)
			}
		})
	}
}

func TestToolFilter_PolicyEngine(t *testing.T) {
	engine := NewRuleSet([]Rule{
		{ID: "no-shell", Effect: "deny", Type: ActionTool, Name: "shell.*"},
		{ID: "confirm-fs", Effect: "pending", Type: ActionTool, Name: "fs.*"},
	})
	filter := NewToolFilter(WithPolicyEngine(engine))
	ctx := context.Background()

	if filter.Visible(ctx, "shell", "shell.exec").IsAllowed() {
		t.Error("denied tools must be hidden")
	}
	if !filter.Visible(ctx, "fs", "fs.write_file").IsAllowed() {
		t.Error("pending tools stay visible")
	}
}
