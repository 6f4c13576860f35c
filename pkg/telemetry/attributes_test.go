// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestTurnAttributes(t *testing.T) {
	attrs := TurnAttributes("s-1", "qwen", 10, 4)
	assertAttributes(t, attrs, map[string]any{
		AttrSessionID:       "s-1",
		AttrLLMModel:        "qwen",
		AttrTurnMaxIter:     10,
		AttrConversationLen: 4,
	})

	if got := TurnAttributes("s-1", "", 10, 0); hasKey(got, AttrLLMModel) {
		t.Error("empty model should be omitted")
	}
}

func TestToolCallAttributes(t *testing.T) {
	attrs := ToolCallAttributes("math.add", "math", "call_1", "success", 12.5)
	assertAttributes(t, attrs, map[string]any{
		AttrToolName:       "math.add",
		AttrToolSkill:      "math",
		AttrToolCallID:     "call_1",
		AttrToolOutcome:    "success",
		AttrToolDurationMs: 12.5,
	})
}

func TestToolCallArgsResultTruncation(t *testing.T) {
	long := strings.Repeat("x", 20)
	attrs := ToolCallArgsResult(long, "short", 10)
	assertAttributes(t, attrs, map[string]any{
		AttrToolArgs:   strings.Repeat("x", 10) + "...",
		AttrToolResult: "short",
	})
	if got := ToolCallArgsResult("", "", 0); len(got) != 0 {
		t.Errorf("empty inputs produced %v", got)
	}
}

func TestSelectionAttributes(t *testing.T) {
	attrs := SelectionAttributes("lite", 420, true, []string{"a.b", "c.d"})
	assertAttributes(t, attrs, map[string]any{
		AttrBudgetMode:     "lite",
		AttrBudgetTokens:   420,
		AttrBudgetDegraded: true,
		AttrToolsCount:     2,
	})
	if !hasKey(attrs, AttrToolsNames) {
		t.Error("missing tool names")
	}
}

func TestLLMUsageAttributes(t *testing.T) {
	attrs := LLMUsageAttributes(100, 0, 2)
	assertAttributes(t, attrs, map[string]any{
		AttrLLMTokensInput: 100,
		AttrLLMToolCalls:   2,
	})
	if hasKey(attrs, AttrLLMTokensOutput) {
		t.Error("zero output tokens should be omitted")
	}
}

func TestPolicyAttributes(t *testing.T) {
	assertAttributes(t, PolicyAttributes("pending", "confirm:fs.*"), map[string]any{
		AttrPolicyStatus: "pending",
		AttrPolicyRule:   "confirm:fs.*",
	})
}

func hasKey(attrs []attribute.KeyValue, key string) bool {
	for _, a := range attrs {
		if string(a.Key) == key {
			return true
		}
	}
	return false
}

// assertAttributes checks that expected key-value pairs exist in attrs
func assertAttributes(t *testing.T, attrs []attribute.KeyValue, expected map[string]any) {
	t.Helper()

	found := make(map[string]attribute.KeyValue)
	for _, attr := range attrs {
		found[string(attr.Key)] = attr
	}

	for key, expectedVal := range expected {
		attr, ok := found[key]
		if !ok {
			t.Errorf("missing attribute %s", key)
			continue
		}

		var actualVal any
		switch attr.Value.Type() {
		case attribute.STRING:
			actualVal = attr.Value.AsString()
		case attribute.INT64:
			actualVal = int(attr.Value.AsInt64())
		case attribute.FLOAT64:
			actualVal = attr.Value.AsFloat64()
		case attribute.BOOL:
			actualVal = attr.Value.AsBool()
		}

		if actualVal != expectedVal {
			t.Errorf("attribute %s: got %v, want %v", key, actualVal, expectedVal)
		}
	}
}
