// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/rcli/relay/pkg/llm"
)

func contents(msgs []ConversationMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	return strings.Join(parts, ",")
}

func toolExchange(id string) []ConversationMessage {
	return []ConversationMessage{
		{Role: "assistant", ToolCalls: []llm.ToolCall{llm.Call(id, "math__add", `{"a":1,"b":2}`)}, Content: "call-" + id},
		{Role: "tool", ToolCallID: id, Name: "math__add", Content: "result-" + id},
	}
}

func TestWindowStrategy(t *testing.T) {
	messages := []ConversationMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "1"},
		{Role: "assistant", Content: "2"},
		{Role: "user", Content: "3"},
		{Role: "assistant", Content: "4"},
	}
	tests := []struct {
		name       string
		max        int
		keepSystem bool
		want       string
	}{
		{"under limit", 10, false, "sys,1,2,3,4"},
		{"tail", 3, false, "2,3,4"},
		{"keep system", 3, true, "sys,3,4"},
		{"only system fits", 1, true, "sys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewWindowStrategy(tt.max, tt.keepSystem).Truncate(context.Background(), messages)
			if err != nil {
				t.Fatalf("Truncate: %v", err)
			}
			if c := contents(got); c != tt.want {
				t.Fatalf("got %q, want %q", c, tt.want)
			}
		})
	}
}

func TestWindowStrategyKeepsToolGroupsWhole(t *testing.T) {
	messages := append([]ConversationMessage{{Role: "user", Content: "q"}}, toolExchange("c1")...)
	messages = append(messages, ConversationMessage{Role: "assistant", Content: "done"})

	// A window of 2 would split the exchange; the whole group is dropped instead.
	got, err := NewWindowStrategy(2, false).Truncate(context.Background(), messages)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if c := contents(got); c != "done" {
		t.Fatalf("got %q, want %q", c, "done")
	}

	got, _ = NewWindowStrategy(3, false).Truncate(context.Background(), messages)
	if c := contents(got); c != "call-c1,result-c1,done" {
		t.Fatalf("got %q", c)
	}
}

func TestTokenStrategy(t *testing.T) {
	strategy := NewTokenStrategy(20, false)
	strategy.TokenCounter = func(msg ConversationMessage) int { return len(msg.Content) }

	messages := []ConversationMessage{
		{Role: "user", Content: "This is a long message"}, // 22
		{Role: "assistant", Content: "Short"},             // 5
		{Role: "user", Content: "Also short"},             // 10
	}
	got, err := strategy.Truncate(context.Background(), messages)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if c := contents(got); c != "Short,Also short" {
		t.Fatalf("got %q", c)
	}
}

func TestTokenStrategyCountsToolCalls(t *testing.T) {
	msg := toolExchange("c1")[0]
	if got, floor := EstimateTokens(msg), len(`{"a":1,"b":2}`)/4; got <= floor {
		t.Fatalf("EstimateTokens = %d, expected tool arguments to be counted", got)
	}
}

func TestSummarizationStrategy(t *testing.T) {
	var summarized []ConversationMessage
	strategy := NewSummarizationStrategy(3, 2, func(_ context.Context, msgs []ConversationMessage) (string, error) {
		summarized = msgs
		return "earlier", nil
	})

	messages := []ConversationMessage{{Role: "system", Content: "sys"}, {Role: "user", Content: "q"}}
	messages = append(messages, toolExchange("c1")...)
	messages = append(messages, ConversationMessage{Role: "user", Content: "q2"}, ConversationMessage{Role: "assistant", Content: "a2"})

	got, err := strategy.Truncate(context.Background(), messages)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	// The cut extends past the tool result so the exchange is summarized whole.
	if c := contents(summarized); c != "q,call-c1,result-c1" {
		t.Fatalf("summarized %q", c)
	}
	if len(got) != 4 || got[1].Metadata[MetaKind] != KindSummary {
		t.Fatalf("unexpected result %+v", got)
	}
	if !strings.HasSuffix(got[1].Content, "earlier") {
		t.Fatalf("summary content %q", got[1].Content)
	}
	if c := contents(got[2:]); c != "q2,a2" {
		t.Fatalf("kept %q", c)
	}
}

func TestModelHistorySkipsErrorTurns(t *testing.T) {
	msgs := []ConversationMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "boom", Metadata: map[string]string{MetaKind: KindError}},
		{Role: "assistant", Content: "hello"},
	}
	got := ModelHistory(msgs)
	if len(got) != 2 || got[1].Content != "hello" {
		t.Fatalf("unexpected history %+v", got)
	}
	if got[0].Role != llm.RoleUser {
		t.Fatalf("role = %q", got[0].Role)
	}
}

func TestLLMMessageKeepsToolLinks(t *testing.T) {
	ex := toolExchange("c9")
	call := ex[0].LLMMessage()
	if len(call.ToolCalls) != 1 || call.ToolCalls[0].ID != "c9" {
		t.Fatalf("tool calls lost: %+v", call)
	}
	result := ex[1].LLMMessage()
	if result.ToolCallID != "c9" || result.Name != "math__add" || result.Role != llm.RoleTool {
		t.Fatalf("tool link lost: %+v", result)
	}
}
