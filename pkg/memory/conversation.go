// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory stores conversation history for relay sessions and holds
// the vector store contracts used for tool ranking.
package memory

import (
	"context"
	"strconv"
	"time"

	"github.com/rcli/relay/pkg/llm"
)

// Metadata keys and values relay sets on stored turns.
const (
	MetaKind    = "kind"
	KindError   = "error"
	KindSummary = "summary"
)

// ConversationMessage is one stored turn.
type ConversationMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"` // system, user, assistant, tool
	Content   string         `json:"content"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"` // assistant only
	// ToolCallID and Name link a tool turn to the call that produced it.
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// IsError reports whether the turn records a loop failure. Error turns are
// kept for the user but never sent to the model.
func (m ConversationMessage) IsError() bool {
	return m.Metadata[MetaKind] == KindError
}

// LLMMessage converts the turn to the model's message type.
func (m ConversationMessage) LLMMessage() llm.Message {
	return llm.Message{
		Role:       llm.Role(m.Role),
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
}

// ModelHistory converts turns to model messages, skipping error turns.
func ModelHistory(msgs []ConversationMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsError() {
			continue
		}
		out = append(out, m.LLMMessage())
	}
	return out
}

// ConversationMemory stores and retrieves conversation history for multi-turn interactions.
type ConversationMemory interface {
	// AppendMessage adds a message to the conversation.
	AppendMessage(ctx context.Context, sessionID string, msg ConversationMessage) error

	// AppendMessages adds msgs in order, all or none.
	AppendMessages(ctx context.Context, sessionID string, msgs []ConversationMessage) error

	// GetMessages retrieves all messages for a session, ordered by creation time.
	GetMessages(ctx context.Context, sessionID string) ([]ConversationMessage, error)

	// GetRecentMessages retrieves the last N messages for a session.
	GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error)

	// Clear removes all messages for a session.
	Clear(ctx context.Context, sessionID string) error

	// DeleteOldMessages removes messages older than the given duration.
	DeleteOldMessages(ctx context.Context, sessionID string, olderThan time.Duration) error
}

// TruncationStrategy defines how to manage conversation length.
type TruncationStrategy interface {
	// Truncate applies the strategy to reduce messages while preserving context.
	// An assistant turn with tool calls is never separated from its tool
	// results.
	Truncate(ctx context.Context, messages []ConversationMessage) ([]ConversationMessage, error)
}

// groups splits messages into units that truncation keeps or drops whole:
// an assistant turn with tool calls together with the tool turns after it,
// or any other single message.
func groups(messages []ConversationMessage) [][]ConversationMessage {
	var out [][]ConversationMessage
	for i := 0; i < len(messages); {
		j := i + 1
		if messages[i].Role == string(llm.RoleAssistant) && len(messages[i].ToolCalls) > 0 {
			for j < len(messages) && messages[j].Role == string(llm.RoleTool) {
				j++
			}
		}
		out = append(out, messages[i:j])
		i = j
	}
	return out
}

func splitSystem(messages []ConversationMessage, keep bool) (system, other []ConversationMessage) {
	if !keep {
		return nil, messages
	}
	for _, msg := range messages {
		if msg.Role == string(llm.RoleSystem) {
			system = append(system, msg)
		} else {
			other = append(other, msg)
		}
	}
	return system, other
}

// keepTail keeps the newest whole groups of other whose total cost fits
// budget.
func keepTail(other []ConversationMessage, budget int, cost func([]ConversationMessage) int) []ConversationMessage {
	gs := groups(other)
	start, used := len(gs), 0
	for start > 0 {
		c := cost(gs[start-1])
		if used+c > budget {
			break
		}
		used += c
		start--
	}
	var kept []ConversationMessage
	for _, g := range gs[start:] {
		kept = append(kept, g...)
	}
	return kept
}

func join(a, b []ConversationMessage) []ConversationMessage {
	out := make([]ConversationMessage, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// WindowStrategy keeps only the last N messages.
type WindowStrategy struct {
	MaxMessages int
	// KeepSystemMessages preserves system messages regardless of window.
	KeepSystemMessages bool
}

// Truncate implements TruncationStrategy.
func (w *WindowStrategy) Truncate(_ context.Context, messages []ConversationMessage) ([]ConversationMessage, error) {
	if len(messages) <= w.MaxMessages {
		return messages, nil
	}
	system, other := splitSystem(messages, w.KeepSystemMessages)
	available := max(w.MaxMessages-len(system), 0)
	kept := keepTail(other, available, func(g []ConversationMessage) int { return len(g) })
	return join(system, kept), nil
}

// TokenStrategy keeps messages that fit within a token budget.
type TokenStrategy struct {
	MaxTokens int
	// TokenCounter estimates tokens for a message. If nil, uses len(content)/4 approximation.
	TokenCounter func(msg ConversationMessage) int
	// KeepSystemMessages preserves system messages regardless of budget.
	KeepSystemMessages bool
}

// Truncate implements TruncationStrategy.
func (t *TokenStrategy) Truncate(_ context.Context, messages []ConversationMessage) ([]ConversationMessage, error) {
	counter := t.TokenCounter
	if counter == nil {
		counter = EstimateTokens
	}
	count := func(msgs []ConversationMessage) int {
		n := 0
		for _, m := range msgs {
			n += counter(m)
		}
		return n
	}
	if count(messages) <= t.MaxTokens {
		return messages, nil
	}
	system, other := splitSystem(messages, t.KeepSystemMessages)
	budget := max(t.MaxTokens-count(system), 0)
	return join(system, keepTail(other, budget, count)), nil
}

// EstimateTokens approximates a turn's tokens at four characters each,
// tool-call arguments included.
func EstimateTokens(msg ConversationMessage) int {
	n := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += len(tc.Function.Name) + len(tc.Function.Arguments)
	}
	return (n + 3) / 4
}

// SummarizationStrategy summarizes old messages to reduce length.
type SummarizationStrategy struct {
	// MaxMessages triggers summarization when exceeded.
	MaxMessages int
	// SummarizeCount is how many old messages to summarize at once.
	SummarizeCount int
	// Summarizer generates a summary from messages. Required.
	Summarizer func(ctx context.Context, messages []ConversationMessage) (string, error)
	// KeepSystemMessages preserves system messages from summarization.
	KeepSystemMessages bool
}

// Truncate implements TruncationStrategy.
func (s *SummarizationStrategy) Truncate(ctx context.Context, messages []ConversationMessage) ([]ConversationMessage, error) {
	if len(messages) <= s.MaxMessages || s.Summarizer == nil {
		return messages, nil
	}
	system, other := splitSystem(messages, s.KeepSystemMessages)
	if len(other) <= s.MaxMessages {
		return join(system, other), nil
	}

	want := s.SummarizeCount
	if want > len(other)-s.MaxMessages {
		want = len(other) - s.MaxMessages + 1 // +1 for the summary message
	}
	want = max(want, 2)

	// Extend the cut to the end of a tool-call group.
	cut := 0
	for _, g := range groups(other) {
		if cut >= want {
			break
		}
		cut += len(g)
	}
	if cut >= len(other) {
		return messages, nil
	}
	summarize, keep := other[:cut], other[cut:]

	summary, err := s.Summarizer(ctx, summarize)
	if err != nil {
		return messages, err
	}
	summaryMsg := ConversationMessage{
		Role:      string(llm.RoleSystem),
		Content:   "[Previous conversation summary]\n" + summary,
		CreatedAt: summarize[0].CreatedAt,
		Metadata:  map[string]string{MetaKind: KindSummary, "summarized_count": strconv.Itoa(cut)},
	}
	return join(append(system, summaryMsg), keep), nil
}

// ConversationConfig configures conversation memory behavior.
type ConversationConfig struct {
	// TruncationStrategy to apply when loading messages. Optional.
	TruncationStrategy TruncationStrategy
	// SessionTTL forgets a session whose newest message is older. Zero
	// keeps sessions forever.
	SessionTTL time.Duration
}

// NewWindowStrategy creates a window-based truncation strategy.
func NewWindowStrategy(maxMessages int, keepSystem bool) *WindowStrategy {
	return &WindowStrategy{
		MaxMessages:        maxMessages,
		KeepSystemMessages: keepSystem,
	}
}

// NewTokenStrategy creates a token-based truncation strategy.
func NewTokenStrategy(maxTokens int, keepSystem bool) *TokenStrategy {
	return &TokenStrategy{
		MaxTokens:          maxTokens,
		KeepSystemMessages: keepSystem,
	}
}

// NewSummarizationStrategy creates a summarization-based truncation strategy.
func NewSummarizationStrategy(maxMessages, summarizeCount int, summarizer func(ctx context.Context, messages []ConversationMessage) (string, error)) *SummarizationStrategy {
	return &SummarizationStrategy{
		MaxMessages:        maxMessages,
		SummarizeCount:     summarizeCount,
		Summarizer:         summarizer,
		KeepSystemMessages: true,
	}
}
