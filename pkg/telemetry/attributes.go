// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry traces and metrics and a
// trace-aware slog handler for relay.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys. Model keys follow the gen_ai conventions.
const (
	AttrSessionID       = "relay.session.id"
	AttrTurnIteration   = "relay.turn.iteration"
	AttrTurnMaxIter     = "relay.turn.max_iterations"
	AttrTurnState       = "relay.turn.state"
	AttrConversationLen = "relay.conversation.message_count"

	AttrToolName       = "relay.tool.name"
	AttrToolSkill      = "relay.tool.skill"
	AttrToolCallID     = "relay.tool.call_id"
	AttrToolArgs       = "relay.tool.arguments"
	AttrToolResult     = "relay.tool.result"
	AttrToolDurationMs = "relay.tool.duration_ms"
	AttrToolOutcome    = "relay.tool.outcome"

	AttrToolsCount     = "relay.tools.count"
	AttrToolsNames     = "relay.tools.names"
	AttrBudgetMode     = "relay.budget.mode"
	AttrBudgetTokens   = "relay.budget.estimated_tokens"
	AttrBudgetDegraded = "relay.budget.degraded"

	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMMessages     = "gen_ai.request.messages"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMToolCalls    = "gen_ai.tool_calls"

	AttrPolicyStatus = "relay.policy.status"
	AttrPolicyRule   = "relay.policy.rule_id"
)

// TurnAttributes describes one orchestration turn.
func TurnAttributes(sessionID, model string, maxIter, historyLen int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.Int(AttrTurnMaxIter, maxIter),
		attribute.Int(AttrConversationLen, historyLen),
	}
	if model != "" {
		attrs = append(attrs, attribute.String(AttrLLMModel, model))
	}
	return attrs
}

// ToolCallAttributes describes a dispatched call.
func ToolCallAttributes(name, skill, callID, outcome string, durationMs float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.String(AttrToolCallID, callID),
		attribute.Float64(AttrToolDurationMs, durationMs),
	}
	if skill != "" {
		attrs = append(attrs, attribute.String(AttrToolSkill, skill))
	}
	if outcome != "" {
		attrs = append(attrs, attribute.String(AttrToolOutcome, outcome))
	}
	return attrs
}

// ToolCallArgsResult returns arguments and result truncated to maxLen bytes.
func ToolCallArgsResult(args, result string, maxLen int) []attribute.KeyValue {
	if maxLen <= 0 {
		maxLen = 500
	}
	attrs := []attribute.KeyValue{}
	if args != "" {
		attrs = append(attrs, attribute.String(AttrToolArgs, truncate(args, maxLen)))
	}
	if result != "" {
		attrs = append(attrs, attribute.String(AttrToolResult, truncate(result, maxLen)))
	}
	return attrs
}

// SelectionAttributes describes the budgeter's choice.
func SelectionAttributes(mode string, tokens int, degraded bool, names []string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrBudgetMode, mode),
		attribute.Int(AttrBudgetTokens, tokens),
		attribute.Bool(AttrBudgetDegraded, degraded),
		attribute.Int(AttrToolsCount, len(names)),
	}
	if len(names) > 0 {
		attrs = append(attrs, attribute.StringSlice(AttrToolsNames, names))
	}
	return attrs
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens, toolCalls int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	if toolCalls > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMToolCalls, toolCalls))
	}
	return attrs
}

// PolicyAttributes describes a governance decision.
func PolicyAttributes(status, ruleID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrPolicyStatus, status)}
	if ruleID != "" {
		attrs = append(attrs, attribute.String(AttrPolicyRule, ruleID))
	}
	return attrs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
