// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package budget chooses which tools to advertise to the model so the
// request fits the model's context window.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/llm"
	"github.com/rcli/relay/pkg/skills"
	"github.com/rcli/relay/pkg/telemetry"
)

const (
	DefaultLiteCeiling     = 5
	DefaultStandardCeiling = 15
	DefaultMaxDegradeSteps = 3

	charsPerToken = 4
)

// Input describes one turn's selection problem.
type Input struct {
	// Tools are the active candidates in registry order.
	Tools []*skills.Tool
	// Message is ranked against the tools. Its cost is counted only
	// through History.
	Message string
	// History is the model-facing conversation, system prompt included.
	History          []llm.Message
	Mode             skills.Mode
	MaxContextTokens int
}

// Selection is the budgeter's answer.
type Selection struct {
	Tools           []*skills.Tool
	EstimatedTokens int
	Mode            skills.Mode
	// Degraded is set when fewer tools than the mode allows were kept.
	Degraded bool
}

// Names returns the qualified names of the selected tools.
func (s Selection) Names() []string {
	out := make([]string, 0, len(s.Tools))
	for _, t := range s.Tools {
		out = append(out, t.QualifiedName())
	}
	return out
}

// Ranker orders tools by relevance to a message. Implementations must keep
// the input order for equally relevant tools.
type Ranker interface {
	Rank(ctx context.Context, message string, tools []*skills.Tool) ([]*skills.Tool, error)
}

type Budgeter struct {
	ranker          Ranker
	liteCeiling     int
	standardCeiling int
	maxDegrade      int
	logger          *slog.Logger
	tracer          trace.Tracer
}

type Option func(*Budgeter)

// WithRanker replaces the default keyword ranker.
func WithRanker(r Ranker) Option {
	return func(b *Budgeter) {
		if r != nil {
			b.ranker = r
		}
	}
}

// WithCeilings sets the lite and standard tool ceilings.
func WithCeilings(lite, standard int) Option {
	return func(b *Budgeter) {
		if lite > 0 {
			b.liteCeiling = lite
		}
		if standard > 0 {
			b.standardCeiling = standard
		}
	}
}

// WithMaxDegradeSteps bounds how often lite and standard halve their
// ceiling before giving up.
func WithMaxDegradeSteps(n int) Option {
	return func(b *Budgeter) {
		if n >= 0 {
			b.maxDegrade = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Budgeter) {
		if l != nil {
			b.logger = l
		}
	}
}

func New(opts ...Option) *Budgeter {
	b := &Budgeter{
		ranker:          KeywordRanker{},
		liteCeiling:     DefaultLiteCeiling,
		standardCeiling: DefaultStandardCeiling,
		maxDegrade:      DefaultMaxDegradeSteps,
		logger:          slog.Default(),
		tracer:          otel.Tracer("relay/budget"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Select picks the tools for one model request. A MaxContextTokens of zero
// disables the budget.
func (b *Budgeter) Select(ctx context.Context, in Input) (Selection, error) {
	ctx, span := b.tracer.Start(ctx, "relay.budget.select")
	defer span.End()

	sel, err := b.selectTools(ctx, in)
	if err != nil {
		span.RecordError(err)
		b.logger.WarnContext(ctx, "budget.select.failed",
			slog.String("mode", string(in.Mode)),
			slog.Int("budget", in.MaxContextTokens),
			slog.String("error", err.Error()),
		)
		return Selection{Mode: in.Mode}, err
	}
	span.SetAttributes(telemetry.SelectionAttributes(string(sel.Mode), sel.EstimatedTokens, sel.Degraded, sel.Names())...)
	b.logger.DebugContext(ctx, "budget.select",
		slog.String("mode", string(sel.Mode)),
		slog.Int("candidates", len(in.Tools)),
		slog.Int("selected", len(sel.Tools)),
		slog.Int("estimated_tokens", sel.EstimatedTokens),
		slog.Bool("degraded", sel.Degraded),
	)
	return sel, nil
}

func (b *Budgeter) selectTools(ctx context.Context, in Input) (Selection, error) {
	mode := in.Mode
	if mode == "" {
		mode = skills.ModeAuto
	}
	history := HistoryTokens(in.History)
	limit := in.MaxContextTokens
	fits := func(cost int) bool { return limit <= 0 || history+cost <= limit }

	switch mode {
	case skills.ModeFull:
		cost := ToolsTokens(in.Tools)
		if !fits(cost) {
			return Selection{}, exceeded(mode, limit, history+cost,
				"advertising every tool exceeds the context budget; use a smaller mode")
		}
		return Selection{Tools: clone(in.Tools), EstimatedTokens: history + cost, Mode: mode}, nil

	case skills.ModeLite, skills.ModeStandard:
		ceiling := b.liteCeiling
		if mode == skills.ModeStandard {
			ceiling = b.standardCeiling
		}
		ranked := b.rank(ctx, in.Message, in.Tools)
		n := min(ceiling, len(ranked))
		degraded := n < len(ranked)
		for steps := 0; !fits(ToolsTokens(ranked[:n])) && steps < b.maxDegrade; steps++ {
			n /= 2
			degraded = true
		}
		cost := ToolsTokens(ranked[:n])
		if !fits(cost) {
			return Selection{}, exceeded(mode, limit, history+cost,
				fmt.Sprintf("%d tools still exceed the context budget after %d reductions", n, b.maxDegrade))
		}
		return Selection{Tools: clone(ranked[:n]), EstimatedTokens: history + cost, Mode: mode, Degraded: degraded}, nil

	case skills.ModeAuto:
		if !fits(0) {
			return Selection{}, exceeded(mode, limit, history, "conversation history alone exceeds the context budget")
		}
		ranked := b.rank(ctx, in.Message, in.Tools)
		var picked []*skills.Tool
		cost := 0
		for _, t := range ranked {
			c := ToolTokens(t)
			if !fits(cost + c) {
				continue
			}
			picked = append(picked, t)
			cost += c
		}
		return Selection{Tools: picked, EstimatedTokens: history + cost, Mode: mode, Degraded: len(picked) < len(ranked)}, nil
	}
	return Selection{}, errors.New(errors.CodeInvalidInput, "unknown skill mode: "+string(mode), nil)
}

func (b *Budgeter) rank(ctx context.Context, message string, tools []*skills.Tool) []*skills.Tool {
	ranked, err := b.ranker.Rank(ctx, message, tools)
	if err != nil || len(ranked) != len(tools) {
		if err != nil {
			b.logger.WarnContext(ctx, "budget.rank.fallback", slog.String("error", err.Error()))
		}
		ranked, _ = KeywordRanker{}.Rank(ctx, message, tools)
	}
	return ranked
}

// SuggestMode maps a model context size to a skill mode.
func SuggestMode(maxContextTokens int) skills.Mode {
	switch {
	case maxContextTokens < 8000:
		return skills.ModeLite
	case maxContextTokens < 32000:
		return skills.ModeStandard
	default:
		return skills.ModeFull
	}
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// HistoryTokens estimates message contents plus tool-call arguments.
func HistoryTokens(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Function.Name) + EstimateTokens(tc.Function.Arguments)
		}
	}
	return total
}

// ToolTokens estimates the cost of advertising t: the size of its
// serialized definition.
func ToolTokens(t *skills.Tool) int {
	data, err := json.Marshal(t.Definition())
	if err != nil {
		return EstimateTokens(t.WireName() + t.Description())
	}
	return EstimateTokens(string(data))
}

func ToolsTokens(tools []*skills.Tool) int {
	total := 0
	for _, t := range tools {
		total += ToolTokens(t)
	}
	return total
}

func exceeded(mode skills.Mode, limit, required int, msg string) error {
	return errors.New(errors.CodeBudgetExceeded, msg, nil).
		WithContext("mode", string(mode)).
		WithContext("budget", limit).
		WithContext("required", required)
}

func clone(tools []*skills.Tool) []*skills.Tool {
	return append([]*skills.Tool(nil), tools...)
}
