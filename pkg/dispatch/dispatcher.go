// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch executes model-proposed tool calls: it resolves the tool,
// validates arguments, applies the confirmation gate and runs the handler
// under a timeout. Every failure is folded into a Result.
package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/governance"
	"github.com/rcli/relay/pkg/guardrails"
	"github.com/rcli/relay/pkg/resilience"
	"github.com/rcli/relay/pkg/skills"
	"github.com/rcli/relay/pkg/telemetry"
)

const (
	DefaultSkillTimeout        = 60 * time.Second
	DefaultConfirmationTimeout = 30 * time.Second
	DefaultParallelism         = 4
)

// Resolver looks up a tool by qualified or wire name. *skills.Registry
// implements it.
type Resolver interface {
	Resolve(name string) (*skills.Tool, error)
}

// Dispatcher runs tool calls. It is safe for concurrent use.
type Dispatcher struct {
	skillTimeout   time.Duration
	confirmTimeout time.Duration
	parallelism    int
	confirmer      governance.Confirmer
	policy         governance.PolicyEngine
	guard          *guardrails.Guard
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        *telemetry.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSkillTimeout bounds each handler invocation.
func WithSkillTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.skillTimeout = d
		}
	}
}

// WithConfirmer sets who approves gated calls. Without one, gated calls are
// denied.
func WithConfirmer(c governance.Confirmer) Option {
	return func(x *Dispatcher) { x.confirmer = c }
}

// WithConfirmationTimeout bounds the wait for a confirmation.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.confirmTimeout = d
		}
	}
}

// WithPolicy evaluates each call against engine before it runs.
func WithPolicy(engine governance.PolicyEngine) Option {
	return func(x *Dispatcher) { x.policy = engine }
}

// WithOutputGuard screens successful payloads before they are returned.
func WithOutputGuard(g *guardrails.Guard) Option {
	return func(x *Dispatcher) { x.guard = g }
}

// WithParallelism limits concurrent handlers in DispatchAll.
func WithParallelism(n int) Option {
	return func(x *Dispatcher) {
		if n > 0 {
			x.parallelism = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(x *Dispatcher) {
		if l != nil {
			x.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(x *Dispatcher) {
		if t != nil {
			x.tracer = t
		}
	}
}

// New returns a Dispatcher with a 60s skill timeout, a 30s confirmation
// timeout and at most four concurrent handlers.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		skillTimeout:   DefaultSkillTimeout,
		confirmTimeout: DefaultConfirmationTimeout,
		parallelism:    DefaultParallelism,
		logger:         slog.Default(),
		tracer:         otel.Tracer("relay/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one call and always returns a Result.
func (d *Dispatcher) Dispatch(ctx context.Context, resolver Resolver, req Request) (res Result) {
	start := time.Now()
	res = Result{CallID: req.CallID, Tool: req.Name}

	ctx, span := d.tracer.Start(ctx, "relay.tool.dispatch")
	defer func() {
		if r := recover(); r != nil {
			res.Outcome, res.Error, res.Payload = OutcomeExecutionError, fmt.Sprintf("tool failed: %v", r), ""
		}
		res.Duration = time.Since(start)
		d.finish(ctx, span, res)
	}()

	d.logger.DebugContext(ctx, "dispatch.tool.start",
		slog.String("tool", req.Name),
		slog.String("tool_call_id", req.CallID),
	)

	if resolver == nil {
		res.Outcome, res.Error = OutcomeExecutionError, "unknown tool: "+req.Name
		return res
	}
	tool, err := resolver.Resolve(req.Name)
	if err != nil || tool == nil {
		res.Outcome, res.Error = OutcomeExecutionError, "unknown tool: "+req.Name
		return res
	}
	res.Tool = tool.QualifiedName()

	args, err := decodeArguments(req)
	if err != nil {
		res.Outcome, res.Error = OutcomeValidationError, err.Error()
		res.Violations = []skills.Violation{{Expected: "object", Received: "invalid JSON", Reason: err.Error()}}
		return res
	}

	valid, violations := tool.Parameters().Validate(args)
	if len(violations) > 0 {
		res.Outcome, res.Violations = OutcomeValidationError, violations
		res.Error = violationSummary(violations)
		return res
	}

	if decision := d.gate(ctx, span, tool, req.CallID, valid); !decision.IsAllowed() {
		res.Outcome, res.Error = OutcomeConfirmationDenied, decision.Reason
		return res
	}

	handler := tool.Handler()
	payload, err := resilience.Run(ctx, d.skillTimeout, func(ctx context.Context) (any, error) {
		return handler(ctx, valid)
	})
	switch {
	case errors.HasCode(err, errors.CodeTimeout):
		res.Outcome = OutcomeTimeout
		res.Error = fmt.Sprintf("tool %s did not finish within %s", res.Tool, d.skillTimeout)
		return res
	case errors.HasCode(err, errors.CodeCanceled):
		res.Outcome, res.Error = OutcomeExecutionError, "canceled"
		return res
	case err != nil:
		res.Outcome, res.Error = OutcomeExecutionError, errorDetail(err)
		return res
	}

	text, err := render(payload)
	if err != nil {
		res.Outcome, res.Error = OutcomeExecutionError, err.Error()
		return res
	}
	if s := d.guard.Screen(ctx, text); s.Modified() {
		d.logger.WarnContext(ctx, "dispatch.output.screened",
			slog.String("tool", res.Tool),
			slog.String("call_id", res.CallID),
			slog.Int("redactions", len(s.Redactions)),
			slog.Any("kinds", s.Kinds()),
			slog.Bool("flagged", s.Flagged),
		)
		text = s.Payload
	}
	res.Outcome, res.Payload = OutcomeSuccess, text
	return res
}

// DispatchAll runs reqs with bounded concurrency and returns one Result per
// request, in request order. Calls not started or not finished when ctx
// ends report an execution_error "canceled".
func (d *Dispatcher) DispatchAll(ctx context.Context, resolver Resolver, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	done := make([]bool, len(reqs))

	var g errgroup.Group
	g.SetLimit(d.parallelism)
	for i, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = d.Dispatch(ctx, resolver, req)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for i, req := range reqs {
		if !done[i] {
			results[i] = Result{
				CallID:  req.CallID,
				Tool:    req.Name,
				Outcome: OutcomeExecutionError,
				Error:   "canceled",
			}
		}
	}
	return results
}

// gate applies governance and the confirmation requirement. A deny rule
// refuses without asking; a pending rule or a flagged tool asks the
// confirmer, bounded by the confirmation timeout.
func (d *Dispatcher) gate(ctx context.Context, span trace.Span, tool *skills.Tool, callID string, args skills.Args) governance.Decision {
	name := tool.QualifiedName()
	decision := governance.Allow("")
	if d.policy != nil {
		decision = d.policy.Evaluate(ctx, governance.Action{Type: governance.ActionTool, Name: name})
		span.SetAttributes(telemetry.PolicyAttributes(string(decision.Status), decision.RuleID)...)
	}
	if decision.IsDenied() {
		if decision.Reason == "" {
			decision.Reason = "denied by policy"
		}
		d.logger.InfoContext(ctx, "dispatch.tool.denied",
			slog.String("tool", name),
			slog.String("tool_call_id", callID),
			slog.String("rule_id", decision.RuleID),
		)
		return decision
	}
	if !decision.IsPending() && !tool.RequiresConfirmation() {
		return decision
	}

	if d.confirmer == nil {
		return governance.Decision{Status: governance.DecisionStatusDeny, Reason: "confirmation required but no confirmer is configured"}
	}
	reason := decision.Reason
	if reason == "" {
		reason = "tool requires confirmation"
	}
	req := governance.ConfirmationRequest{
		CallID:    callID,
		Tool:      name,
		Arguments: map[string]any(args),
		Reason:    reason,
		RuleID:    decision.RuleID,
	}
	answer, err := resilience.Run(ctx, d.confirmTimeout, func(ctx context.Context) (governance.Decision, error) {
		return d.confirmer.Confirm(ctx, req), nil
	})
	switch {
	case errors.HasCode(err, errors.CodeTimeout):
		answer = governance.Decision{Status: governance.DecisionStatusDeny, Reason: "confirmation timed out"}
	case err != nil:
		answer = governance.Decision{Status: governance.DecisionStatusDeny, Reason: "confirmation failed: " + errorDetail(err)}
	case answer.IsPending():
		answer = governance.Decision{Status: governance.DecisionStatusDeny, Reason: "confirmation still pending"}
	case !answer.IsAllowed() && answer.Reason == "":
		answer.Reason = "confirmation denied"
	}
	d.logger.InfoContext(ctx, "dispatch.tool.confirmation",
		slog.String("tool", name),
		slog.String("tool_call_id", callID),
		slog.Bool("approved", answer.IsAllowed()),
		slog.String("reason", answer.Reason),
	)
	return answer
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, res Result) {
	ms := float64(res.Duration.Microseconds()) / 1000
	span.SetAttributes(telemetry.ToolCallAttributes(res.Tool, skillOf(res.Tool), res.CallID, string(res.Outcome), ms)...)
	span.SetAttributes(telemetry.ToolCallArgsResult("", res.Payload, 500)...)
	if !res.OK() {
		span.SetStatus(codes.Error, res.Error)
	}
	span.End()

	d.metrics.RecordToolCall(ctx, res.Tool, string(res.Outcome), res.Duration)
	if !res.OK() {
		d.metrics.RecordError(ctx, res.Err(), "dispatch")
	}

	level := slog.LevelInfo
	if !res.OK() {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "dispatch.tool.done",
		slog.String("tool", res.Tool),
		slog.String("tool_call_id", res.CallID),
		slog.String("outcome", string(res.Outcome)),
		slog.Float64("duration_ms", ms),
		slog.String("error", res.Error),
	)
}

// decodeArguments returns the call's arguments as an object. Empty raw
// arguments mean no arguments.
func decodeArguments(req Request) (map[string]any, error) {
	if req.Arguments != nil {
		return req.Arguments, nil
	}
	raw := strings.TrimSpace(req.RawArguments)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func violationSummary(vs []skills.Violation) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.String())
	}
	return "invalid arguments: " + strings.Join(parts, "; ")
}

// errorDetail is the message a handler failure reports to the model.
func errorDetail(err error) string {
	var re *errors.RelayError
	if stderrors.As(err, &re) {
		if re.Err != nil {
			return re.Message + ": " + re.Err.Error()
		}
		return re.Message
	}
	return err.Error()
}

func skillOf(name string) string {
	skill, _, ok := skills.SplitName(name)
	if !ok {
		return ""
	}
	return skill
}
