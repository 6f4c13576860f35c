// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ConfirmationRequest describes a gated tool call awaiting a decision.
type ConfirmationRequest struct {
	CallID    string
	Tool      string
	Arguments map[string]any
	Reason    string
	RuleID    string
}

// Confirmer asks someone to approve a tool call. Implementations must
// return once ctx is done; the dispatcher treats that as a denial.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) Decision
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, req ConfirmationRequest) Decision

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, req ConfirmationRequest) Decision {
	return f(ctx, req)
}

// StaticConfirmer returns a fixed decision for every request.
type StaticConfirmer struct {
	Decision Decision
}

// Confirm returns the configured decision.
func (c StaticConfirmer) Confirm(_ context.Context, _ ConfirmationRequest) Decision {
	return normalizeDecision(c.Decision, "confirmation decision not set")
}

// AlwaysApprove and AlwaysDeny are convenience confirmers.
var (
	AlwaysApprove = StaticConfirmer{Decision: Allow("auto-approved")}
	AlwaysDeny    = StaticConfirmer{Decision: Deny("auto-denied")}
)

// ConsoleConfirmer prompts for approval on a terminal.
type ConsoleConfirmer struct {
	mu      sync.Mutex
	in      *Lines
	out     io.Writer
	prompt  string
	timeout time.Duration
}

// ConsoleOption configures the console confirmer.
type ConsoleOption func(*ConsoleConfirmer)

// NewConsoleConfirmer creates a confirmer that writes to stdout. Without
// WithConsoleLines or WithConsoleInput it starts reading stdin itself.
func NewConsoleConfirmer(opts ...ConsoleOption) *ConsoleConfirmer {
	c := &ConsoleConfirmer{
		out:    os.Stdout,
		prompt: "Run it? [y/N]: ",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.in == nil {
		c.in = NewLines(os.Stdin)
	}
	return c
}

// WithConsoleLines takes answers from a line source shared with other
// readers of the same input.
func WithConsoleLines(l *Lines) ConsoleOption {
	return func(c *ConsoleConfirmer) {
		if l != nil {
			c.in = l
		}
	}
}

// WithConsoleInput reads answers from r alone.
func WithConsoleInput(r io.Reader) ConsoleOption {
	return func(c *ConsoleConfirmer) {
		if r != nil {
			c.in = NewLines(r)
		}
	}
}

// WithConsoleOutput sets the output writer.
func WithConsoleOutput(w io.Writer) ConsoleOption {
	return func(c *ConsoleConfirmer) {
		if w != nil {
			c.out = w
		}
	}
}

// WithConsoleTimeout bounds the wait for an answer.
func WithConsoleTimeout(timeout time.Duration) ConsoleOption {
	return func(c *ConsoleConfirmer) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Confirm prints the call and waits for a y/N answer. Requests are
// serialized so concurrent tool calls never interleave prompts.
func (c *ConsoleConfirmer) Confirm(ctx context.Context, req ConfirmationRequest) Decision {
	if c == nil || c.in == nil {
		return Deny("confirmation input not available")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "tool requires confirmation"
	}
	_, _ = fmt.Fprintf(c.out, "\nConfirmation required for %s\n", req.Tool)
	if req.RuleID != "" {
		_, _ = fmt.Fprintf(c.out, "Rule: %s\n", req.RuleID)
	}
	_, _ = fmt.Fprintf(c.out, "Reason: %s\n", reason)
	for _, line := range formatArguments(req.Arguments) {
		_, _ = fmt.Fprintf(c.out, "  %s\n", line)
	}
	_, _ = fmt.Fprint(c.out, c.prompt)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	line, err := c.in.Next(ctx)
	switch {
	case stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled):
		_, _ = fmt.Fprintln(c.out)
		return Deny("no answer before timeout")
	case err != nil:
		_, _ = fmt.Fprintln(c.out)
		return Deny("confirmation input closed")
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
		return Allow("approved by operator")
	}
	return Deny("rejected by operator")
}

func formatArguments(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		raw, err := json.Marshal(args[k])
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", args[k]))
		}
		value := string(raw)
		if len(value) > 200 {
			value = value[:200] + "..."
		}
		lines = append(lines, k+" = "+value)
	}
	return lines
}

// normalizeDecision turns anything but an explicit allow into a deny with
// a reason. A confirmer answers yes or no; pending is not an answer.
func normalizeDecision(d Decision, fallbackReason string) Decision {
	if d.IsAllowed() {
		return d
	}
	if d.Reason == "" {
		d.Reason = fallbackReason
	}
	d.Status = DecisionStatusDeny
	return d
}
