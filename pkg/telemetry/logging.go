// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/rcli/relay/pkg/config"
	"github.com/rcli/relay/pkg/core"
)

// NewLogger builds the process logger from the log section and installs it
// as the slog default.
func NewLogger(out io.Writer, lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(lc.Level)}
	var base slog.Handler = slog.NewTextHandler(out, opts)
	if strings.EqualFold(strings.TrimSpace(lc.Format), "json") {
		base = slog.NewJSONHandler(out, opts)
	}
	logger := slog.New(WithCorrelation(base))
	slog.SetDefault(logger)
	return logger
}

// WithCorrelation wraps next so every record logged with a context carries
// the session, run and span it belongs to. Keys set explicitly on the
// record win.
func WithCorrelation(next slog.Handler) slog.Handler {
	if _, ok := next.(correlationHandler); ok {
		return next
	}
	return correlationHandler{next: next}
}

type correlationHandler struct {
	next slog.Handler
}

func (h correlationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h correlationHandler) Handle(ctx context.Context, r slog.Record) error {
	extra := correlationAttrs(ctx)
	if len(extra) == 0 {
		return h.next.Handle(ctx, r)
	}
	r.Attrs(func(a slog.Attr) bool {
		for i := range extra {
			if extra[i].Key == a.Key {
				extra[i].Key = ""
			}
		}
		return true
	})
	for _, a := range extra {
		if a.Key != "" {
			r.AddAttrs(a)
		}
	}
	return h.next.Handle(ctx, r)
}

func (h correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return correlationHandler{next: h.next.WithAttrs(attrs)}
}

func (h correlationHandler) WithGroup(name string) slog.Handler {
	return correlationHandler{next: h.next.WithGroup(name)}
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs := core.LogAttrs(ctx)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return attrs
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	name := strings.TrimSpace(level)
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}
