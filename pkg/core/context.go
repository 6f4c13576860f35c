package core

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// scope is the pair of identifiers a turn runs under. It is stored by value
// so derived contexts never share a mutable copy.
type scope struct {
	session string
	run     string
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// WithSessionID returns a context scoped to the given session. The run id,
// if any, is kept.
func WithSessionID(ctx context.Context, id string) context.Context {
	s := scopeFrom(ctx)
	s.session = id
	return context.WithValue(ctx, scopeKey{}, s)
}

// SessionID reports the session the context is scoped to.
func SessionID(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).session
	return id, id != ""
}

func WithRunID(ctx context.Context, id string) context.Context {
	s := scopeFrom(ctx)
	s.run = id
	return context.WithValue(ctx, scopeKey{}, s)
}

func RunID(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).run
	return id, id != ""
}

// EnsureRunID returns ctx unchanged when it already carries a run id and
// otherwise attaches a fresh one.
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if id, ok := RunID(ctx); ok {
		return ctx, id
	}
	id := newRunID()
	return WithRunID(ctx, id), id
}

func NewSessionID() string {
	return uuid.NewString()
}

// run ids are shorter than session ids since they show up on every log line.
func newRunID() string {
	return "run-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// LogAttrs returns session_id and run_id attributes for whichever of the
// two the context carries.
func LogAttrs(ctx context.Context) []slog.Attr {
	s := scopeFrom(ctx)
	var attrs []slog.Attr
	if s.session != "" {
		attrs = append(attrs, slog.String("session_id", s.session))
	}
	if s.run != "" {
		attrs = append(attrs, slog.String("run_id", s.run))
	}
	return attrs
}
