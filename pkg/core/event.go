// Package core holds the small types shared by the agent loop and its
// front-ends: turn events and context-scoped identifiers.
package core

import (
	"context"
	"sync"
	"time"
)

// EventType identifies a step of an agent turn.
type EventType string

const (
	EventTurnStarted    EventType = "turn.started"
	EventModelRequested EventType = "turn.model_requested"
	EventToolDispatched EventType = "turn.tool_dispatched"
	EventToolResult     EventType = "turn.tool_result"
	EventTurnCompleted  EventType = "turn.completed"
	EventTurnFailed     EventType = "turn.failed"
)

// Event is emitted as a turn progresses. Payload keys depend on Type:
// tool events carry "tool", "call_id" and, for results, "outcome".
type Event struct {
	Type      EventType
	SessionID string
	RunID     string
	Iteration int
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives turn events. Emit is called on the turn's
// goroutine and should not block.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter discards events.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event Event)

// Emit implements EventEmitter.
func (f EmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// Recorder keeps every event it receives. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements EventEmitter.
func (r *Recorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, sessionID, runID string, iteration int, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		RunID:     runID,
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
