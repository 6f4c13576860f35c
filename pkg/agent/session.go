package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcli/relay/pkg/budget"
	"github.com/rcli/relay/pkg/core"
	"github.com/rcli/relay/pkg/dispatch"
	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/llm"
	"github.com/rcli/relay/pkg/memory"
	"github.com/rcli/relay/pkg/skills"
	"github.com/rcli/relay/pkg/telemetry"
)

// Session is one conversation. Turns on a session run one at a time.
type Session struct {
	agent *Agent
	id    string

	turnMu sync.Mutex

	mu           sync.RWMutex
	conversation []memory.ConversationMessage
	// model is what the model sees: error turns left out and earlier turns
	// truncated. It only changes under turnMu.
	model []memory.ConversationMessage
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Conversation returns a copy of the session's turns.
func (s *Session) Conversation() []memory.ConversationMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]memory.ConversationMessage(nil), s.conversation...)
}

// Reset forgets the session's turns, in memory and in the store.
func (s *Session) Reset(ctx context.Context) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.agent.memory != nil {
		if err := s.agent.memory.Clear(ctx, s.id); err != nil {
			return WrapMemoryError(err, "clear")
		}
	}
	s.mu.Lock()
	s.conversation = nil
	s.model = nil
	s.mu.Unlock()
	return nil
}

func modelTurns(msgs []memory.ConversationMessage) []memory.ConversationMessage {
	out := make([]memory.ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsError() {
			out = append(out, m)
		}
	}
	return out
}

// compact applies the agent's truncation strategy to the turns so far.
// It runs before a turn adds anything, so the turn in progress always
// reaches the model whole. A failed strategy leaves the history as is.
func (s *Session) compact(ctx context.Context) {
	a := s.agent
	if a.truncation == nil {
		return
	}
	s.mu.RLock()
	before := append([]memory.ConversationMessage(nil), s.model...)
	s.mu.RUnlock()

	after, err := a.truncation.Truncate(ctx, before)
	if err != nil {
		a.logger.WarnContext(ctx, "agent.history.truncate_failed",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(after) == len(before) {
		return
	}
	s.mu.Lock()
	s.model = after
	s.mu.Unlock()
	a.logger.DebugContext(ctx, "agent.history.truncated",
		slog.String("session_id", s.id),
		slog.Int("before", len(before)),
		slog.Int("after", len(after)),
	)
}

// history is the model-facing view with the system prompt first.
func (s *Session) history() []llm.Message {
	s.mu.RLock()
	msgs := memory.ModelHistory(s.model)
	s.mu.RUnlock()
	if s.agent.systemPrompt == "" {
		return msgs
	}
	return append([]llm.Message{{Role: llm.RoleSystem, Content: s.agent.systemPrompt}}, msgs...)
}

// commit stores msgs as one batch and then appends them to the session.
// The store write ignores cancellation so a canceled turn still records
// whole batches.
func (s *Session) commit(ctx context.Context, msgs ...memory.ConversationMessage) error {
	now := time.Now()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		msgs[i].SessionID = s.id
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now
		}
	}
	if s.agent.memory != nil {
		if err := s.agent.memory.AppendMessages(context.WithoutCancel(ctx), s.id, msgs); err != nil {
			return WrapMemoryError(err, "append")
		}
	}
	s.mu.Lock()
	s.conversation = append(s.conversation, msgs...)
	for _, m := range msgs {
		if !m.IsError() {
			s.model = append(s.model, m)
		}
	}
	s.mu.Unlock()
	return nil
}

// turn holds the state of one HandleUserMessage or StreamUserMessage call.
type turn struct {
	session *Session
	runID   string
	span    trace.Span
	start   time.Time
	res     *Result
}

func (s *Session) begin(ctx context.Context, text, spanName string) (context.Context, *turn) {
	a := s.agent
	ctx = core.WithSessionID(ctx, s.id)
	ctx, runID := core.EnsureRunID(ctx)
	s.mu.RLock()
	historyLen := len(s.conversation)
	s.mu.RUnlock()
	ctx, span := a.tracer.Start(ctx, spanName,
		trace.WithAttributes(telemetry.TurnAttributes(s.id, a.model, a.maxIterations, historyLen)...))

	t := &turn{
		session: s,
		runID:   runID,
		span:    span,
		start:   time.Now(),
		res:     &Result{State: StateAwaitingUserInput},
	}
	a.logger.InfoContext(ctx, "agent.turn.start",
		slog.String("session_id", s.id),
		slog.String("run_id", runID),
		slog.Int("history", historyLen),
	)
	t.emit(ctx, core.EventTurnStarted, map[string]any{"message": text})
	return ctx, t
}

func (t *turn) emit(ctx context.Context, typ core.EventType, payload map[string]any) {
	t.session.agent.emitter.Emit(ctx, core.NewEvent(typ, t.session.id, t.runID, t.res.Iterations, payload))
}

// HandleUserMessage runs one turn for text and returns the updated
// conversation. A failed turn returns both a Result and the error.
func (s *Session) HandleUserMessage(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, NewInvalidInputError("message is empty")
	}
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	a := s.agent
	ctx, t := s.begin(ctx, text, "relay.agent.turn")
	defer t.span.End()
	s.compact(ctx)

	if err := s.commit(ctx, memory.ConversationMessage{Role: string(llm.RoleUser), Content: text}); err != nil {
		return t.fail(ctx, err)
	}

	policy, mode := a.Policy()
	for iter := 1; iter <= a.maxIterations; iter++ {
		t.res.Iterations = iter
		if ctx.Err() != nil {
			return t.fail(ctx, WrapCanceled(ctx.Err()))
		}
		t.res.State = StateModelRequested

		history := s.history()
		sel, err := a.budgeter.Select(ctx, budget.Input{
			Tools:            a.registry.ListActiveTools(policy),
			Message:          text,
			History:          history,
			Mode:             mode,
			MaxContextTokens: a.maxContextTokens,
		})
		if err != nil {
			return t.fail(ctx, NewBudgetError(err, a.maxContextTokens))
		}
		t.emit(ctx, core.EventModelRequested, map[string]any{
			"tools":            sel.Names(),
			"estimated_tokens": sel.EstimatedTokens,
			"degraded":         sel.Degraded,
		})

		resp, err := a.client.Chat(ctx, a.request(history, sel.Tools))
		if err != nil {
			if canceled(ctx, err) {
				return t.fail(ctx, WrapCanceled(err))
			}
			return t.fail(ctx, WrapLLMError(err, a.model))
		}
		t.span.SetAttributes(telemetry.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, len(resp.ToolCalls))...)

		if !resp.HasToolCalls() {
			if err := s.commit(ctx, memory.ConversationMessage{Role: string(llm.RoleAssistant), Content: resp.Content}); err != nil {
				return t.fail(ctx, err)
			}
			return t.complete(ctx, resp.Content)
		}

		t.res.State = StateToolsPending
		if err := t.runTools(ctx, resp, newOffered(a.registry, sel.Tools)); err != nil {
			return t.fail(ctx, err)
		}
		if ctx.Err() != nil {
			return t.fail(ctx, WrapCanceled(ctx.Err()))
		}
	}
	return t.fail(ctx, WrapIterationCapError(a.maxIterations))
}

// runTools dispatches the model's calls and commits the assistant turn with
// all of its results as one batch, in request order.
func (t *turn) runTools(ctx context.Context, resp *llm.ChatResponse, resolver dispatch.Resolver) error {
	a := t.session.agent
	calls := make([]llm.ToolCall, len(resp.ToolCalls))
	reqs := make([]dispatch.Request, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		if tc.ID == "" {
			tc.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		if tc.Type == "" {
			tc.Type = llm.ToolTypeFunction
		}
		calls[i] = tc
		reqs[i] = dispatch.Request{CallID: tc.ID, Name: tc.Function.Name, RawArguments: tc.Function.Arguments}
		t.emit(ctx, core.EventToolDispatched, map[string]any{"tool": tc.Function.Name, "call_id": tc.ID})
	}

	results := a.dispatcher.DispatchAll(ctx, resolver, reqs)

	batch := make([]memory.ConversationMessage, 0, len(calls)+1)
	batch = append(batch, memory.ConversationMessage{
		Role:      string(llm.RoleAssistant),
		Content:   resp.Content,
		ToolCalls: calls,
	})
	for i, r := range results {
		batch = append(batch, memory.ConversationMessage{
			Role:       string(llm.RoleTool),
			Content:    r.Content(),
			ToolCallID: r.CallID,
			Name:       calls[i].Function.Name,
			Outcome:    string(r.Outcome),
		})
	}
	if err := t.session.commit(ctx, batch...); err != nil {
		return err
	}

	for i, r := range results {
		t.emit(ctx, core.EventToolResult, map[string]any{
			"tool":        calls[i].Function.Name,
			"call_id":     r.CallID,
			"outcome":     string(r.Outcome),
			"duration_ms": r.Duration.Milliseconds(),
		})
		if !r.OK() {
			a.logger.DebugContext(ctx, "agent.tool.failed",
				slog.String("session_id", t.session.id),
				slog.String("tool", r.Tool),
				slog.String("outcome", string(r.Outcome)),
				slog.String("error", r.Error),
			)
		}
	}
	return nil
}

// StreamUserMessage answers text without tools, passing the reply to fn as
// it arrives. The assembled reply is stored as one assistant turn.
func (s *Session) StreamUserMessage(ctx context.Context, text string, fn func(chunk string) error) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, NewInvalidInputError("message is empty")
	}
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	a := s.agent
	ctx, t := s.begin(ctx, text, "relay.agent.stream")
	defer t.span.End()
	s.compact(ctx)

	if err := s.commit(ctx, memory.ConversationMessage{Role: string(llm.RoleUser), Content: text}); err != nil {
		return t.fail(ctx, err)
	}
	t.res.Iterations = 1
	t.res.State = StateModelRequested

	history := s.history()
	if _, err := a.budgeter.Select(ctx, budget.Input{
		History:          history,
		Mode:             skills.ModeFull,
		MaxContextTokens: a.maxContextTokens,
	}); err != nil {
		return t.fail(ctx, NewBudgetError(err, a.maxContextTokens))
	}
	t.emit(ctx, core.EventModelRequested, map[string]any{"stream": true})

	resp, err := a.client.ChatStream(ctx, a.request(history, nil), fn)
	if err != nil {
		if canceled(ctx, err) {
			return t.fail(ctx, WrapCanceled(err))
		}
		return t.fail(ctx, WrapLLMError(err, a.model))
	}
	if err := s.commit(ctx, memory.ConversationMessage{Role: string(llm.RoleAssistant), Content: resp.Content}); err != nil {
		return t.fail(ctx, err)
	}
	return t.complete(ctx, resp.Content)
}

func (t *turn) complete(ctx context.Context, final string) (*Result, error) {
	a := t.session.agent
	t.res.State = StateCompleted
	t.res.Final = final
	t.res.Conversation = t.session.Conversation()

	elapsed := time.Since(t.start)
	a.metrics.RecordTurn(ctx, string(StateCompleted), t.res.Iterations, elapsed)
	a.logger.InfoContext(ctx, "agent.turn.done",
		slog.String("session_id", t.session.id),
		slog.String("run_id", t.runID),
		slog.Int("iterations", t.res.Iterations),
		slog.Duration("duration", elapsed),
	)
	t.emit(ctx, core.EventTurnCompleted, map[string]any{"final": final})
	return t.res, nil
}

// fail ends the turn with err, appending an error turn the user sees but
// the model does not.
func (t *turn) fail(ctx context.Context, err error) (*Result, error) {
	a := t.session.agent
	re := errors.AsRelayError(err)
	t.res.State = StateFailed
	t.res.Err = re

	msg := memory.ConversationMessage{
		Role:    string(llm.RoleAssistant),
		Content: userMessage(re),
		Metadata: map[string]string{
			memory.MetaKind: memory.KindError,
			"code":          string(re.Code),
		},
	}
	if cerr := t.session.commit(ctx, msg); cerr != nil {
		a.logger.WarnContext(ctx, "agent.turn.error_not_stored",
			slog.String("session_id", t.session.id),
			slog.String("error", cerr.Error()),
		)
		t.session.mu.Lock()
		t.session.conversation = append(t.session.conversation, msg)
		t.session.mu.Unlock()
	}
	t.res.Conversation = t.session.Conversation()

	t.span.RecordError(re)
	t.span.SetStatus(codes.Error, re.Message)
	elapsed := time.Since(t.start)
	a.metrics.RecordError(ctx, re, "agent")
	a.metrics.RecordTurn(ctx, string(StateFailed), t.res.Iterations, elapsed)

	level := slog.LevelError
	if re.Code == errors.CodeCanceled {
		level = slog.LevelWarn
	}
	a.logger.Log(ctx, level, "agent.turn.failed",
		slog.String("session_id", t.session.id),
		slog.String("run_id", t.runID),
		slog.String("code", string(re.Code)),
		slog.Int("iterations", t.res.Iterations),
		slog.String("error", re.Error()),
	)
	t.emit(ctx, core.EventTurnFailed, map[string]any{"code": string(re.Code), "error": re.Message})
	return t.res, re
}
