// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent runs the orchestration loop. Each user message starts a
// turn: the budgeter picks the tools to offer, the model either answers or
// asks for tool calls, the calls are dispatched and their results fed back
// until the model answers or the turn fails.
package agent

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
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

// DefaultMaxIterations bounds model round-trips per user message.
const DefaultMaxIterations = 10

// DefaultSessionID is used by Agent.HandleUserMessage when the context
// carries no session.
const DefaultSessionID = "default"

// State is where a turn is in the loop.
type State string

const (
	StateAwaitingUserInput State = "awaiting_user_input"
	StateModelRequested    State = "model_requested"
	StateToolsPending      State = "tools_pending"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

// Result is what a turn hands back to its caller.
type Result struct {
	State State
	// Conversation is the whole session after the turn, error turns included.
	Conversation []memory.ConversationMessage
	Final        string
	Iterations   int
	// Err is set when State is StateFailed.
	Err error
}

// ChatClient is the model side of the loop. *llm.Client implements it.
type ChatClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
	ChatStream(ctx context.Context, req llm.ChatRequest, fn func(chunk string) error) (*llm.ChatResponse, error)
}

// Agent owns the collaborators shared by its sessions.
type Agent struct {
	client     ChatClient
	registry   *skills.Registry
	dispatcher *dispatch.Dispatcher
	budgeter   *budget.Budgeter
	memory     memory.ConversationMemory
	truncation memory.TruncationStrategy

	model            string
	systemPrompt     string
	maxIterations    int
	maxContextTokens int
	temperature      float64
	maxTokens        int

	emitter core.EventEmitter
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics

	policyMu sync.RWMutex
	policy   skills.Policy
	mode     skills.Mode

	sessionsMu sync.Mutex
	sessions   map[string]*Session
}

// Option configures an Agent instance.
type Option func(*Agent)

// WithModel sets the model name sent with every request.
func WithModel(model string) Option {
	return func(a *Agent) { a.model = model }
}

// WithSystemPrompt sets the system message prepended to every request.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithMaxIterations bounds model round-trips per user message.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithMaxContextTokens sets the context budget. Zero means unlimited.
func WithMaxContextTokens(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.maxContextTokens = n
		}
	}
}

// WithSampling sets temperature and the completion token limit.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(a *Agent) {
		a.temperature = temperature
		a.maxTokens = maxTokens
	}
}

func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(a *Agent) {
		if d != nil {
			a.dispatcher = d
		}
	}
}

func WithBudgeter(b *budget.Budgeter) Option {
	return func(a *Agent) {
		if b != nil {
			a.budgeter = b
		}
	}
}

// WithPolicy sets the tool policy and skill mode.
func WithPolicy(p skills.Policy, mode skills.Mode) Option {
	return func(a *Agent) {
		a.policy = p
		a.mode = mode
	}
}

// WithMemory persists turns and restores sessions from store.
func WithMemory(store memory.ConversationMemory) Option {
	return func(a *Agent) { a.memory = store }
}

// WithTruncation bounds the history sent to the model. It is applied to
// the turns before the current one when a turn starts.
func WithTruncation(strategy memory.TruncationStrategy) Option {
	return func(a *Agent) { a.truncation = strategy }
}

// WithEventEmitter receives turn events.
func WithEventEmitter(e core.EventEmitter) Option {
	return func(a *Agent) {
		if e != nil {
			a.emitter = e
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// New creates an agent over client and registry.
func New(client ChatClient, registry *skills.Registry, opts ...Option) (*Agent, error) {
	if client == nil {
		return nil, NewInvalidInputError("chat client is required")
	}
	if registry == nil {
		return nil, NewInvalidInputError("skill registry is required")
	}
	a := &Agent{
		client:        client,
		registry:      registry,
		maxIterations: DefaultMaxIterations,
		mode:          skills.ModeAuto,
		emitter:       core.NoopEventEmitter{},
		logger:        slog.Default(),
		tracer:        otel.Tracer("relay/agent"),
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.dispatcher == nil {
		a.dispatcher = dispatch.New(dispatch.WithLogger(a.logger), dispatch.WithMetrics(a.metrics))
	}
	if a.budgeter == nil {
		a.budgeter = budget.New(budget.WithLogger(a.logger))
	}
	return a, nil
}

// SetPolicy swaps the tool policy. Turns already running keep the one
// they started with.
func (a *Agent) SetPolicy(p skills.Policy, mode skills.Mode) {
	a.policyMu.Lock()
	defer a.policyMu.Unlock()
	a.policy = p
	a.mode = mode
}

// Policy returns the current tool policy and mode.
func (a *Agent) Policy() (skills.Policy, skills.Mode) {
	a.policyMu.RLock()
	defer a.policyMu.RUnlock()
	return a.policy, a.mode
}

// Registry returns the skill registry.
func (a *Agent) Registry() *skills.Registry {
	return a.registry
}

// Session returns the session with id, creating it and loading its stored
// history on first use. An empty id creates a new session.
func (a *Agent) Session(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = core.NewSessionID()
	}
	a.sessionsMu.Lock()
	defer a.sessionsMu.Unlock()
	if s, ok := a.sessions[id]; ok {
		return s, nil
	}
	s := &Session{agent: a, id: id}
	if a.memory != nil {
		history, err := a.memory.GetMessages(ctx, id)
		if err != nil {
			return nil, WrapMemoryError(err, "load")
		}
		s.conversation = history
		s.model = modelTurns(history)
		a.logger.DebugContext(ctx, "agent.session.loaded",
			slog.String("session_id", id),
			slog.Int("messages", len(history)),
		)
	}
	a.sessions[id] = s
	return s, nil
}

// HandleUserMessage runs a turn on the session named by the context, or on
// DefaultSessionID.
func (a *Agent) HandleUserMessage(ctx context.Context, text string) (*Result, error) {
	s, err := a.Session(ctx, sessionFrom(ctx))
	if err != nil {
		return nil, err
	}
	return s.HandleUserMessage(ctx, text)
}

// StreamUserMessage streams a tool-less answer on the session named by the
// context, or on DefaultSessionID.
func (a *Agent) StreamUserMessage(ctx context.Context, text string, fn func(chunk string) error) (*Result, error) {
	s, err := a.Session(ctx, sessionFrom(ctx))
	if err != nil {
		return nil, err
	}
	return s.StreamUserMessage(ctx, text, fn)
}

func sessionFrom(ctx context.Context) string {
	if id, ok := core.SessionID(ctx); ok {
		return id
	}
	return DefaultSessionID
}

func (a *Agent) request(history []llm.Message, tools []*skills.Tool) llm.ChatRequest {
	return llm.ChatRequest{
		Model:       a.model,
		Messages:    history,
		Tools:       skills.Definitions(tools),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}
}

// offered resolves only the tools advertised in the current iteration,
// checking the live registry so a skill disabled since then is refused.
type offered struct {
	registry *skills.Registry
	names    map[string]bool
}

func newOffered(registry *skills.Registry, tools []*skills.Tool) offered {
	names := make(map[string]bool, len(tools))
	for _, t := range tools {
		names[t.QualifiedName()] = true
	}
	return offered{registry: registry, names: names}
}

func (o offered) Resolve(name string) (*skills.Tool, error) {
	t, err := o.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	if !o.names[t.QualifiedName()] {
		return nil, errors.New(errors.CodeUnknownTool, "tool not offered this turn", nil).
			WithContext("tool", name).
			WithRecoverable(true)
	}
	return t, nil
}
