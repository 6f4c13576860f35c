package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/rcli/relay/pkg/agent"
	"github.com/rcli/relay/pkg/budget"
	"github.com/rcli/relay/pkg/config"
	"github.com/rcli/relay/pkg/core"
	"github.com/rcli/relay/pkg/dispatch"
	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/governance"
	"github.com/rcli/relay/pkg/guardrails"
	"github.com/rcli/relay/pkg/llm"
	"github.com/rcli/relay/pkg/llm/anthropic"
	"github.com/rcli/relay/pkg/llm/gemini"
	"github.com/rcli/relay/pkg/llm/openai"
	"github.com/rcli/relay/pkg/mcp"
	"github.com/rcli/relay/pkg/memory"
	"github.com/rcli/relay/pkg/memory/ollama"
	"github.com/rcli/relay/pkg/memory/qdrant"
	"github.com/rcli/relay/pkg/resilience"
	"github.com/rcli/relay/pkg/skills"
	"github.com/rcli/relay/pkg/skills/builtin"
	"github.com/rcli/relay/pkg/telemetry"
)

// app holds everything a command needs. close releases it in reverse
// order of construction.
type app struct {
	cfg        *config.Config
	live       *config.ReloadableConfig
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	rules      *governance.RuleSet
	registry   *skills.Registry
	dispatcher *dispatch.Dispatcher
	budgeter   *budget.Budgeter
	agent      *agent.Agent
	approvals  governance.ApprovalStore

	// input is stdin split into lines, created on first use so commands
	// that never prompt leave stdin alone.
	input *governance.Lines

	closers []func() error
}

func (a *app) stdin() *governance.Lines {
	if a.input == nil {
		a.input = governance.NewLines(os.Stdin)
	}
	return a.input
}

type appOptions struct {
	// withAgent builds the model client, memory and agent.
	withAgent bool
	emitter   core.EventEmitter
	// logOutput receives logs; stderr when nil.
	logOutput io.Writer
}

func newApp(ctx context.Context, flags globalFlags, cfg *config.Config, opts appOptions) (*app, error) {
	out := opts.logOutput
	if out == nil {
		out = os.Stderr
	}
	a := &app{
		cfg:    cfg,
		live:   config.NewReloadableConfig(cfg),
		logger: telemetry.NewLogger(out, cfg.Log),
	}

	tc := telemetry.FromConfig(cfg.Telemetry, version)
	if flags.NoTelemetry {
		tc.Exporter = "none"
	}
	shutdown, err := telemetry.Setup(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	if tc.Enabled() {
		if a.metrics, err = telemetry.NewMetrics(ctx); err != nil {
			a.logger.Warn("relay.metrics.disabled", slog.String("error", err.Error()))
		}
	}

	a.rules = governance.RuleSetFromConfig(cfg.Governance, cfg.Skills)
	a.registry = skills.NewRegistry(skills.WithRegistryLogger(a.logger))
	if err := builtin.Register(a.registry, builtin.Options{}); err != nil {
		a.close()
		return nil, err
	}
	if err := a.loadPlugins(ctx); err != nil {
		a.close()
		return nil, err
	}
	if a.approvals, err = a.approvalStore(); err != nil {
		a.close()
		return nil, err
	}
	a.dispatcher = dispatch.New(
		dispatch.WithSkillTimeout(cfg.Agent.SkillTimeout),
		dispatch.WithConfirmationTimeout(cfg.Agent.ConfirmationTimeout),
		dispatch.WithParallelism(cfg.Agent.ParallelTools),
		dispatch.WithPolicy(a.rules),
		dispatch.WithOutputGuard(guardrails.FromConfig(cfg.Governance)),
		dispatch.WithConfirmer(governance.RecordingConfirmer{
			Next:      newConfirmer(flags.Approval, cfg.Agent.ConfirmationTimeout, flags.JSON, a.stdin),
			Store:     a.approvals,
			SessionID: flags.SessionID,
		}),
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(a.metrics),
	)

	budgetOpts := []budget.Option{
		budget.WithCeilings(cfg.Skills.LiteCeiling, cfg.Skills.StandardCeiling),
		budget.WithMaxDegradeSteps(cfg.Skills.MaxDegradeSteps),
		budget.WithLogger(a.logger),
	}
	if strings.EqualFold(cfg.Memory.Ranking, "vector") {
		ranker, err := a.vectorRanker()
		if err != nil {
			a.logger.Warn("relay.ranker.keyword_fallback", slog.String("error", err.Error()))
		} else {
			budgetOpts = append(budgetOpts, budget.WithRanker(ranker))
		}
	}
	a.budgeter = budget.New(budgetOpts...)

	if !opts.withAgent {
		return a, nil
	}
	if err := a.buildAgent(ctx, opts.emitter); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildAgent(ctx context.Context, emitter core.EventEmitter) error {
	cfg := a.cfg
	provider, err := createProvider(ctx, cfg.LLM)
	if err != nil {
		return NewProviderError(err, cfg.LLM.Provider)
	}
	client := llm.NewClient(provider,
		llm.WithRequestTimeout(cfg.LLM.RequestTimeout),
		llm.WithMaxRetries(cfg.LLM.MaxRetries),
		llm.WithClientLogger(a.logger),
		llm.WithProviderName(cfg.LLM.Provider),
		llm.WithCircuitBreaker(a.breaker(ctx)),
		llm.WithClientMetrics(a.metrics),
	)

	strategy := memory.StrategyFromConfig(cfg.Memory, memory.ModelSummarizer(client, cfg.LLM.Model))
	store, closer, err := memory.FromConfig(ctx, cfg.Memory, strategy)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closer.Close)

	prompt, err := systemPrompt(cfg.Agent)
	if err != nil {
		return err
	}
	a.agent, err = agent.New(client, a.registry,
		agent.WithModel(cfg.LLM.Model),
		agent.WithSystemPrompt(prompt),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithMaxContextTokens(cfg.LLM.MaxContextTokens),
		agent.WithSampling(cfg.LLM.Temperature, cfg.LLM.MaxTokens),
		agent.WithDispatcher(a.dispatcher),
		agent.WithBudgeter(a.budgeter),
		agent.WithPolicy(a.policy()),
		agent.WithMemory(store),
		agent.WithTruncation(strategy),
		agent.WithEventEmitter(emitter),
		agent.WithLogger(a.logger),
		agent.WithMetrics(a.metrics),
	)
	return err
}

// policy builds the tool policy and mode from the live skills section.
func (a *app) policy() (skills.Policy, skills.Mode) {
	sc := a.live.Skills()
	mode := skills.ParseMode(sc.Mode)
	return skills.PolicyFromConfig(sc, mode, a.rules), mode
}

// reload applies a changed configuration: governance rules and the tool
// policy. Model and memory settings need a restart.
func (a *app) reload(cfg *config.Config) {
	a.live.Update(cfg)
	a.rules.Replace(governance.RulesFromConfig(cfg.Governance, cfg.Skills))
	p, mode := a.policy()
	if a.agent != nil {
		a.agent.SetPolicy(p, mode)
	}
	a.logger.Info("relay.config.reloaded",
		slog.String("mode", string(mode)),
		slog.Int("rules", len(a.rules.Rules())),
	)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("relay.close", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// loadPlugins connects to the MCP server of every SKILL.md manifest, local
// or remote, and registers its tools.
func (a *app) loadPlugins(ctx context.Context) error {
	dir := a.cfg.Skills.ManifestsDir
	if dir == "" {
		return nil
	}
	manifests, err := skills.LoadManifests(dir)
	if err != nil {
		return NewConfigError(err, dir)
	}
	for _, m := range manifests {
		client, err := mcp.Dial(ctx, mcp.Endpoint{Command: m.Command, Args: m.Args, Env: m.Env, URL: m.URL})
		if err != nil {
			a.logger.Warn("relay.plugin.unavailable",
				slog.String("skill", m.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.closers = append(a.closers, client.Close)
		n, err := mcp.SkillFromClient(ctx, a.registry, m, client)
		if err != nil {
			return err
		}
		a.logger.Info("relay.plugin.loaded", slog.String("skill", m.Name), slog.Int("tools", n))
	}
	return nil
}

// breaker opens after five consecutive transient model failures and
// reports transitions to the log and the state gauge. Rejected requests
// (4xx) do not count.
func (a *app) breaker(ctx context.Context) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:      "llm",
		IsFailure: func(err error) bool { return errors.AsRelayError(err).Recoverable },
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			a.logger.Warn("relay.llm.breaker",
				slog.String("breaker", name),
				slog.String("from", string(from)),
				slog.String("to", string(to)))
			a.metrics.RecordCircuitBreakerState(ctx, name, breakerLevel(to))
		},
	})
}

func breakerLevel(s resilience.CircuitBreakerState) int64 {
	switch s {
	case resilience.StateOpen:
		return 1
	case resilience.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func (a *app) approvalStore() (governance.ApprovalStore, error) {
	if a.cfg.Memory.ConversationStore != "sqlite" {
		return governance.NewMemoryApprovalStore(), nil
	}
	dir := ".relay"
	if a.cfg.Memory.Path != "" {
		dir = filepath.Dir(a.cfg.Memory.Path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := memory.OpenSQLite(filepath.Join(dir, "approvals.db"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return governance.NewSQLiteApprovalStore(db)
}

func (a *app) vectorRanker() (*budget.VectorRanker, error) {
	mc := a.cfg.Memory
	store, err := qdrant.New(mc.QdrantAddr)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	embedder := ollama.NewEmbedder(mc.EmbedderBaseURL, mc.EmbedderModel)
	return budget.NewVectorRanker(store, embedder, mc.Collection, a.logger), nil
}

const dashScopeURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

func createProvider(ctx context.Context, cfg config.LLMConfig) (llm.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return llm.NewOllama(baseURL), nil
	case "openai":
		return openai.New(
			openai.WithModel(cfg.Model),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithAPIKey(cfg.APIKey),
		), nil
	case "anthropic":
		return anthropic.New(
			anthropic.WithModel(cfg.Model),
			anthropic.WithBaseURL(cfg.BaseURL),
			anthropic.WithAPIKey(cfg.APIKey),
			anthropic.WithMaxTokens(int64(cfg.MaxTokens)),
		), nil
	case "qwen":
		// DashScope serves Qwen through an OpenAI-compatible endpoint.
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = dashScopeURL
		}
		return openai.New(
			openai.WithModel(cfg.Model),
			openai.WithBaseURL(baseURL),
			openai.WithAPIKey(cfg.APIKey),
		), nil
	case "gemini":
		return gemini.New(ctx,
			gemini.WithModel(cfg.Model),
			gemini.WithBaseURL(cfg.BaseURL),
			gemini.WithAPIKey(cfg.APIKey),
		)
	case "mock":
		return &llm.MockProvider{Response: "This is a mock response."}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}
}

func systemPrompt(ac config.AgentConfig) (string, error) {
	prompt := ac.SystemPrompt
	if !ac.AgentsMD {
		return prompt, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	instructions, err := governance.LoadAGENTS(wd)
	if err != nil {
		return "", err
	}
	return instructions.SystemPrompt(prompt), nil
}

// newConfirmer picks who answers confirmation requests. auto asks on a
// terminal and denies otherwise. Answers are read from input, the same
// lines the REPL reads.
func newConfirmer(mode string, timeout time.Duration, jsonOutput bool, input func() *governance.Lines) governance.Confirmer {
	mode = strings.ToLower(strings.TrimSpace(mode))
	isTTY := !jsonOutput && isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
	if mode == "" || mode == "auto" {
		mode = "deny"
		if isTTY {
			mode = "ask"
		}
	}
	if mode == "ask" && (!isTTY || input == nil) {
		fmt.Fprintln(os.Stderr, "Approval mode 'ask' requires a TTY; falling back to deny.")
		mode = "deny"
	}
	switch mode {
	case "ask":
		return governance.NewConsoleConfirmer(
			governance.WithConsoleTimeout(timeout),
			governance.WithConsoleLines(input()),
		)
	case "approve":
		return governance.AlwaysApprove
	default:
		return governance.AlwaysDeny
	}
}
