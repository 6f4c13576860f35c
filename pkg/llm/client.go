package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/resilience"
	"github.com/rcli/relay/pkg/telemetry"
)

// Client wraps a Provider with a per-attempt request timeout, bounded retry
// with backoff and an optional circuit breaker.
type Client struct {
	provider Provider
	name     string
	timeout  time.Duration
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout bounds every attempt. Zero disables the bound.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.retry.MaxAttempts = n + 1
		}
	}
}

// WithRetryConfig replaces the whole retry policy.
func WithRetryConfig(rc resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = rc }
}

// WithCircuitBreaker routes requests through cb.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClientMetrics counts failures that a retry recovered from.
func WithClientMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithProviderName labels logs and spans.
func WithProviderName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// NewClient wraps provider. Defaults: 30s request timeout, 3 retries.
func NewClient(provider Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider: provider,
		name:     "llm",
		timeout:  30 * time.Second,
		retry:    resilience.DefaultRetryConfig().WithMaxAttempts(4),
		logger:   slog.Default(),
		tracer:   otel.Tracer("relay/llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.OnRetry = func(attempt int, err error) {
		c.logger.Warn("llm.request.retry",
			slog.String("provider", c.name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return c
}

// Provider returns the wrapped provider.
func (c *Client) Provider() Provider {
	return c.provider
}

// Chat sends req, retrying recoverable failures. The returned error is a
// RelayError with CodeLLMError (or CodeRateLimit) wrapping the last failure.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := c.tracer.Start(ctx, "relay.llm.chat", trace.WithAttributes(
		attribute.String("gen_ai.system", c.name),
		attribute.String("gen_ai.request.model", req.Model),
		attribute.Int("gen_ai.request.messages", len(req.Messages)),
		attribute.Int("relay.tools.count", len(req.Tools)),
	))
	defer span.End()

	start := time.Now()
	var lastErr error
	resp, err := resilience.Retry(ctx, c.retry, func(ctx context.Context) (*ChatResponse, error) {
		resp, err := c.attempt(ctx, req)
		if err != nil {
			lastErr = err
		}
		return resp, err
	})
	if err != nil {
		re := classify(err, req.Model)
		if !errors.HasCode(re, errors.CodeLLMError) && !errors.HasCode(re, errors.CodeRateLimit) {
			re = errors.New(errors.CodeLLMError, "model request failed", re).
				WithContext("model", req.Model).
				WithRecoverable(re.Recoverable)
		}
		span.RecordError(re)
		span.SetStatus(codes.Error, re.Message)
		c.logger.ErrorContext(ctx, "llm.request.failed",
			slog.String("provider", c.name),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		return nil, re
	}

	if lastErr != nil {
		c.metrics.RecordRecovery(ctx, errors.AsRelayError(lastErr).Code)
	}
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.PromptTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.CompletionTokens),
		attribute.Int("gen_ai.tool_calls", len(resp.ToolCalls)),
	)
	c.logger.DebugContext(ctx, "llm.request.done",
		slog.String("provider", c.name),
		slog.String("model", req.Model),
		slog.Int("tool_calls", len(resp.ToolCalls)),
		slog.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	call := func(ctx context.Context) (*ChatResponse, error) {
		resp, err := resilience.Run(ctx, c.timeout, func(ctx context.Context) (*ChatResponse, error) {
			return c.provider.Chat(ctx, req)
		})
		if err != nil {
			return nil, classify(err, req.Model)
		}
		if resp == nil {
			return nil, errors.New(errors.CodeLLMError, "provider returned no response", nil).
				WithRecoverable(true)
		}
		return resp, nil
	}
	if c.breaker == nil {
		return call(ctx)
	}
	var resp *ChatResponse
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = call(ctx)
		return err
	})
	return resp, err
}

// ChatStream streams the text of a tool-less request to fn and returns the
// assembled response. Providers without streaming are called once and the
// whole content is delivered as one chunk. The request timeout bounds the
// wait for each chunk rather than the whole stream.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, fn func(chunk string) error) (*ChatResponse, error) {
	req.Tools = nil
	sp, ok := c.provider.(StreamingProvider)
	if !ok {
		resp, err := c.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Content != "" {
			if err := fn(resp.Content); err != nil {
				return nil, err
			}
		}
		return resp, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	chunks, err := resilience.Retry(ctx, c.retry, func(ctx context.Context) (<-chan StreamChunk, error) {
		ch, err := sp.ChatStream(ctx, req)
		if err != nil {
			return nil, classify(err, req.Model)
		}
		return ch, nil
	})
	if err != nil {
		return nil, errors.New(errors.CodeLLMError, "model stream failed", err).WithContext("model", req.Model)
	}

	var b strings.Builder
	resp := &ChatResponse{}
	var idle <-chan time.Time
	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.NewTimer(c.timeout)
		defer timer.Stop()
		idle = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil, errors.New(errors.CodeCanceled, "stream canceled", ctx.Err())
		case <-idle:
			return nil, errors.New(errors.CodeTimeout, "model stream stalled", nil).
				WithContext("timeout", c.timeout.String())
		case chunk, open := <-chunks:
			if !open {
				resp.Content = b.String()
				return resp, nil
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.timeout)
			}
			if chunk.Error != nil {
				return nil, classify(chunk.Error, req.Model)
			}
			if chunk.Content != "" {
				b.WriteString(chunk.Content)
				if err := fn(chunk.Content); err != nil {
					return nil, err
				}
			}
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
			if chunk.Done {
				resp.Content = b.String()
				return resp, nil
			}
		}
	}
}
