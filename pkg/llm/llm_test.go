package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/resilience"
	"github.com/rcli/relay/pkg/telemetry"
)

func TestMockProvider(t *testing.T) {
	mock := &MockProvider{Response: "Hello world"}
	resp, err := mock.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Expected 'Hello world', got '%s'", resp.Content)
	}
}

func TestScriptedProviderReplaysInOrder(t *testing.T) {
	p := NewScriptedProvider(
		Calls(Call("c1", "math__add", `{"a":1,"b":2}`)),
		Text("3"),
	)
	ctx := context.Background()

	first, err := p.Chat(ctx, ChatRequest{Messages: []Message{{Role: RoleUser, Content: "1+2"}}})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if !first.HasToolCalls() || first.ToolCalls[0].Function.Name != "math__add" {
		t.Fatalf("first = %+v", first)
	}
	second, err := p.Chat(ctx, ChatRequest{})
	if err != nil || second.Content != "3" {
		t.Fatalf("second = %+v, %v", second, err)
	}
	if _, err := p.Chat(ctx, ChatRequest{}); err == nil {
		t.Fatal("expected error once the script is exhausted")
	}
	if got := len(p.Requests()); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	if got := p.Requests()[0].Messages[0].Content; got != "1+2" {
		t.Errorf("captured content = %q", got)
	}
}

func TestScriptedProviderDelayHonoursContext(t *testing.T) {
	p := NewScriptedProvider(ScriptedResponse{Content: "late", Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(ctx, ChatRequest{}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestClientRetriesRecoverableFailures(t *testing.T) {
	var calls int32
	mock := &MockProvider{ChatFunc: func(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, &StatusError{Provider: "test", StatusCode: 503}
		}
		return &ChatResponse{Content: "ok"}, nil
	}}
	c := NewClient(mock, WithRetryConfig(resilience.DefaultRetryConfig().
		WithMaxAttempts(3).WithInitialDelay(time.Millisecond)))

	resp, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" || calls != 3 {
		t.Fatalf("content=%q calls=%d", resp.Content, calls)
	}
}

func recoveredTotal(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == "relay.errors.recovered" {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestClientCountsRecoveredFailures(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	metrics, err := telemetry.NewMetricsWithMeter(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsWithMeter: %v", err)
	}

	var calls int32
	flaky := &MockProvider{ChatFunc: func(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &StatusError{Provider: "test", StatusCode: 502}
		}
		return &ChatResponse{Content: "ok"}, nil
	}}
	rc := resilience.DefaultRetryConfig().WithMaxAttempts(3).WithInitialDelay(time.Millisecond)

	c := NewClient(flaky, WithRetryConfig(rc), WithClientMetrics(metrics))
	if _, err := c.Chat(context.Background(), ChatRequest{Model: "m"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := recoveredTotal(t, reader); got != 1 {
		t.Fatalf("recovered = %d after one retry, want 1", got)
	}

	steady := NewClient(&MockProvider{Response: "ok"}, WithRetryConfig(rc), WithClientMetrics(metrics))
	if _, err := steady.Chat(context.Background(), ChatRequest{Model: "m"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := recoveredTotal(t, reader); got != 1 {
		t.Fatalf("recovered = %d, a first-try success should not count", got)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	mock := &MockProvider{ChatFunc: func(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &StatusError{Provider: "test", StatusCode: 400, Body: "bad"}
	}}
	c := NewClient(mock, WithRetryConfig(resilience.DefaultRetryConfig().
		WithMaxAttempts(3).WithInitialDelay(time.Millisecond)))

	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	if !errors.HasCode(err, errors.CodeLLMError) {
		t.Fatalf("err = %v, want LLM_ERROR", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestClientClassifiesRateLimit(t *testing.T) {
	mock := &MockProvider{Err: &StatusError{Provider: "test", StatusCode: 429}}
	c := NewClient(mock, WithMaxRetries(0))
	_, err := c.Chat(context.Background(), ChatRequest{})
	if !errors.HasCode(err, errors.CodeRateLimit) {
		t.Fatalf("err = %v, want RATE_LIMITED", err)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	mock := &MockProvider{ChatFunc: func(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := NewClient(mock, WithMaxRetries(0), WithRequestTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := c.Chat(context.Background(), ChatRequest{})
	if !errors.HasCode(err, errors.CodeTimeout) {
		t.Fatalf("err = %v, want TIMEOUT in chain", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout was not enforced")
	}
}

func TestClientChatStream(t *testing.T) {
	p := NewScriptedProvider(Text("hello streaming world"))
	c := NewClient(p)
	var got []string
	resp, err := c.ChatStream(context.Background(), ChatRequest{}, func(s string) error {
		got = append(got, s)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if strings.Join(got, "") != "hello streaming world" || len(got) != 3 {
		t.Fatalf("chunks = %q", got)
	}
	if resp.Content != "hello streaming world" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestClientChatStreamFallsBackToChat(t *testing.T) {
	c := NewClient(&MockProvider{Response: "whole"})
	var got []string
	if _, err := c.ChatStream(context.Background(), ChatRequest{}, func(s string) error {
		got = append(got, s)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "whole" {
		t.Fatalf("chunks = %q", got)
	}
}

func TestOllamaChatToolCalls(t *testing.T) {
	var seen ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"math__add","arguments":{"a":1,"b":2}}}]},"done":true,"prompt_eval_count":12,"eval_count":3}`)
	}))
	defer srv.Close()

	p := NewOllama(srv.URL)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model: "qwen",
		Messages: []Message{
			{Role: RoleUser, Content: "add"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{Call("c0", "math__add", `{"a":0}`)}},
			{Role: RoleTool, Content: "0", ToolCallID: "c0", Name: "math__add"},
		},
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	var args map[string]float64
	if err := json.Unmarshal([]byte(resp.ToolCalls[0].Function.Arguments), &args); err != nil {
		t.Fatalf("arguments %q: %v", resp.ToolCalls[0].Function.Arguments, err)
	}
	if args["a"] != 1 || args["b"] != 2 {
		t.Errorf("args = %v", args)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if string(seen.Messages[1].ToolCalls[0].Function.Arguments) != `{"a":0}` {
		t.Errorf("outgoing arguments = %s", seen.Messages[1].ToolCalls[0].Function.Arguments)
	}
	if seen.Messages[2].ToolName != "math__add" {
		t.Errorf("tool name = %q", seen.Messages[2].ToolName)
	}
}

func TestOllamaStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL).Chat(context.Background(), ChatRequest{})
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("err = %T %v, want *StatusError", err, err)
	}
	if !se.Temporary() || se.StatusCode != 503 {
		t.Errorf("status error = %+v", se)
	}
}

func TestOllamaChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":4,"eval_count":2}`)
	}))
	defer srv.Close()

	ch, err := NewOllama(srv.URL).ChatStream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	var done bool
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatal(chunk.Error)
		}
		b.WriteString(chunk.Content)
		if chunk.Done {
			done = true
			if chunk.Usage == nil || chunk.Usage.TotalTokens != 6 {
				t.Errorf("usage = %+v", chunk.Usage)
			}
		}
	}
	if b.String() != "Hello" || !done {
		t.Fatalf("content=%q done=%v", b.String(), done)
	}
}
