package anthropic

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rcli/relay/pkg/llm"
)

const messageResponse = `{
  "id": "msg_1",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [
    {"type": "text", "text": "Adding now."},
    {"type": "tool_use", "id": "tu_1", "name": "math__add", "input": {"a": 2, "b": 3}}
  ],
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 12, "output_tokens": 7}
}`

func TestNewDefaults(t *testing.T) {
	p := New()
	if p.model != defaultModel || p.maxTokens != defaultMaxTokens {
		t.Errorf("unexpected defaults model=%s maxTokens=%d", p.model, p.maxTokens)
	}
	p = New(WithModel(""), WithMaxTokens(-1))
	if p.model != defaultModel || p.maxTokens != defaultMaxTokens {
		t.Error("empty options must keep defaults")
	}
}

func TestConvertMessagesGroupsToolResults(t *testing.T) {
	system, msgs := convertMessages([]llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "add and upper"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "a", Function: llm.FunctionCall{Name: "math__add", Arguments: `{"a":1}`}},
			{ID: "b", Function: llm.FunctionCall{Name: "text__upper", Arguments: ``}},
		}},
		{Role: llm.RoleTool, ToolCallID: "a", Content: "1"},
		{Role: llm.RoleTool, ToolCallID: "b", Content: "X"},
		{Role: llm.RoleAssistant, Content: "done"},
	})
	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if got := len(msgs[2].Content); got != 2 {
		t.Errorf("tool results should share one user turn, got %d blocks", got)
	}
	if msgs[2].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", msgs[1].Role, msgs[2].Role)
	}
}

func TestChat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messageResponse))
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL), WithAPIKey("test"), WithModel("claude-test"))
	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "sys"},
			{Role: llm.RoleUser, Content: "2+3?"},
		},
		Tools: []llm.Tool{{
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionDef{
				Name:        "math__add",
				Description: "add",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "number"}}},
			},
		}},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if body["model"] != "claude-test" || body["max_tokens"] != float64(256) {
		t.Errorf("unexpected request %v", body)
	}
	if tools, _ := body["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools not sent: %v", body["tools"])
	}
	if resp.Content != "Adding now." || resp.FinishReason != "tool_use" {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "math__add" || resp.ToolCalls[0].ID != "tu_1" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	var args map[string]float64
	if err := json.Unmarshal([]byte(resp.ToolCalls[0].Function.Arguments), &args); err != nil || args["b"] != 3 {
		t.Errorf("arguments = %q", resp.ToolCalls[0].Function.Arguments)
	}
	if resp.Usage.TotalTokens != 19 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL), WithAPIKey("test")).Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	var status *llm.StatusError
	if !stderrors.As(err, &status) {
		t.Fatalf("expected *llm.StatusError, got %T (%v)", err, err)
	}
	if status.StatusCode != http.StatusTooManyRequests || !status.Temporary() {
		t.Errorf("unexpected status error %+v", status)
	}
}
