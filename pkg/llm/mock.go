package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider returns a fixed response or error.
type MockProvider struct {
	Response string
	Err      error
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &ChatResponse{
		Content: m.Response,
		Usage:   Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	}, nil
}

// ScriptedResponse is one queued reply of a ScriptedProvider.
type ScriptedResponse struct {
	Content   string
	ToolCalls []ToolCall
	Err       error
	// Delay is waited before replying; the request context can cut it short.
	Delay time.Duration
	Usage Usage
}

// ScriptedProvider replays queued responses in order and records every
// request it receives. It is safe for concurrent use.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	requests  []ChatRequest
}

// NewScriptedProvider queues responses.
func NewScriptedProvider(responses ...ScriptedResponse) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

// Text builds a final-answer response.
func Text(content string) ScriptedResponse {
	return ScriptedResponse{Content: content}
}

// Calls builds a response that requests the given tool calls.
func Calls(calls ...ToolCall) ScriptedResponse {
	return ScriptedResponse{ToolCalls: calls}
}

// Call builds a single function tool call.
func Call(id, name, arguments string) ToolCall {
	return ToolCall{
		ID:       id,
		Type:     ToolTypeFunction,
		Function: FunctionCall{Name: name, Arguments: arguments},
	}
}

// Add appends responses to the queue.
func (s *ScriptedProvider) Add(responses ...ScriptedResponse) *ScriptedProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, responses...)
	return s
}

// Requests returns a copy of the received requests.
func (s *ScriptedProvider) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Remaining returns how many responses are still queued.
func (s *ScriptedProvider) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

func (s *ScriptedProvider) next(req ChatRequest) (ScriptedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := req
	cp.Messages = append([]Message(nil), req.Messages...)
	cp.Tools = append([]Tool(nil), req.Tools...)
	s.requests = append(s.requests, cp)
	if len(s.responses) == 0 {
		return ScriptedResponse{}, fmt.Errorf("scripted provider: no response queued for call %d", len(s.requests))
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

// Chat pops the next scripted response.
func (s *ScriptedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	r, err := s.next(req)
	if err != nil {
		return nil, err
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	usage := r.Usage
	if usage.TotalTokens == 0 {
		usage = Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}
	}
	return &ChatResponse{
		Content:   r.Content,
		ToolCalls: append([]ToolCall(nil), r.ToolCalls...),
		Usage:     usage,
	}, nil
}

// ChatStream delivers the next scripted response word by word.
func (s *ScriptedProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 1)
	go func() {
		defer close(ch)
		for _, piece := range splitKeep(resp.Content) {
			select {
			case ch <- StreamChunk{Content: piece}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- StreamChunk{Done: true, ToolCalls: resp.ToolCalls, Usage: &resp.Usage}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// splitKeep splits s after each space so the pieces concatenate back to s.
func splitKeep(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

var _ StreamingProvider = (*ScriptedProvider)(nil)
