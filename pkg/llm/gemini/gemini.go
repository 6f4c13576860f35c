// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package gemini adapts the Google Gemini API to the llm.Provider contract.
package gemini

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"

	"google.golang.org/genai"

	"github.com/rcli/relay/pkg/llm"
)

const defaultModel = "gemini-2.5-flash"

// Provider implements llm.StreamingProvider with the genai SDK.
type Provider struct {
	client *genai.Client
	model  string
}

type settings struct {
	model   string
	apiKey  string
	baseURL string
}

// Option configures the Provider.
type Option func(*settings)

func WithModel(model string) Option {
	return func(s *settings) {
		if model != "" {
			s.model = model
		}
	}
}

// WithAPIKey sets the API key. Without it GOOGLE_API_KEY or GEMINI_API_KEY
// is used.
func WithAPIKey(key string) Option {
	return func(s *settings) { s.apiKey = key }
}

func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// New creates a provider for the Gemini API backend.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	s := settings{model: defaultModel}
	for _, opt := range opts {
		opt(&s)
	}
	cc := &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if s.baseURL != "" {
		cc.HTTPOptions.BaseURL = s.baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Provider{client: client, model: s.model}, nil
}

func (p *Provider) request(req llm.ChatRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	contents, system := convertMessages(req.Messages)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertTools(req.Tools)}}
	}
	return model, contents, config
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model, contents, config := p.request(req)
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, wrapError(err)
	}
	return convertResponse(resp), nil
}

func wrapError(err error) error {
	var apiErr genai.APIError
	if stderrors.As(err, &apiErr) {
		return &llm.StatusError{Provider: "gemini", StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	return fmt.Errorf("gemini generate content failed: %w", err)
}

// convertMessages maps the conversation. Gemini answers a function call by
// name, so tool turns look up the name of the call they answer.
func convertMessages(messages []llm.Message) ([]*genai.Content, string) {
	var system string
	names := make(map[string]string)
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case llm.RoleAssistant:
			content := &genai.Content{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				names[tc.ID] = tc.Function.Name
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Function.Name, Args: args},
				})
			}
			contents = append(contents, content)
		case llm.RoleTool:
			var result map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &result); err != nil {
				result = map[string]any{"result": msg.Content}
			}
			name := names[msg.ToolCallID]
			if name == "" {
				name = msg.ToolCallID
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: name, Response: result}}
			// Responses to one model turn share a user turn.
			if n := len(contents); n > 0 && contents[n-1].Role == "user" && isResponses(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	return contents, system
}

func isResponses(c *genai.Content) bool {
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return len(c.Parts) > 0
}

func convertTools(tools []llm.Tool) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema *genai.Schema
		if raw, err := json.Marshal(tool.Function.Parameters); err == nil {
			_ = json.Unmarshal(raw, &schema)
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  schema,
		})
	}
	return out
}

// convertResponse maps the first candidate. Gemini has no call IDs, so
// calls are numbered in order.
func convertResponse(resp *genai.GenerateContentResponse) *llm.ChatResponse {
	out := &llm.ChatResponse{}
	if resp == nil {
		return out
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	candidate := resp.Candidates[0]
	out.FinishReason = string(candidate.FinishReason)
	if candidate.Content == nil {
		return out
	}
	for _, part := range candidate.Content.Parts {
		out.Content += part.Text
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, toolCall(len(out.ToolCalls), part.FunctionCall))
		}
	}
	return out
}

func toolCall(i int, fc *genai.FunctionCall) llm.ToolCall {
	args, _ := json.Marshal(fc.Args)
	return llm.ToolCall{
		ID:   "call_" + strconv.Itoa(i) + "_" + fc.Name,
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionCall{
			Name:      fc.Name,
			Arguments: string(args),
		},
	}
}

// ChatStream implements llm.StreamingProvider. Function calls are
// delivered with the final chunk.
func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model, contents, config := p.request(req)
	chunks := make(chan llm.StreamChunk, 16)

	go func() {
		defer close(chunks)
		send := func(c llm.StreamChunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		final := llm.StreamChunk{Done: true}
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				send(llm.StreamChunk{Error: wrapError(err)})
				return
			}
			converted := convertResponse(resp)
			if resp.UsageMetadata != nil {
				usage := converted.Usage
				final.Usage = &usage
			}
			for _, tc := range converted.ToolCalls {
				tc.ID = "call_" + strconv.Itoa(len(final.ToolCalls)) + "_" + tc.Function.Name
				final.ToolCalls = append(final.ToolCalls, tc)
			}
			if converted.Content != "" && !send(llm.StreamChunk{Content: converted.Content}) {
				return
			}
		}
		send(final)
	}()
	return chunks, nil
}

var _ llm.StreamingProvider = (*Provider)(nil)
