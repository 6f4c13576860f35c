package gemini

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/rcli/relay/pkg/llm"
)

func TestConvertMessages(t *testing.T) {
	contents, system := convertMessages([]llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "add and upper"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "c1", Function: llm.FunctionCall{Name: "math__add", Arguments: `{"a":1,"b":2}`}},
			{ID: "c2", Function: llm.FunctionCall{Name: "text__upper"}},
		}},
		{Role: llm.RoleTool, ToolCallID: "c1", Content: `{"sum":3}`},
		{Role: llm.RoleTool, ToolCallID: "c2", Content: "X"},
		{Role: llm.RoleAssistant, Content: "done"},
	})

	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	if len(contents) != 4 {
		t.Fatalf("expected 4 contents, got %d", len(contents))
	}
	if contents[1].Role != "model" || len(contents[1].Parts) != 2 {
		t.Fatalf("unexpected model turn %+v", contents[1])
	}
	if got := contents[1].Parts[0].FunctionCall.Args["b"]; got != float64(2) {
		t.Errorf("args b = %v", got)
	}

	responses := contents[2]
	if responses.Role != "user" || len(responses.Parts) != 2 {
		t.Fatalf("tool responses should share one user turn: %+v", responses)
	}
	first := responses.Parts[0].FunctionResponse
	if first.Name != "math__add" || first.Response["sum"] != float64(3) {
		t.Errorf("unexpected first response %+v", first)
	}
	second := responses.Parts[1].FunctionResponse
	if second.Name != "text__upper" || second.Response["result"] != "X" {
		t.Errorf("unexpected second response %+v", second)
	}
}

func TestConvertTools(t *testing.T) {
	decls := convertTools([]llm.Tool{{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        "math__add",
			Description: "add",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"a"},
			},
		},
	}})
	if len(decls) != 1 || decls[0].Name != "math__add" || decls[0].Description != "add" {
		t.Fatalf("unexpected declarations %+v", decls)
	}
	if decls[0].Parameters == nil || len(decls[0].Parameters.Required) != 1 {
		t.Errorf("schema not converted: %+v", decls[0].Parameters)
	}
}

func TestConvertResponse(t *testing.T) {
	resp := convertResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{
				{Text: "Checking. "},
				{FunctionCall: &genai.FunctionCall{Name: "math__add", Args: map[string]any{"a": 1}}},
				{FunctionCall: &genai.FunctionCall{Name: "math__add", Args: map[string]any{"a": 2}}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 4,
			TotalTokenCount:      14,
		},
	})

	if resp.Content != "Checking. " || resp.FinishReason != "STOP" {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID == resp.ToolCalls[1].ID {
		t.Errorf("repeated calls share id %s", resp.ToolCalls[0].ID)
	}
	var args map[string]float64
	if err := json.Unmarshal([]byte(resp.ToolCalls[1].Function.Arguments), &args); err != nil || args["a"] != 2 {
		t.Errorf("arguments = %q", resp.ToolCalls[1].Function.Arguments)
	}
	if resp.Usage.TotalTokens != 14 || resp.Usage.PromptTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestConvertResponseEmpty(t *testing.T) {
	if resp := convertResponse(nil); resp.Content != "" || len(resp.ToolCalls) != 0 {
		t.Errorf("unexpected %+v", resp)
	}
	if resp := convertResponse(&genai.GenerateContentResponse{}); resp.FinishReason != "" {
		t.Errorf("unexpected %+v", resp)
	}
}
