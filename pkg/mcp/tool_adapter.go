package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/skills"
)

// ToolCaller abstracts MCP tool execution for adapters. *Client implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ToolLister lists the tools a server offers. *Client implements it.
type ToolLister interface {
	ToolCaller
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// ToolSpec converts an MCP tool into a skill tool whose handler forwards
// the validated arguments to caller.
func ToolSpec(tool mcp.Tool, caller ToolCaller, requiresConfirmation bool) (skills.ToolSpec, error) {
	if tool.Name == "" {
		return skills.ToolSpec{}, errors.New(errors.CodeInvalidInput, "mcp tool name is required", nil)
	}
	if caller == nil {
		return skills.ToolSpec{}, errors.New(errors.CodeInvalidInput, "tool caller is required", nil)
	}
	schema, err := toolSchema(tool)
	if err != nil {
		return skills.ToolSpec{}, errors.New(errors.CodeInvalidInput, "invalid mcp input schema", err).
			WithContext("tool", tool.Name)
	}
	name := tool.Name
	return skills.ToolSpec{
		Name:                 name,
		Description:          tool.Description,
		Parameters:           schema,
		RequiresConfirmation: requiresConfirmation,
		Handler: func(ctx context.Context, args skills.Args) (any, error) {
			result, err := caller.CallTool(ctx, name, map[string]any(args))
			if err != nil {
				return nil, err
			}
			return toolResultToOutput(result)
		},
	}, nil
}

func toolSchema(tool mcp.Tool) (skills.Schema, error) {
	if len(tool.RawInputSchema) > 0 {
		var raw struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		if err := json.Unmarshal(tool.RawInputSchema, &raw); err != nil {
			return nil, err
		}
		return skills.SchemaFromJSON(raw.Properties, raw.Required), nil
	}
	return skills.SchemaFromJSON(tool.InputSchema.Properties, tool.InputSchema.Required), nil
}

// SkillFromClient registers the tools of an MCP server under the skill
// described by manifest. Tools whose names the registry cannot hold are
// skipped. When the skill already exists its tools are added to it.
func SkillFromClient(ctx context.Context, registry *skills.Registry, manifest skills.Manifest, server ToolLister) (int, error) {
	tools, err := server.ListTools(ctx)
	if err != nil {
		return 0, errors.New(errors.CodeToolFailure, "list mcp tools", err).
			WithContext("skill", manifest.Name)
	}
	specs := make([]skills.ToolSpec, 0, len(tools))
	for _, tool := range tools {
		if !manifest.Wants(tool.Name) {
			continue
		}
		spec, err := ToolSpec(tool, server, manifest.NeedsConfirmation(tool.Name))
		if err == nil {
			err = skills.CheckTool(manifest.Name, spec)
		}
		if err != nil {
			slog.WarnContext(ctx, "mcp.tool.skipped",
				slog.String("skill", manifest.Name),
				slog.String("tool", tool.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		specs = append(specs, spec)
	}

	if hasSkill(registry, manifest.Name) {
		if err := registry.AddTools(manifest.Name, specs...); err != nil {
			return 0, err
		}
		return len(specs), nil
	}
	err = registry.Register(skills.Skill{
		Name:        manifest.Name,
		Description: manifest.Description,
		Category:    manifest.Category,
		Tools:       specs,
		Source:      manifest.Path,
	})
	if err != nil {
		return 0, err
	}
	if manifest.Disabled {
		if err := registry.SetEnabled(manifest.Name, false); err != nil {
			return 0, err
		}
	}
	return len(specs), nil
}

func hasSkill(registry *skills.Registry, name string) bool {
	for _, info := range registry.Skills() {
		if info.Name == name {
			return true
		}
	}
	return false
}

func toolResultToOutput(result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, errors.New(errors.CodeToolFailure, "mcp tool result is nil", nil)
	}
	if result.IsError {
		return nil, errors.New(errors.CodeToolFailure,
			fmt.Sprintf("mcp tool returned error: %s", extractTextContent(result.Content)), nil)
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return extractTextContent(result.Content), nil
}

func extractTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
