package mcp

import (
	"context"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/skills"
)

const stdioHelperEnv = "RELAY_MCP_STDIO_HELPER"

// knowledgeServer serves a lookup tool and a wipe tool that always fails.
func knowledgeServer(opts ...mcpserver.ServerOption) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer("kb", "1.0.0", opts...)
	srv.AddTool(mcpgo.NewTool("lookup",
		mcpgo.WithDescription("Look up a topic"),
		mcpgo.WithString("query", mcpgo.Required()),
	), func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultText("found: " + req.GetString("query", "")), nil
	})
	srv.AddTool(mcpgo.NewTool("wipe", mcpgo.WithDescription("Erase the index")),
		func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return mcpgo.NewToolResultError("read-only index"), nil
		})
	return srv
}

func TestHelperStdioServer(t *testing.T) {
	if os.Getenv(stdioHelperEnv) != "1" {
		return
	}
	if err := mcpserver.ServeStdio(knowledgeServer()); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func checkKnowledgeSkill(t *testing.T, registry *skills.Registry) {
	t.Helper()
	ctx := context.Background()

	lookup, err := registry.Resolve("kb.lookup")
	if err != nil {
		t.Fatalf("resolve lookup: %v", err)
	}
	if lookup.RequiresConfirmation() {
		t.Error("lookup should not need confirmation")
	}
	if got := lookup.Parameters().Required(); len(got) != 1 || got[0] != "query" {
		t.Errorf("required = %v", got)
	}
	out, err := lookup.Handler()(ctx, skills.Args{"query": "go"})
	if err != nil || out != "found: go" {
		t.Fatalf("lookup = %v, %v", out, err)
	}

	wipe, err := registry.Resolve("kb__wipe")
	if err != nil {
		t.Fatalf("resolve wipe: %v", err)
	}
	if !wipe.RequiresConfirmation() {
		t.Error("wipe should need confirmation")
	}
	if _, err := wipe.Handler()(ctx, skills.Args{}); err == nil || !strings.Contains(err.Error(), "read-only index") {
		t.Errorf("wipe error = %v", err)
	}
}

func TestStdioClientRegistersSkill(t *testing.T) {
	t.Setenv(stdioHelperEnv, "1")
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	client, err := Dial(context.Background(), Endpoint{
		Command: exe,
		Args:    []string{"-test.run", "TestHelperStdioServer"},
	})
	if err != nil {
		t.Fatalf("start stdio client: %v", err)
	}
	defer client.Close()

	registry := skills.NewRegistry()
	manifest := skills.Manifest{Name: "kb", Description: "Knowledge base", RequireConfirmation: []string{"wipe"}}
	n, err := SkillFromClient(context.Background(), registry, manifest, client)
	if err != nil {
		t.Fatalf("SkillFromClient: %v", err)
	}
	if n != 2 {
		t.Fatalf("registered %d tools, want 2", n)
	}
	checkKnowledgeSkill(t, registry)
}

func TestStreamableHTTPClientCachesTools(t *testing.T) {
	srv := knowledgeServer()
	httpServer := mcpserver.NewTestStreamableHTTPServer(srv)
	defer httpServer.Close()

	client, err := Dial(context.Background(), Endpoint{URL: httpServer.URL}, WithToolCacheTTL(time.Minute))
	if err != nil {
		t.Fatalf("start http client: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	first, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(first))
	}

	srv.AddTool(mcpgo.NewTool("extra"), func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultText("x"), nil
	})
	second, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(second) != 2 {
		t.Errorf("cached listing changed: %d tools", len(second))
	}

	registry := skills.NewRegistry()
	manifest := skills.Manifest{Name: "kb", RequireConfirmation: []string{"wipe"}}
	if _, err := SkillFromClient(ctx, registry, manifest, client); err != nil {
		t.Fatalf("SkillFromClient: %v", err)
	}
	checkKnowledgeSkill(t, registry)
}

func TestListToolsFollowsCursors(t *testing.T) {
	httpServer := mcpserver.NewTestStreamableHTTPServer(knowledgeServer(mcpserver.WithPaginationLimit(1)))
	defer httpServer.Close()

	client, err := Dial(context.Background(), Endpoint{URL: httpServer.URL}, WithToolCacheTTL(0))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "lookup,wipe" {
		t.Errorf("tools across pages = %v", names)
	}
}

func TestDialFailures(t *testing.T) {
	tests := []struct {
		name string
		ep   Endpoint
		key  string
	}{
		{"missing command", Endpoint{Command: "relay-no-such-mcp-server"}, "command"},
		{"unreachable url", Endpoint{URL: "http://127.0.0.1:1/mcp"}, "url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := Dial(ctx, tt.ep, WithTimeout(time.Second))
			re := errors.AsRelayError(err)
			if re == nil || re.Code != errors.CodeToolFailure {
				t.Fatalf("expected TOOL_FAILURE, got %v", err)
			}
			if _, ok := re.Context[tt.key]; !ok {
				t.Errorf("missing %s in context %v", tt.key, re.Context)
			}
		})
	}
}
