package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rcli/relay/pkg/dispatch"
	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/skills"
)

// Server exposes the tools a policy admits from a registry to MCP clients.
// Calls go through the dispatcher, so validation, confirmation and
// timeouts apply exactly as in a turn.
type Server struct {
	mcpServer  *server.MCPServer
	registry   *skills.Registry
	dispatcher *dispatch.Dispatcher

	mu      sync.RWMutex
	policy  skills.Policy
	exposed []string
}

// NewServer creates a server over registry. Call Sync after changing the
// registry or the policy.
func NewServer(name, version string, registry *skills.Registry, dispatcher *dispatch.Dispatcher, policy skills.Policy) *Server {
	if dispatcher == nil {
		dispatcher = dispatch.New()
	}
	s := &Server{
		mcpServer:  server.NewMCPServer(name, version, server.WithToolCapabilities(true)),
		registry:   registry,
		dispatcher: dispatcher,
		policy:     policy,
	}
	s.Sync()
	return s
}

// SetPolicy replaces the policy and re-publishes the tool list.
func (s *Server) SetPolicy(p skills.Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.Sync()
}

// Sync publishes the currently admitted tools, replacing the previous set.
func (s *Server) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools := s.registry.ListActiveTools(s.policy)
	if len(s.exposed) > 0 {
		s.mcpServer.DeleteTools(s.exposed...)
	}
	served := make([]server.ServerTool, 0, len(tools))
	s.exposed = s.exposed[:0]
	for _, t := range tools {
		served = append(served, server.ServerTool{
			Tool:    describe(t),
			Handler: s.handle(t.WireName()),
		})
		s.exposed = append(s.exposed, t.WireName())
	}
	if len(served) > 0 {
		s.mcpServer.AddTools(served...)
	}
	slog.Debug("mcp.server.synced", slog.Int("tools", len(served)))
}

// Tools returns the wire names currently served.
func (s *Server) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.exposed...)
}

func describe(t *skills.Tool) mcp.Tool {
	schema, err := json.Marshal(t.Parameters().JSONSchema())
	if err != nil {
		schema = []byte(`{"type":"object"}`)
	}
	return mcp.NewToolWithRawSchema(t.WireName(), t.Description(), schema)
}

func (s *Server) handle(wireName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := s.dispatcher.Dispatch(ctx, s, dispatch.Request{
			CallID:    "mcp-" + uuid.NewString(),
			Name:      wireName,
			Arguments: req.GetArguments(),
		})
		if !res.OK() {
			return mcp.NewToolResultError(res.Content()), nil
		}
		return mcp.NewToolResultText(res.Payload), nil
	}
}

// Resolve admits only tools the current policy still exposes.
func (s *Server) Resolve(name string) (*skills.Tool, error) {
	t, err := s.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	policy := s.policy
	s.mu.RUnlock()
	for _, active := range s.registry.ListActiveTools(policy) {
		if active == t {
			return t, nil
		}
	}
	return nil, errors.New(errors.CodeUnknownTool, "tool not exposed: "+name, nil).
		WithContext("tool", name).
		WithRecoverable(true)
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP on stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP serves MCP over streamable HTTP on addr.
func (s *Server) ServeHTTP(addr string) error {
	return server.NewStreamableHTTPServer(s.mcpServer).Start(addr)
}
