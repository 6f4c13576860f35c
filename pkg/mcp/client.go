// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp connects relay to Model Context Protocol servers. Remote
// servers become plugin skills, and the registry itself can be served to
// other MCP clients.
package mcp

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/resilience"
)

const (
	clientName    = "relay"
	clientVersion = "0.1.0"

	// maxToolPages stops a server that keeps returning cursors.
	maxToolPages = 50
)

// Endpoint says how to reach a server: Command is started as a subprocess
// speaking stdio, URL is dialed over streamable HTTP.
type Endpoint struct {
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	// ProtocolVersion defaults to the latest the library speaks.
	ProtocolVersion string
}

func (e Endpoint) target() (string, string) {
	if e.URL != "" {
		return "url", e.URL
	}
	return "command", e.Command
}

type ClientOption func(*Client)

// WithTimeout bounds each request. Zero disables the bound.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

// WithRetry sets how many times a failed request is repeated and the first
// backoff delay.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.retry.MaxAttempts = max(retries, 0) + 1
		if backoff > 0 {
			c.retry.InitialDelay = backoff
		}
	}
}

// WithToolCacheTTL keeps the tool list for ttl. Zero disables caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.cacheTTL = max(ttl, 0) }
}

// Client is a connected server session with per-request timeouts, retries
// on transient failures and a short-lived tool list cache.
type Client struct {
	conn     client.MCPClient
	timeout  time.Duration
	retry    resilience.RetryConfig
	cacheTTL time.Duration

	mu       sync.Mutex
	tools    []mcp.Tool
	cachedAt time.Time
}

// NewClient wraps an initialized connection.
func NewClient(conn client.MCPClient, opts ...ClientOption) *Client {
	c := &Client{
		conn:    conn,
		timeout: 10 * time.Second,
		retry: resilience.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  200 * time.Millisecond,
			Multiplier:    2,
			IsRecoverable: transient,
		},
		cacheTTL: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to ep and runs the initialize handshake.
func Dial(ctx context.Context, ep Endpoint, opts ...ClientOption) (*Client, error) {
	kind, target := ep.target()
	fail := func(msg string, err error) error {
		return errors.New(errors.CodeToolFailure, msg, err).WithContext(kind, target)
	}

	var conn *client.Client
	var err error
	if ep.URL != "" {
		conn, err = client.NewStreamableHttpClient(ep.URL)
		if err == nil {
			// The session outlives the dial deadline.
			err = conn.Start(context.WithoutCancel(ctx))
		}
	} else {
		conn, err = client.NewStdioMCPClient(ep.Command, envList(ep.Env), ep.Args...)
	}
	if err != nil {
		return nil, fail("connect mcp server", err)
	}

	c := NewClient(conn, opts...)
	if err := c.initialize(ctx, ep.ProtocolVersion); err != nil {
		_ = conn.Close()
		return nil, fail("initialize mcp server", err)
	}
	return c, nil
}

func (c *Client) initialize(ctx context.Context, version string) error {
	if version == "" {
		version = mcp.LATEST_PROTOCOL_VERSION
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = version
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}

	ctx, cancel := c.bound(ctx)
	defer cancel()
	_, err := c.conn.Initialize(ctx, req)
	return err
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ListTools returns every tool the server offers, following pagination
// cursors.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if tools, ok := c.cached(); ok {
		return tools, nil
	}

	var all []mcp.Tool
	var cursor mcp.Cursor
	for page := 0; page < maxToolPages; page++ {
		req := mcp.ListToolsRequest{}
		req.Params.Cursor = cursor
		resp, err := resilience.Retry(ctx, c.retry, func(ctx context.Context) (*mcp.ListToolsResult, error) {
			ctx, cancel := c.bound(ctx)
			defer cancel()
			return c.conn.ListTools(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Tools...)
		if resp.NextCursor == "" || resp.NextCursor == cursor {
			break
		}
		cursor = resp.NextCursor
	}
	c.remember(all)
	return all, nil
}

// CallTool runs name on the server. A result with IsError set is returned
// as is; only transport failures are errors.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	return resilience.Retry(ctx, c.retry, func(ctx context.Context) (*mcp.CallToolResult, error) {
		ctx, cancel := c.bound(ctx)
		defer cancel()
		return c.conn.CallTool(ctx, req)
	})
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// transient retries everything but context expiry.
func transient(err error) bool {
	return !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded)
}

func (c *Client) cached() ([]mcp.Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cacheTTL == 0 || c.tools == nil || time.Since(c.cachedAt) > c.cacheTTL {
		return nil, false
	}
	return append([]mcp.Tool(nil), c.tools...), true
}

func (c *Client) remember(tools []mcp.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = append(make([]mcp.Tool, 0, len(tools)), tools...)
	c.cachedAt = time.Now()
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
