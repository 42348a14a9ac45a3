package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// protocolVersion is the MCP revision this client negotiates.
const protocolVersion = "2024-11-05"

// Client is the contract the rest of the runtime programs against.
type Client interface {
	// Connect performs the initialize handshake and caches the server's
	// toolset.
	Connect(ctx context.Context) error

	// ListTools returns the server's advertised tools.
	ListTools(ctx context.Context) ([]*Tool, error)

	// CallTool invokes a tool by its server-side name.
	CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error)

	// Disconnect tears the connection down.
	Disconnect() error

	// IsConnected reports whether the client is usable.
	IsConnected() bool
}

// ServerClient is the transport-backed Client implementation.
type ServerClient struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
}

var _ Client = (*ServerClient)(nil)

// NewClient creates a client for one configured server.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *ServerClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerClient{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("mcp_server", cfg.ID),
	}
}

// Connect establishes the transport, runs the initialize handshake, and
// caches the toolset.
func (c *ServerClient) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "loom",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()
	c.logger.Info("connected to MCP server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if _, err := c.ListTools(ctx); err != nil {
		c.logger.Warn("failed to list tools", "error", err)
	}
	return nil
}

// ListTools fetches tools/list and refreshes the cache.
func (c *ServerClient) ListTools(ctx context.Context) ([]*Tool, error) {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(resp.Tools))
	return resp.Tools, nil
}

// CachedTools returns the toolset from the last successful ListTools.
func (c *ServerClient) CachedTools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes tools/call.
func (c *ServerClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &callResult, nil
}

// Disconnect closes the transport.
func (c *ServerClient) Disconnect() error {
	return c.transport.Close()
}

// IsConnected reports whether the transport is connected.
func (c *ServerClient) IsConnected() bool {
	return c.transport.Connected()
}

// Config returns the server configuration.
func (c *ServerClient) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns the identity reported at initialize time.
func (c *ServerClient) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}
