package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager owns the connections to all configured MCP servers.
type Manager struct {
	config  *Config
	logger  *slog.Logger
	clients map[string]Client
	mu      sync.RWMutex
}

// Config holds the MCP manager configuration.
type Config struct {
	Enabled bool            `yaml:"enabled"`
	Servers []*ServerConfig `yaml:"servers"`
}

// Validate checks every server configuration and rejects duplicate IDs.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for _, serverCfg := range c.Servers {
		if err := serverCfg.Validate(); err != nil {
			return err
		}
		if _, dup := seen[serverCfg.ID]; dup {
			return fmt.Errorf("duplicate MCP server ID %q", serverCfg.ID)
		}
		seen[serverCfg.ID] = struct{}{}
	}
	return nil
}

// NewManager creates an MCP manager.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]Client),
	}
}

// Start connects to all configured servers with auto_start enabled. A server
// that fails to connect is logged and skipped; the others still come up.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("MCP disabled")
		return nil
	}

	for _, serverCfg := range m.config.Servers {
		if !serverCfg.AutoStart {
			continue
		}
		if err := m.Connect(ctx, serverCfg.ID); err != nil {
			m.logger.Error("failed to connect to MCP server",
				"server", serverCfg.ID,
				"error", err)
		}
	}
	return nil
}

// Stop disconnects from all servers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, client := range m.clients {
		if err := client.Disconnect(); err != nil {
			m.logger.Error("failed to disconnect MCP client",
				"server", id,
				"error", err)
		}
		delete(m.clients, id)
	}
	return nil
}

// Connect connects to one configured server by ID. Connecting an already
// connected server is a no-op.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	var serverCfg *ServerConfig
	for _, cfg := range m.config.Servers {
		if cfg.ID == serverID {
			serverCfg = cfg
			break
		}
	}
	if serverCfg == nil {
		return fmt.Errorf("server %q not found in config", serverID)
	}
	if err := serverCfg.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	if _, exists := m.clients[serverID]; exists {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	client := NewClient(serverCfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[serverID] = client
	m.mu.Unlock()

	m.logger.Info("connected to MCP server",
		"server", serverID,
		"name", client.ServerInfo().Name)
	return nil
}

// Disconnect disconnects one server.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[serverID]
	if !exists {
		return nil
	}
	if err := client.Disconnect(); err != nil {
		return err
	}
	delete(m.clients, serverID)
	m.logger.Info("disconnected from MCP server", "server", serverID)
	return nil
}

// Client returns the client for a server.
func (m *Manager) Client(serverID string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[serverID]
	return client, exists
}

// register installs a pre-built client under an ID. Tests use it to plug in
// fakes.
func (m *Manager) register(serverID string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[serverID] = client
}

// AllTools fetches the toolsets of all connected servers, keyed by server ID.
// A server whose tools/list fails is logged and omitted.
func (m *Manager) AllTools(ctx context.Context) map[string][]*Tool {
	m.mu.RLock()
	clients := make(map[string]Client, len(m.clients))
	for id, client := range m.clients {
		clients[id] = client
	}
	m.mu.RUnlock()

	result := make(map[string][]*Tool)
	for id, client := range clients {
		tools, err := client.ListTools(ctx)
		if err != nil {
			m.logger.Warn("failed to list tools", "server", id, "error", err)
			continue
		}
		if len(tools) > 0 {
			result[id] = tools
		}
	}
	return result
}

// CallTool invokes a tool on a specific server.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}
	return client.CallTool(ctx, toolName, arguments)
}

// ServerTimeout returns the configured per-request timeout for a server, or
// zero when the server is unknown.
func (m *Manager) ServerTimeout(serverID string) time.Duration {
	if m.config == nil {
		return 0
	}
	for _, cfg := range m.config.Servers {
		if cfg.ID == serverID {
			return cfg.Timeout
		}
	}
	return 0
}

// ServerStatus describes one configured server for health reporting.
type ServerStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server,omitempty"`
}

// Status reports all configured servers, connected or not, in config order.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return nil
	}
	statuses := make([]ServerStatus, 0, len(m.config.Servers))
	for _, cfg := range m.config.Servers {
		status := ServerStatus{ID: cfg.ID, Name: cfg.Name}
		if client, exists := m.clients[cfg.ID]; exists {
			status.Connected = client.IsConnected()
			if sc, ok := client.(*ServerClient); ok {
				status.Server = sc.ServerInfo()
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ConnectedServerIDs returns the IDs of connected servers, sorted.
func (m *Manager) ConnectedServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
