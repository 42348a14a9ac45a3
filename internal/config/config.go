// Package config loads the YAML configuration: agents, providers, MCP
// servers, and the HTTP server. Values support ${ENV} expansion; defaults
// are filled on load and the result is validated before use.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/loom/internal/mcp"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Logging   LoggingConfig             `yaml:"logging"`
	Runtime   RuntimeConfig             `yaml:"runtime"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Agents    []AgentConfig             `yaml:"agents"`
	MCP       mcp.Config                `yaml:"mcp"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// RuntimeConfig tunes the orchestrator.
type RuntimeConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ApprovalTimeout  time.Duration `yaml:"approval_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	MaxToolResultKB  int           `yaml:"max_tool_result_kb"`
	MaxAgentsPerTurn int           `yaml:"max_agents_per_turn"`
	EventBuffer      int           `yaml:"event_buffer"`
}

// ProviderConfig holds credentials and defaults for one provider, keyed by
// provider name (anthropic, openai, ollama).
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// AgentConfig declares one agent.
type AgentConfig struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	Description  string  `yaml:"description"`
	Provider     string  `yaml:"provider"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`

	CanHandoffTo      []string `yaml:"can_handoff_to"`
	AllowedMCPServers []string `yaml:"allowed_mcp_servers"`
	MaxIterations     int      `yaml:"max_iterations"`

	// RequireApproval lists tool names gated behind human approval for this
	// agent, applied on top of each tool's own flag.
	RequireApproval []string `yaml:"require_approval"`
}

// DefaultAgentID returns the configured default agent: the first one.
func (c *Config) DefaultAgentID() string {
	if len(c.Agents) == 0 {
		return ""
	}
	return c.Agents[0].ID
}

// Load reads, expands, parses, defaults, and validates a config file.
// Unknown fields are errors so typos surface at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse loads configuration from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single document")
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Runtime.RequestTimeout == 0 {
		cfg.Runtime.RequestTimeout = 30 * time.Second
	}
	if cfg.Runtime.ToolTimeout == 0 {
		cfg.Runtime.ToolTimeout = 60 * time.Second
	}
	if cfg.Runtime.MaxToolResultKB == 0 {
		cfg.Runtime.MaxToolResultKB = 256
	}
}

// Validate checks cross-field consistency: agent identity, provider
// references, handoff targets, and MCP server references.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}

	agentIDs := make(map[string]struct{}, len(c.Agents))
	for _, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent id is required")
		}
		if _, dup := agentIDs[agent.ID]; dup {
			return fmt.Errorf("duplicate agent id: %s", agent.ID)
		}
		agentIDs[agent.ID] = struct{}{}
	}

	mcpServers := make(map[string]struct{}, len(c.MCP.Servers))
	for _, server := range c.MCP.Servers {
		mcpServers[server.ID] = struct{}{}
	}

	for _, agent := range c.Agents {
		if agent.Provider == "" {
			return fmt.Errorf("agent %s: provider is required", agent.ID)
		}
		if _, ok := c.Providers[agent.Provider]; !ok && agent.Provider != "ollama" {
			return fmt.Errorf("agent %s: provider %q is not configured", agent.ID, agent.Provider)
		}
		if agent.Model == "" && c.Providers[agent.Provider].DefaultModel == "" {
			return fmt.Errorf("agent %s: model is required (no provider default)", agent.ID)
		}
		for _, target := range agent.CanHandoffTo {
			if _, ok := agentIDs[target]; !ok {
				return fmt.Errorf("agent %s: handoff target %q is not a configured agent", agent.ID, target)
			}
			if target == agent.ID {
				return fmt.Errorf("agent %s: cannot hand off to itself", agent.ID)
			}
		}
		for _, server := range agent.AllowedMCPServers {
			if _, ok := mcpServers[server]; !ok {
				return fmt.Errorf("agent %s: allowed MCP server %q is not configured", agent.ID, server)
			}
		}
	}

	if err := c.MCP.Validate(); err != nil {
		return err
	}
	return nil
}
