package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const validConfig = `
server:
  addr: ":9090"
logging:
  level: debug
providers:
  anthropic:
    api_key: ${LOOM_TEST_KEY}
    default_model: claude-sonnet-4-20250514
agents:
  - id: concierge
    provider: anthropic
    system_prompt: You are the concierge.
    can_handoff_to: [billing]
  - id: billing
    provider: anthropic
    model: claude-sonnet-4-20250514
mcp:
  enabled: true
  servers:
    - id: files
      transport: stdio
      command: mcp-files
`

func TestParseExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("LOOM_TEST_KEY", "sk-test-123")

	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Providers["anthropic"].APIKey != "sk-test-123" {
		t.Errorf("api key not expanded: %q", cfg.Providers["anthropic"].APIKey)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format default = %q, want json", cfg.Logging.Format)
	}
	if cfg.Runtime.RequestTimeout != 30*time.Second {
		t.Errorf("Runtime.RequestTimeout default = %v, want 30s", cfg.Runtime.RequestTimeout)
	}
	if cfg.Runtime.MaxToolResultKB != 256 {
		t.Errorf("Runtime.MaxToolResultKB default = %d, want 256", cfg.Runtime.MaxToolResultKB)
	}
	if cfg.DefaultAgentID() != "concierge" {
		t.Errorf("DefaultAgentID() = %q, want concierge", cfg.DefaultAgentID())
	}
	if !cfg.MCP.Enabled || len(cfg.MCP.Servers) != 1 {
		t.Errorf("MCP config not parsed: %+v", cfg.MCP)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("agents:\n  - id: a\n    provider: p\n    modle: oops\n"))
	if err == nil {
		t.Fatal("Parse() = nil, want unknown field error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no agents",
			yaml:    "server:\n  addr: \":8080\"\n",
			wantErr: "at least one agent",
		},
		{
			name: "duplicate agent ids",
			yaml: `
providers:
  ollama: {}
agents:
  - {id: a, provider: ollama, model: llama3}
  - {id: a, provider: ollama, model: llama3}
`,
			wantErr: "duplicate agent id",
		},
		{
			name: "unconfigured provider",
			yaml: `
agents:
  - {id: a, provider: anthropic, model: m}
`,
			wantErr: "not configured",
		},
		{
			name: "dangling handoff target",
			yaml: `
providers:
  ollama: {}
agents:
  - {id: a, provider: ollama, model: llama3, can_handoff_to: [ghost]}
`,
			wantErr: "not a configured agent",
		},
		{
			name: "self handoff",
			yaml: `
providers:
  ollama: {}
agents:
  - {id: a, provider: ollama, model: llama3, can_handoff_to: [a]}
`,
			wantErr: "cannot hand off to itself",
		},
		{
			name: "unknown mcp server reference",
			yaml: `
providers:
  ollama: {}
agents:
  - {id: a, provider: ollama, model: llama3, allowed_mcp_servers: [ghost]}
`,
			wantErr: "not configured",
		},
		{
			name: "missing model with no provider default",
			yaml: `
providers:
  anthropic:
    api_key: k
agents:
  - {id: a, provider: anthropic}
`,
			wantErr: "model is required",
		},
		{
			name: "invalid mcp server config",
			yaml: `
providers:
  ollama: {}
agents:
  - {id: a, provider: ollama, model: llama3}
mcp:
  enabled: true
  servers:
    - {id: bad, transport: http}
`,
			wantErr: "URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Parse() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Parse() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")

	initial := "providers:\n  ollama: {}\nagents:\n  - {id: a, provider: ollama, model: llama3}\n"
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int64
	var lastAddr atomic.Value
	w := NewWatcher(path, func(cfg *Config) {
		reloads.Add(1)
		lastAddr.Store(cfg.Server.Addr)
	}, nil)
	w.debounce = 20 * time.Millisecond

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	updated := "server:\n  addr: \":7070\"\n" + initial
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reloads.Load() == 0 {
		t.Fatal("watcher never reloaded")
	}
	if got := lastAddr.Load(); got != ":7070" {
		t.Fatalf("reloaded addr = %v, want :7070", got)
	}
}

func TestWatcherKeepsOldConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")

	initial := "providers:\n  ollama: {}\nagents:\n  - {id: a, provider: ollama, model: llama3}\n"
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int64
	w := NewWatcher(path, func(cfg *Config) { reloads.Add(1) }, nil)
	w.debounce = 20 * time.Millisecond

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("agents: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if reloads.Load() != 0 {
		t.Fatalf("invalid config triggered %d reloads, want 0", reloads.Load())
	}
}
