// Package runtime implements the multi-agent conversation runtime: the
// agentic loop state machine that drives one user turn through model-stream,
// tool-execution, and feed-back cycles, coordinated with approvals, retries,
// iteration caps, timeouts, cancellation, and agent handoffs.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// DefaultMaxIterations caps loop iterations for agents that don't set their
// own limit.
const DefaultMaxIterations = 10

// DefaultMaxAgentsPerTurn caps how many agents one turn may visit via
// handoffs.
const DefaultMaxAgentsPerTurn = 5

// AgentContext is passed to dynamic system prompts and hooks.
type AgentContext struct {
	ConversationID string
	UserID         string
	AgentID        string
	Frontend       map[string]any
}

// ModelConfig selects and parameterizes a model backend.
type ModelConfig struct {
	// Provider names the adapter: "openai", "anthropic", "ollama".
	Provider string
	// Model is the provider-specific model identifier.
	Model string
	// Temperature, when > 0, overrides the provider default.
	Temperature float32
	// MaxTokens, when > 0, caps the response length.
	MaxTokens int
	// APIKey authenticates against the provider. APIKeyFunc takes
	// precedence when set, letting callers plug in rotating credentials.
	APIKey     string
	APIKeyFunc func(ctx context.Context) (string, error)
	// BaseURL overrides the provider endpoint (OpenAI-compatible backends,
	// local Ollama).
	BaseURL string
}

// ResolveAPIKey returns the effective API key for a request.
func (m *ModelConfig) ResolveAPIKey(ctx context.Context) (string, error) {
	if m.APIKeyFunc != nil {
		return m.APIKeyFunc(ctx)
	}
	return m.APIKey, nil
}

// AgentDefinition is an immutable named configuration that produces
// assistant messages. Definitions are registered at startup and never
// mutated afterwards.
type AgentDefinition struct {
	ID          string
	Name        string
	Description string
	Model       ModelConfig

	// SystemPrompt is the static prompt. SystemPromptFunc takes precedence
	// when set and is resolved per request with the agent context.
	SystemPrompt     string
	SystemPromptFunc func(AgentContext) string

	// Tools the agent may call, beyond generated handoff tools.
	Tools []*ToolDefinition

	// AllowedMCPServers limits which MCP servers may contribute tools to
	// this agent. Empty means all registered servers.
	AllowedMCPServers []string

	// CanHandoffTo lists agent ids this agent may transfer the
	// conversation to. A handoff tool is generated per target.
	CanHandoffTo []string

	// MaxIterations caps loop cycles per turn. Zero means
	// DefaultMaxIterations. The cap is cumulative across agents within a
	// turn; it is never reset by a handoff.
	MaxIterations int
}

// EffectiveMaxIterations returns the iteration cap for this agent.
func (a *AgentDefinition) EffectiveMaxIterations() int {
	if a.MaxIterations > 0 {
		return a.MaxIterations
	}
	return DefaultMaxIterations
}

// ResolveSystemPrompt evaluates the system prompt for a request.
func (a *AgentDefinition) ResolveSystemPrompt(actx AgentContext) string {
	if a.SystemPromptFunc != nil {
		return a.SystemPromptFunc(actx)
	}
	return a.SystemPrompt
}

// Validate checks an agent definition for configuration errors.
func (a *AgentDefinition) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if a.Model.Provider == "" {
		return fmt.Errorf("agent %s: model provider is required", a.ID)
	}
	if a.Model.Model == "" {
		return fmt.Errorf("agent %s: model is required", a.ID)
	}
	for _, target := range a.CanHandoffTo {
		if target == a.ID {
			return fmt.Errorf("agent %s: cannot hand off to itself", a.ID)
		}
	}
	return nil
}

// TurnInput is one user turn submitted to the orchestrator.
type TurnInput struct {
	ConversationID string
	UserID         string
	Message        string
	// Context is opaque frontend state made available to tools and dynamic
	// system prompts.
	Context     map[string]any
	Attachments []models.Attachment
	// ClientTools are frontend-declared tools valid for this turn only.
	ClientTools []*ToolDefinition
}

// ToolContext carries per-call context into tool executors.
type ToolContext struct {
	ConversationID string
	UserID         string
	AgentID        string
	Frontend       map[string]any
}

// Hooks are best-effort observation points. Hook panics and errors are
// logged, never propagated; they cannot abort a turn.
type Hooks struct {
	OnTurnStart  func(ctx context.Context, conversationID string)
	OnTurnEnd    func(ctx context.Context, conversationID string, duration time.Duration)
	OnToolCall   func(name string, args []byte)
	OnToolResult func(name string, result []byte)
}
