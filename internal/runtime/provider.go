package runtime

import (
	"context"
	"fmt"

	"github.com/haasonsaas/loom/pkg/models"
)

// CompletionRequest is one normalized model call: the conversation so far,
// the effective toolset, and model parameters.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []*models.Message
	Tools       []*ToolDefinition
	MaxTokens   int
	Temperature float32
}

// CompletionChunk is one normalized streaming event from a provider. Exactly
// one of Text, Reasoning, ToolCall, Done, or Err is meaningful per chunk.
// ToolCall chunks carry complete, reassembled arguments; providers own their
// protocol-specific reassembly buffers.
type CompletionChunk struct {
	Text      string
	Reasoning string
	ToolCall  *models.ToolCall
	Done      bool
	Err       error
}

// LLMProvider is the single streaming contract every adapter implements.
// Adapters are the only place provider protocol shapes are known.
type LLMProvider interface {
	// Name returns the provider identifier ("openai", "anthropic",
	// "ollama").
	Name() string

	// Complete opens a streaming model call. The returned channel is
	// closed after the Done or Err chunk. Adapters retry transient
	// failures internally with the infrastructure retry policy before
	// surfacing an error.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// ProviderFactory resolves a model config to an adapter instance.
type ProviderFactory func(ctx context.Context, cfg ModelConfig) (LLMProvider, error)

// StaticProviders builds a factory from a fixed provider map keyed by
// provider name.
func StaticProviders(providers map[string]LLMProvider) ProviderFactory {
	return func(ctx context.Context, cfg ModelConfig) (LLMProvider, error) {
		p, ok := providers[cfg.Provider]
		if !ok {
			return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
		}
		return p, nil
	}
}
