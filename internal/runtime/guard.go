package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	// DefaultToolTimeout bounds a single tool execution.
	DefaultToolTimeout = 30 * time.Second

	// DefaultMaxResultBytes caps the serialized size of a tool result fed
	// back to the model.
	DefaultMaxResultBytes = 64 * 1024
)

// GuardConfig tunes the tool guard layer.
type GuardConfig struct {
	ToolTimeout    time.Duration
	MaxResultBytes int
}

// Guards wraps tool execution with schema validation, hook firing, a
// per-call timeout, and result-size enforcement.
type Guards struct {
	config GuardConfig
	hooks  Hooks
	logger *slog.Logger
}

// GuardResult is a successful guarded execution.
type GuardResult struct {
	Outcome *ToolOutcome
	// Truncated is set when the serialized result exceeded the size cap
	// and was replaced by the {"truncated":true,"size":N} placeholder.
	Truncated bool
	// Size is the serialized result size in bytes before replacement.
	Size int
}

// NewGuards creates the guard layer. Zero config fields fall back to
// defaults.
func NewGuards(config GuardConfig, hooks Hooks, logger *slog.Logger) *Guards {
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = DefaultToolTimeout
	}
	if config.MaxResultBytes <= 0 {
		config.MaxResultBytes = DefaultMaxResultBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guards{
		config: config,
		hooks:  hooks,
		logger: logger.With("component", "tool-guards"),
	}
}

// Execute runs one tool call under the full guard sequence. Failures carry a
// stable code via CodedError: TOOL_INPUT_INVALID for schema failures,
// TOOL_TIMEOUT for deadline expiry, TOOL_RESULT_TOO_LARGE for oversize
// results, TOOL_EXECUTION_ERROR otherwise.
func (g *Guards) Execute(ctx context.Context, reg *Registry, tool *ToolDefinition, tctx ToolContext, args json.RawMessage) (*GuardResult, error) {
	ctx, span := otel.Tracer("loom/runtime").Start(ctx, "tool.execute")
	span.SetAttributes(attribute.String("tool.name", tool.Name))
	defer span.End()

	if err := reg.ValidateArgs(tool.Name, args); err != nil {
		return nil, Coded(models.CodeToolInputInvalid, err)
	}

	g.fireToolCallHook(tool.Name, args)

	outcome, err := retry.WithTimeout(ctx, g.config.ToolTimeout,
		fmt.Sprintf("tool %s timed out after %s", tool.Name, g.config.ToolTimeout),
		string(models.CodeToolTimeout),
		func(ctx context.Context) (*ToolOutcome, error) {
			return tool.Execute(ctx, tctx, args)
		})
	if err != nil {
		if te, ok := retry.IsTimeout(err); ok {
			return nil, Coded(models.ErrorCode(te.Code), err)
		}
		var coded *CodedError
		if errors.As(err, &coded) {
			return nil, coded
		}
		return nil, Coded(CodeToolExecutionError, err)
	}
	if outcome == nil {
		outcome = ValueOutcome(json.RawMessage("null"))
	}

	result := &GuardResult{Outcome: outcome}
	if value, ok := outcome.Value(); ok {
		serialized := value
		if len(serialized) == 0 {
			serialized = json.RawMessage("null")
		}
		result.Size = len(serialized)
		if result.Size > g.config.MaxResultBytes {
			placeholder := mustMarshal(map[string]any{"truncated": true, "size": result.Size})
			result.Outcome = ValueOutcome(placeholder)
			result.Truncated = true
			g.logger.Warn("tool result truncated",
				"tool", tool.Name,
				"size", result.Size,
				"limit", g.config.MaxResultBytes)
		}
		g.fireToolResultHook(tool.Name, serialized)
	}

	return result, nil
}

// CodeToolExecutionError classifies tool failures that are neither schema,
// timeout, nor size violations.
const CodeToolExecutionError models.ErrorCode = "TOOL_EXECUTION_ERROR"

func (g *Guards) fireToolCallHook(name string, args json.RawMessage) {
	if g.hooks.OnToolCall == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("onToolCall hook panicked", "tool", name, "panic", r)
		}
	}()
	g.hooks.OnToolCall(name, args)
}

func (g *Guards) fireToolResultHook(name string, result json.RawMessage) {
	if g.hooks.OnToolResult == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("onToolResult hook panicked", "tool", name, "panic", r)
		}
	}()
	g.hooks.OnToolResult(name, result)
}
