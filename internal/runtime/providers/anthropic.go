package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/internal/runtime"
	"github.com/haasonsaas/loom/internal/runtime/toolconv"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096

	// maxEmptyStreamEvents bounds consecutive no-op SSE events before the
	// stream is treated as malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the API endpoint, for proxies and gateways.
	BaseURL string
	// DefaultModel is used when the request does not name one.
	DefaultModel string
	// Retry overrides the infrastructure retry policy for stream creation.
	Retry retry.Config
}

// AnthropicProvider streams completions from the Anthropic Messages API.
// Safe for concurrent use; each Complete call owns an independent stream.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retry        retry.Config
}

var _ runtime.LLMProvider = (*AnthropicProvider)(nil)

// NewAnthropicProvider builds the adapter, applying defaults for optional
// fields.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = defaultAnthropicModel
	}
	rc := cfg.Retry
	if rc.MaxAttempts == 0 {
		rc = retry.DefaultConfig()
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		retry:        rc,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete opens a streaming Messages request. Transient creation failures
// are retried with backoff before the error is surfaced on the channel.
func (p *AnthropicProvider) Complete(ctx context.Context, req *runtime.CompletionRequest) (<-chan *runtime.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *runtime.CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		res := retry.Do(ctx, p.retry, func(int) error {
			s := p.client.Messages.NewStreaming(ctx, params)
			if err := s.Err(); err != nil {
				s.Close()
				return p.wrapError(err, model)
			}
			stream = s
			return nil
		})
		if res.Err != nil {
			send(ctx, chunks, &runtime.CompletionChunk{Err: res.Err})
			return
		}
		defer stream.Close()
		p.pump(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *runtime.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// pump translates the SSE event stream into normalized chunks. Tool call
// arguments arrive as input_json_delta fragments and are reassembled here;
// the provider's tool_use id is forwarded unchanged.
func (p *AnthropicProvider) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *runtime.CompletionChunk, model string) {
	var toolCall *models.ToolCall
	var toolArgs strings.Builder
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolCall = &models.ToolCall{ID: use.ID, Name: use.Name}
				toolArgs.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(ctx, chunks, &runtime.CompletionChunk{Text: delta.Text}) {
						return
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !send(ctx, chunks, &runtime.CompletionChunk{Reasoning: delta.Thinking}) {
						return
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolArgs.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if toolCall != nil {
				args := toolArgs.String()
				if args == "" {
					args = "{}"
				}
				toolCall.Args = json.RawMessage(args)
				if !send(ctx, chunks, &runtime.CompletionChunk{ToolCall: toolCall}) {
					return
				}
				toolCall = nil
				processed = true
			}

		case "message_start", "message_delta":
			processed = true

		case "message_stop":
			send(ctx, chunks, &runtime.CompletionChunk{Done: true})
			return

		case "error":
			send(ctx, chunks, &runtime.CompletionChunk{Err: p.wrapError(errors.New("anthropic stream error"), model)})
			return
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			send(ctx, chunks, &runtime.CompletionChunk{Err: p.wrapError(
				fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents), model)})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, chunks, &runtime.CompletionChunk{Err: p.wrapError(err, model)})
		return
	}
	send(ctx, chunks, &runtime.CompletionChunk{Done: true})
}

// convertAnthropicMessages maps the conversation history onto Anthropic's
// content-block format. System messages are carried in params.System, not
// the message list; tool-role messages fold into user messages holding
// tool_result blocks.
func convertAnthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" && len(msg.ToolResults) == 0 {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Args, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call args for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both become user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)
		perr.Message = "anthropic request failed"
		if apiErr.RequestID != "" {
			perr = perr.WithRequestID(apiErr.RequestID)
		}
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					perr = perr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					perr = perr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					perr = perr.WithRequestID(payload.RequestID)
				}
			}
		}
		return perr
	}

	return NewProviderError("anthropic", model, err)
}
