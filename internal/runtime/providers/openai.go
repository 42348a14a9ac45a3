package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/internal/runtime"
	"github.com/haasonsaas/loom/internal/runtime/toolconv"
	"github.com/haasonsaas/loom/pkg/models"
)

// OpenAIConfig configures the OpenAI-compatible adapter. Setting BaseURL
// points it at any endpoint speaking the chat-completions protocol
// (OpenRouter, vLLM, LM Studio, Azure-compatible gateways).
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// DefaultModel is used when the request does not name one.
	DefaultModel string
	// Retry overrides the infrastructure retry policy for stream creation.
	Retry retry.Config
}

// OpenAIProvider streams completions from an OpenAI-compatible chat API.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	retry        retry.Config
}

var _ runtime.LLMProvider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds the adapter.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	}
	rc := cfg.Retry
	if rc.MaxAttempts == 0 {
		rc = retry.DefaultConfig()
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		name:         "openai",
		defaultModel: cfg.DefaultModel,
		retry:        rc,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

// Complete opens a streaming chat-completions request with retries on
// transient creation failures.
func (p *OpenAIProvider) Complete(ctx context.Context, req *runtime.CompletionRequest) (<-chan *runtime.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	stream, res := retry.DoWithValue(ctx, p.retry, func(int) (*openai.ChatCompletionStream, error) {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return s, nil
	})
	if res.Err != nil {
		return nil, res.Err
	}

	chunks := make(chan *runtime.CompletionChunk)
	go p.pump(ctx, stream, chunks, model)
	return chunks, nil
}

// pump converts the delta stream into normalized chunks. Tool call fragments
// arrive keyed by index and are accumulated until finish_reason tool_calls
// (or EOF) signals the arguments are complete. Calls without a provider id
// get a minted UUID.
func (p *OpenAIProvider) pump(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *runtime.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*models.ToolCall)
	order := []int{}

	flush := func() bool {
		for _, idx := range order {
			tc := pending[idx]
			if tc == nil || tc.Name == "" {
				continue
			}
			if tc.ID == "" {
				tc.ID = uuid.NewString()
			}
			if len(tc.Args) == 0 {
				tc.Args = json.RawMessage(`{}`)
			}
			if !send(ctx, chunks, &runtime.CompletionChunk{ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*models.ToolCall)
		order = order[:0]
		return true
	}

	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flush() {
					return
				}
				send(ctx, chunks, &runtime.CompletionChunk{Done: true})
				return
			}
			send(ctx, chunks, &runtime.CompletionChunk{Err: p.wrapError(err, model)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			if !send(ctx, chunks, &runtime.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call := pending[idx]
			if call == nil {
				call = &models.ToolCall{}
				pending[idx] = call
				order = append(order, idx)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Args = append(call.Args, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// convertOpenAIMessages maps the conversation history onto the
// chat-completions message list. The system prompt is injected as the first
// message; each tool result becomes its own tool-role message linked by
// ToolCallID.
func convertOpenAIMessages(messages []*models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			result = append(result, out)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			if len(msg.ToolResults) == 0 {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleTool,
					Content: msg.Content,
				})
			}

		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := NewProviderError(p.name, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			perr = perr.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr = perr.WithCode(code)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(p.name, model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError(p.name, model, err)
}
