package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/loom/internal/runtime"
	"github.com/haasonsaas/loom/internal/runtime/toolconv"
	"github.com/haasonsaas/loom/pkg/models"
)

// OllamaConfig configures the Ollama adapter.
type OllamaConfig struct {
	// BaseURL defaults to http://localhost:11434.
	BaseURL string
	// DefaultModel is used when the request does not name one.
	DefaultModel string
	// Timeout bounds one whole request including the stream.
	Timeout time.Duration
}

// OllamaProvider streams completions from Ollama's /api/chat NDJSON
// endpoint. Ollama does not assign tool call ids, so every emitted call
// carries a minted UUID.
type OllamaProvider struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

var _ runtime.LLMProvider = (*OllamaProvider)(nil)

// NewOllamaProvider builds the adapter.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

// Complete sends a streaming chat request.
func (p *OllamaProvider) Complete(ctx context.Context, req *runtime.CompletionRequest) (<-chan *runtime.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("ollama: request is nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewProviderError("ollama", req.Model, errors.New("model is required"))
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = toolconv.ToOpenAITools(req.Tools)
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, NewProviderError("ollama", model,
				fmt.Errorf("ollama status %d (read body failed: %w)", resp.StatusCode, readErr)).WithStatus(resp.StatusCode)
		}
		return nil, NewProviderError("ollama", model,
			fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}

	chunks := make(chan *runtime.CompletionChunk)
	go p.pump(ctx, resp.Body, chunks, model)
	return chunks, nil
}

func (p *OllamaProvider) pump(ctx context.Context, body io.ReadCloser, out chan<- *runtime.CompletionChunk, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Ollama can repeat tool calls across NDJSON lines; dedupe on a stable
	// key so each call is emitted once.
	emitted := map[string]struct{}{}
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			send(ctx, out, &runtime.CompletionChunk{Err: NewProviderError("ollama", model, fmt.Errorf("decode response: %w", err))})
			return
		}
		if resp.Error != "" {
			send(ctx, out, &runtime.CompletionChunk{Err: NewProviderError("ollama", model, errors.New(resp.Error))})
			return
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				if !send(ctx, out, &runtime.CompletionChunk{Text: resp.Message.Content}) {
					return
				}
			}
			for _, tc := range resp.Message.ToolCalls {
				key := ollamaToolCallKey(tc)
				if key != "" {
					if _, dup := emitted[key]; dup {
						continue
					}
					emitted[key] = struct{}{}
				}
				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				if !send(ctx, out, &runtime.CompletionChunk{ToolCall: &models.ToolCall{
					ID:   uuid.NewString(),
					Name: strings.TrimSpace(tc.Function.Name),
					Args: args,
				}}) {
					return
				}
			}
		}

		if resp.Done {
			send(ctx, out, &runtime.CompletionChunk{Done: true})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, out, &runtime.CompletionChunk{Err: NewProviderError("ollama", model, err)})
		return
	}
	send(ctx, out, &runtime.CompletionChunk{Done: true})
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message *ollamaChatMessage `json:"message"`
	Done    bool               `json:"done"`
	Error   string             `json:"error"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(req *runtime.CompletionRequest) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)

	// Tool result messages need the tool name; recover it from the call.
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleAssistant:
			out := ollamaChatMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				out.ToolCalls = append(out.ToolCalls, ollamaToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, out)

		case models.RoleTool:
			if len(msg.ToolResults) == 0 {
				messages = append(messages, ollamaChatMessage{Role: "tool", Content: msg.Content})
				continue
			}
			for _, tr := range msg.ToolResults {
				messages = append(messages, ollamaChatMessage{
					Role:     "tool",
					Content:  tr.Content,
					ToolName: toolNames[tr.ToolCallID],
				})
			}

		case models.RoleSystem:
			messages = append(messages, ollamaChatMessage{Role: "system", Content: msg.Content})

		default:
			messages = append(messages, ollamaChatMessage{Role: "user", Content: msg.Content})
		}
	}
	return messages
}

func ollamaToolCallKey(tc ollamaToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
