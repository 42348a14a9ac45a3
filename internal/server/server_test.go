package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/runtime"
	"github.com/haasonsaas/loom/pkg/models"
)

// fakeProvider replays scripted chunk sequences, one per model call.
type fakeProvider struct {
	mu    sync.Mutex
	steps [][]*runtime.CompletionChunk
	calls int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, req *runtime.CompletionRequest) (<-chan *runtime.CompletionChunk, error) {
	p.mu.Lock()
	step := p.calls
	if step >= len(p.steps) {
		step = len(p.steps) - 1
	}
	chunks := p.steps[step]
	p.calls++
	p.mu.Unlock()

	out := make(chan *runtime.CompletionChunk, len(chunks)+1)
	for _, chunk := range chunks {
		out <- chunk
	}
	out <- &runtime.CompletionChunk{Done: true}
	close(out)
	return out, nil
}

// blockingProvider parks until the request context is cancelled.
type blockingProvider struct {
	started chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Complete(ctx context.Context, req *runtime.CompletionRequest) (<-chan *runtime.CompletionChunk, error) {
	out := make(chan *runtime.CompletionChunk, 1)
	go func() {
		defer close(out)
		select {
		case p.started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		out <- &runtime.CompletionChunk{Err: ctx.Err()}
	}()
	return out, nil
}

func newTestServer(t *testing.T, provider runtime.LLMProvider, agents ...*runtime.AgentDefinition) *httptest.Server {
	t.Helper()
	if len(agents) == 0 {
		agents = []*runtime.AgentDefinition{{
			ID:    "concierge",
			Model: runtime.ModelConfig{Provider: provider.Name(), Model: "test-model"},
		}}
	}

	orch, err := runtime.NewOrchestrator(agents, agents[0].ID,
		runtime.StaticProviders(map[string]runtime.LLMProvider{provider.Name(): provider}),
		runtime.Config{RequestTimeout: 5 * time.Second}, runtime.Hooks{}, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	srv := New(orch, nil, Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postTurn(t *testing.T, ts *httptest.Server, body map[string]any) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+"/v1/turns", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /v1/turns: %v", err)
	}
	return resp
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data models.RuntimeEvent
}

func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var events []sseEvent
	var name string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev models.RuntimeEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad event payload %q: %v", line, err)
			}
			events = append(events, sseEvent{name: name, data: ev})
		}
	}
	return events
}

func TestTurnStreamsSSE(t *testing.T) {
	provider := &fakeProvider{steps: [][]*runtime.CompletionChunk{{
		{Text: "Hi "},
		{Text: "there"},
	}}}
	ts := newTestServer(t, provider)

	resp := postTurn(t, ts, map[string]any{"conversationId": "c1", "message": "hello"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	events := readSSE(t, resp)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].name != "text-delta" || events[0].data.Delta != "Hi " {
		t.Errorf("events[0] = %+v, want text-delta Hi ", events[0])
	}
	last := events[len(events)-1]
	if last.name != "text-complete" || last.data.Content != "Hi there" {
		t.Errorf("last event = %+v, want text-complete with full content", last)
	}
}

func TestTurnRejectsMissingMessage(t *testing.T) {
	ts := newTestServer(t, &fakeProvider{steps: [][]*runtime.CompletionChunk{{}}})

	resp := postTurn(t, ts, map[string]any{"conversationId": "c1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTurnConflictWhenBusy(t *testing.T) {
	provider := &blockingProvider{started: make(chan struct{}, 1)}
	ts := newTestServer(t, provider)

	first := postTurn(t, ts, map[string]any{"conversationId": "c1", "message": "hello"})
	defer first.Body.Close()

	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the provider")
	}

	second := postTurn(t, ts, map[string]any{"conversationId": "c1", "message": "again"})
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", second.StatusCode)
	}
	var body struct {
		Code models.ErrorCode `json:"code"`
	}
	if err := json.NewDecoder(second.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != models.CodeConversationBusy {
		t.Fatalf("code = %q, want CONVERSATION_BUSY", body.Code)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	provider := &fakeProvider{steps: [][]*runtime.CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "call-1", Name: "deploy", Args: json.RawMessage(`{}`)}}},
		{{Text: "deployed"}},
	}}
	agent := &runtime.AgentDefinition{
		ID:    "ops",
		Model: runtime.ModelConfig{Provider: "fake", Model: "test-model"},
		Tools: []*runtime.ToolDefinition{{
			Name:             "deploy",
			InputSchema:      json.RawMessage(`{"type":"object"}`),
			RequiresApproval: true,
			Execute: func(ctx context.Context, tctx runtime.ToolContext, args json.RawMessage) (*runtime.ToolOutcome, error) {
				return runtime.TextOutcome("done"), nil
			},
		}},
	}
	ts := newTestServer(t, provider, agent)

	resp := postTurn(t, ts, map[string]any{"conversationId": "c1", "message": "ship it"})
	defer resp.Body.Close()

	// Read until the approval request arrives, then answer it over the
	// approvals endpoint while the stream stays open.
	scanner := bufio.NewScanner(resp.Body)
	var sawApproval, sawResult, sawComplete bool
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.RuntimeEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event payload %q: %v", line, err)
		}
		switch ev.Type {
		case models.EventApprovalRequired:
			sawApproval = true
			submitApproval(t, ts, "c1", ev.ToolCallID, true, http.StatusOK)
			// A repeat submission is idempotent.
			submitApproval(t, ts, "c1", ev.ToolCallID, false, http.StatusOK)
		case models.EventToolCallResult:
			sawResult = true
		case models.EventTextComplete:
			sawComplete = true
		}
	}
	if !sawApproval || !sawResult || !sawComplete {
		t.Fatalf("approval=%v result=%v complete=%v, want all true", sawApproval, sawResult, sawComplete)
	}
}

func submitApproval(t *testing.T, ts *httptest.Server, conversationID, toolCallID string, approved bool, wantStatus int) {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{
		"conversationId": conversationID,
		"toolCallId":     toolCallID,
		"approved":       approved,
	})
	resp, err := http.Post(ts.URL+"/v1/approvals", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /v1/approvals: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("approval status = %d, want %d", resp.StatusCode, wantStatus)
	}
}

func TestApprovalNotFound(t *testing.T) {
	ts := newTestServer(t, &fakeProvider{steps: [][]*runtime.CompletionChunk{{}}})

	payload, _ := json.Marshal(map[string]any{
		"conversationId": "ghost",
		"toolCallId":     "call-404",
		"approved":       true,
	})
	resp, err := http.Post(ts.URL+"/v1/approvals", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /v1/approvals: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestConversationInspection(t *testing.T) {
	provider := &fakeProvider{steps: [][]*runtime.CompletionChunk{{{Text: "hello back"}}}}
	ts := newTestServer(t, provider)

	resp := postTurn(t, ts, map[string]any{"conversationId": "c1", "message": "hello"})
	readSSE(t, resp)
	resp.Body.Close()

	list, err := http.Get(ts.URL + "/v1/conversations")
	if err != nil {
		t.Fatalf("GET /v1/conversations: %v", err)
	}
	defer list.Body.Close()
	var listBody struct {
		Conversations []string `json:"conversations"`
	}
	if err := json.NewDecoder(list.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Conversations) != 1 || listBody.Conversations[0] != "c1" {
		t.Fatalf("conversations = %v, want [c1]", listBody.Conversations)
	}

	get, err := http.Get(ts.URL + "/v1/conversations/c1")
	if err != nil {
		t.Fatalf("GET /v1/conversations/c1: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", get.StatusCode)
	}
	var getBody struct {
		Conversation runtime.ConversationSnapshot `json:"conversation"`
	}
	if err := json.NewDecoder(get.Body).Decode(&getBody); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if got := len(getBody.Conversation.Messages); got != 2 {
		t.Errorf("got %d messages, want user + assistant", got)
	}

	missing, err := http.Get(ts.URL + "/v1/conversations/ghost")
	if err != nil {
		t.Fatalf("GET missing conversation: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", missing.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &fakeProvider{steps: [][]*runtime.CompletionChunk{{}}})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}
