package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// scriptedProvider replays a fixed sequence of streams, one per Complete
// call. With loop set, the last step repeats forever.
type scriptedProvider struct {
	mu    sync.Mutex
	steps [][]*CompletionChunk
	calls int
	loop  bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	if idx >= len(p.steps) {
		if !p.loop {
			p.mu.Unlock()
			return nil, errors.New("script exhausted")
		}
		idx = len(p.steps) - 1
	}
	step := p.steps[idx]
	p.mu.Unlock()

	ch := make(chan *CompletionChunk, len(step)+1)
	for _, chunk := range step {
		ch <- chunk
	}
	ch <- &CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// blockingProvider parks until the context is cancelled.
type blockingProvider struct {
	started chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk, 1)
	if p.started != nil {
		p.started <- struct{}{}
	}
	go func() {
		<-ctx.Done()
		ch <- &CompletionChunk{Err: ctx.Err()}
		close(ch)
	}()
	return ch, nil
}

func toolCallChunk(id, name, args string) *CompletionChunk {
	return &CompletionChunk{ToolCall: &models.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}}
}

func newTestOrchestrator(t *testing.T, agents []*AgentDefinition, provider LLMProvider, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := NewOrchestrator(agents, agents[0].ID,
		StaticProviders(map[string]LLMProvider{"scripted": provider, "blocking": provider}),
		cfg, Hooks{}, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func scriptedAgent(id string, tools ...*ToolDefinition) *AgentDefinition {
	return &AgentDefinition{
		ID:           id,
		Name:         id,
		Model:        ModelConfig{Provider: "scripted", Model: "test-model"},
		SystemPrompt: "s",
		Tools:        tools,
	}
}

func collect(t *testing.T, ch <-chan *models.RuntimeEvent) []*models.RuntimeEvent {
	t.Helper()
	var out []*models.RuntimeEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events; got %d so far", len(out))
		}
	}
}

func eventTypes(events []*models.RuntimeEvent) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// checkToolCallTerminals asserts that every tool-call-start is matched by
// exactly one terminal tool-call event for the same id.
func checkToolCallTerminals(t *testing.T, events []*models.RuntimeEvent) {
	t.Helper()
	terminals := map[string]int{}
	started := map[string]bool{}
	for _, ev := range events {
		switch ev.Type {
		case models.EventToolCallStart:
			started[ev.ToolCallID] = true
		case models.EventToolCallResult, models.EventToolCallError:
			terminals[ev.ToolCallID]++
		}
	}
	for id := range started {
		if terminals[id] != 1 {
			t.Errorf("tool call %s has %d terminal events, want 1", id, terminals[id])
		}
	}
}

func TestPlainTurnNoTools(t *testing.T) {
	provider := &scriptedProvider{steps: [][]*CompletionChunk{
		{{Text: "Hel"}, {Text: "lo"}},
	}}
	o := newTestOrchestrator(t, []*AgentDefinition{scriptedAgent("a")}, provider, nil)

	ch, err := o.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c1", Message: "hi"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := collect(t, ch)

	want := []models.EventType{models.EventTextDelta, models.EventTextDelta, models.EventTextComplete}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if events[0].Delta != "Hel" || events[1].Delta != "lo" {
		t.Errorf("deltas = %q, %q", events[0].Delta, events[1].Delta)
	}
	if events[2].Content != "Hello" {
		t.Errorf("content = %q, want Hello", events[2].Content)
	}
}

func TestSingleToolCallTurn(t *testing.T) {
	provider := &scriptedProvider{steps: [][]*CompletionChunk{
		{toolCallChunk("tc1", "echo", `{"text":"x"}`)},
		{{Text: "done"}},
	}}
	o := newTestOrchestrator(t, []*AgentDefinition{scriptedAgent("a", echoTool(t))}, provider, nil)

	ch, err := o.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := collect(t, ch)

	want := []models.EventType{
		models.EventToolCallStart,
		models.EventToolCallArgs,
		models.EventToolCallResult,
		models.EventTextDelta,
		models.EventTextComplete,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if string(events[2].Result) != `"x"` {
		t.Errorf("result = %s, want \"x\"", events[2].Result)
	}
	checkToolCallTerminals(t, events)

	// The tool result was fed back to the model as a tool-role message.
	conv, _ := o.Conversations().Get("c1")
	var sawToolMsg bool
	for _, msg := range conv.Messages {
		if msg.Role == models.RoleTool && msg.ToolResults[0].ToolCallID == "tc1" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Error("no tool message fed back into the history")
	}
}

func TestApprovalApproved(t *testing.T) {
	gated := echoTool(t)
	gated.RequiresApproval = true
	provider := &scriptedProvider{steps: [][]*CompletionChunk{
		{toolCallChunk("tc1", "echo", `{"text":"x"}`)},
		{{Text: "finished"}},
	}}
	o := newTestOrchestrator(t, []*AgentDefinition{scriptedAgent("a", gated)}, provider, nil)

	ch, err := o.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	var events []*models.RuntimeEvent
	for ev := range ch {
		events = append(events, ev)
		if ev.Type == models.EventApprovalRequired {
			if status := o.SubmitApproval("c1", ev.ToolCallID, ApprovalDecision{Approved: true}); status != SubmitDelivered {
				t.Fatalf("submit status = %s", status)
			}
		}
	}

	got := eventTypes(events)
	want := []models.EventType{
		models.EventToolCallStart,
		models.EventToolCallArgs,
		models.EventApprovalRequired,
		models.EventToolCallResult,
		models.EventTextDelta,
		models.EventTextComplete,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	checkToolCallTerminals(t, events)
}

func TestApprovalRejected(t *testing.T) {
	gated := echoTool(t)
	gated.RequiresApproval = true
	provider := &scriptedProvider{steps: [][]*CompletionChunk{
		{toolCallChunk("tc1", "echo", `{"text":"x"}`)},
		{{Text: "ok, skipped"}},
	}}
	o := newTestOrchestrator(t, []*AgentDefinition{scriptedAgent("a", gated)}, provider, nil)

	ch, err := o.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	var events []*models.RuntimeEvent
	for ev := range ch {
		events = append(events, ev)
		if ev.Type == models.EventApprovalRequired {
			o.SubmitApproval("c1", ev.ToolCallID, ApprovalDecision{Approved: false, Reason: "no"})
		}
	}

	var rejection *models.RuntimeEvent
	for _, ev := range events {
		if ev.Type == models.EventToolCallError {
			rejection = ev
		}
	}
	if rejection == nil {
		t.Fatal("no tool-call-error emitted")
	}
	if rejection.Code != models.CodeUserRejected || rejection.Error != "no" {
		t.Errorf("rejection = %+v, want USER_REJECTED with reason no", rejection)
	}
	last := events[len(events)-1]
	if last.Type != models.EventTextComplete || last.Content != "ok, skipped" {
		t.Errorf("terminal = %+v, want text-complete %q", last, "ok, skipped")
	}
	checkToolCallTerminals(t, events)
}

func TestHandoffTurn(t *testing.T) {
	agentA := scriptedAgent("A")
	agentA.CanHandoffTo = []string{"B"}
	agentB := scriptedAgent("B")
	agentB.Description = "the specialist"

	provider := &scriptedProvider{steps: [][]*CompletionChunk{
		{toolCallChunk("tc1", "handoff_to_B", `{"reason":"needs B"}`)},
		{{Text: "B here"}},
	}}
	o := newTestOrchestrator(t, []*AgentDefinition{agentA, agentB}, provider, nil)

	ch, err := o.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := collect(t, ch)

	got := eventTypes(events)
	want := []models.EventType{
		models.EventToolCallStart,
		models.EventToolCallArgs,
		models.EventAgentHandoff,
		models.EventTextDelta,
		models.EventTextComplete,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	handoff := events[2]
	if handoff.From != "A" || handoff.To != "B" || handoff.Reason != "needs B" {
		t.Errorf("handoff = %+v", handoff)
	}
	// A handoff replaces the tool-call terminal pair; no result event for
	// the handoff call.
	for _, ev := range events {
		if ev.Type == models.EventToolCallResult {
			t.Errorf("unexpected tool-call-result for handoff call: %+v", ev)
		}
	}

	conv, _ := o.Conversations().Get("c1")
	if conv.ActiveAgentID != "B" {
		t.Errorf("active agent = %s, want B", conv.ActiveAgentID)
	}
	if len(conv.Handoffs) != 1 {
		t.Errorf("handoff records = %d, want 1", len(conv.Handoffs))
	}
}

func TestMaxIterationsExceeded(t *testing.T) {
	agent := scriptedAgent("a", echoTool(t))
	agent.MaxIterations = 2
	provider := &scriptedProvider{
		steps: [][]*CompletionChunk{{toolCallChunk("", "echo", `{"text":"again"}`)}},
		loop:  true,
	}
	o := newTestOrchestrator(t, []*AgentDefinition{agent}, provider, nil)

	ch, err := o.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := collect(t, ch)

	last := events[len(events)-1]
	if last.Type != models.EventError || last.Code != models.CodeMaxIterationsExceeded {
		t.Errorf("terminal = %+v, want error MAX_ITERATIONS_EXCEEDED", last)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
	checkToolCallTerminals(t, events)
}

func TestConversationBusy(t *testing.T) {
	started := make(chan struct{}, 1)
	provider := &blockingProvider{started: started}
	agent := scriptedAgent("a")
	agent.Model.Provider = "blocking"
	o := newTestOrchestrator(t, []*AgentDefinition{agent}, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := o.ProcessTurn(ctx, &TurnInput{ConversationID: "c1", Message: "one"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	<-started

	_, err = o.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c1", Message: "two"})
	if CodeOf(err) != models.CodeConversationBusy {
		t.Errorf("second turn code = %s, want CONVERSATION_BUSY (err %v)", CodeOf(err), err)
	}

	// A different conversation is unaffected.
	provider2 := &scriptedProvider{steps: [][]*CompletionChunk{{{Text: "hi"}}}}
	o2 := newTestOrchestrator(t, []*AgentDefinition{scriptedAgent("b")}, provider2, nil)
	ch2, err := o2.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c2", Message: "x"})
	if err != nil {
		t.Fatalf("other conversation: %v", err)
	}
	collect(t, ch2)

	cancel()
	collect(t, ch)
}

func TestCancellationEmitsTerminalError(t *testing.T) {
	started := make(chan struct{}, 1)
	provider := &blockingProvider{started: started}
	agent := scriptedAgent("a")
	agent.Model.Provider = "blocking"
	o := newTestOrchestrator(t, []*AgentDefinition{agent}, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := o.ProcessTurn(ctx, &TurnInput{ConversationID: "c1", Message: "hi"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	<-started
	cancel()

	events := collect(t, ch)
	if len(events) == 0 {
		t.Fatal("expected a terminal event")
	}
	last := events[len(events)-1]
	if last.Type != models.EventError || last.Code != models.CodeCancelled {
		t.Errorf("terminal = %+v, want error CANCELLED", last)
	}

	// The turn lock is released; a new turn may proceed.
	conv, _ := o.Conversations().Get("c1")
	release, err := conv.BeginTurn()
	if err != nil {
		t.Fatalf("conversation still locked after cancel: %v", err)
	}
	release()
}

func TestToolNotFoundContinuesTurn(t *testing.T) {
	provider := &scriptedProvider{steps: [][]*CompletionChunk{
		{toolCallChunk("tc1", "nonexistent", `{}`)},
		{{Text: "recovered"}},
	}}
	o := newTestOrchestrator(t, []*AgentDefinition{scriptedAgent("a")}, provider, nil)

	ch, err := o.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := collect(t, ch)

	sawNotFound := false
	for _, ev := range events {
		if ev.Type == models.EventToolCallError && ev.Code == models.CodeToolNotFound {
			sawNotFound = true
		}
	}
	if !sawNotFound {
		t.Error("expected TOOL_NOT_FOUND tool-call-error")
	}
	last := events[len(events)-1]
	if last.Type != models.EventTextComplete || last.Content != "recovered" {
		t.Errorf("terminal = %+v, want text-complete recovered", last)
	}
	checkToolCallTerminals(t, events)
}

func TestInvalidArgsContinuesTurn(t *testing.T) {
	provider := &scriptedProvider{steps: [][]*CompletionChunk{
		{toolCallChunk("tc1", "echo", `{"text":7}`)},
		{{Text: "recovered"}},
	}}
	o := newTestOrchestrator(t, []*AgentDefinition{scriptedAgent("a", echoTool(t))}, provider, nil)

	ch, err := o.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := collect(t, ch)

	sawInvalid := false
	for _, ev := range events {
		if ev.Type == models.EventToolCallError && ev.Code == models.CodeToolInputInvalid {
			sawInvalid = true
		}
	}
	if !sawInvalid {
		t.Error("expected TOOL_INPUT_INVALID tool-call-error")
	}
	if events[len(events)-1].Type != models.EventTextComplete {
		t.Errorf("terminal = %+v", events[len(events)-1])
	}
}

func TestFrontendDeclaredToolForSingleTurn(t *testing.T) {
	provider := &scriptedProvider{steps: [][]*CompletionChunk{
		{toolCallChunk("tc1", "client_side", `{}`)},
		{{Text: "done"}},
	}}
	o := newTestOrchestrator(t, []*AgentDefinition{scriptedAgent("a")}, provider, nil)

	clientTool := &ToolDefinition{
		Name: "client_side",
		Execute: func(ctx context.Context, tctx ToolContext, args json.RawMessage) (*ToolOutcome, error) {
			return TextOutcome("from client"), nil
		},
	}
	ch, err := o.ProcessTurn(context.Background(), &TurnInput{
		ConversationID: "c1",
		Message:        "go",
		ClientTools:    []*ToolDefinition{clientTool},
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := collect(t, ch)

	sawResult := false
	for _, ev := range events {
		if ev.Type == models.EventToolCallResult && string(ev.Result) == `"from client"` {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("client-declared tool was not executed")
	}
}

func TestHandoffChainCapped(t *testing.T) {
	a := scriptedAgent("A")
	a.CanHandoffTo = []string{"B"}
	b := scriptedAgent("B")
	b.CanHandoffTo = []string{"A"}

	// Agents bounce the conversation back and forth forever.
	provider := &pingPongProvider{}
	o, err := NewOrchestrator([]*AgentDefinition{a, b}, "A",
		StaticProviders(map[string]LLMProvider{"scripted": provider}),
		Config{MaxAgentsPerTurn: 3}, Hooks{}, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	ch, err := o.ProcessTurn(context.Background(), &TurnInput{ConversationID: "c1", Message: "go"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != models.EventError || last.Code != models.CodeMaxIterationsExceeded {
		t.Errorf("terminal = %+v, want MAX_ITERATIONS_EXCEEDED", last)
	}

	handoffCount := 0
	for _, ev := range events {
		if ev.Type == models.EventAgentHandoff {
			handoffCount++
		}
	}
	if handoffCount != 3 {
		t.Errorf("handoffs = %d, want 3 (cap of 3 agents allows 2, third trips after switch)", handoffCount)
	}
}

// pingPongProvider always requests a handoff to the other agent, inferring
// the target from the offered tools.
type pingPongProvider struct{ calls int }

func (p *pingPongProvider) Name() string { return "scripted" }

func (p *pingPongProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.calls++
	var target string
	for _, tool := range req.Tools {
		if t, ok := HandoffTarget(tool.Name); ok {
			target = t
			break
		}
	}
	ch := make(chan *CompletionChunk, 2)
	ch <- toolCallChunk("", HandoffToolPrefix+target, `{"reason":"bounce"}`)
	ch <- &CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}
