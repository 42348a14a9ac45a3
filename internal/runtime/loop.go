package runtime

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/loom/pkg/models"
)

// CodeAgentNotFound classifies a turn that references an unregistered agent.
const CodeAgentNotFound models.ErrorCode = "AGENT_NOT_FOUND"

// turn carries the state of one in-flight user turn through the loop.
type turn struct {
	o      *Orchestrator
	conv   *Conversation
	input  *TurnInput
	events chan<- *models.RuntimeEvent
	logger *slog.Logger

	// totalIterations counts model-stream cycles cumulatively across
	// agents; a handoff never resets it.
	totalIterations int
	terminalSent    bool
}

type segmentKind int

const (
	segmentCompleted segmentKind = iota
	segmentHandoff
	segmentFatal
	segmentCancelled
)

// run drives the turn to its terminal event.
func (t *turn) run(ctx context.Context) {
	ctx, span := otel.Tracer("loom/runtime").Start(ctx, "turn")
	span.SetAttributes(attribute.String("conversation.id", t.conv.ID))
	defer span.End()

	start := time.Now()
	outcome := "completed"
	defer func() {
		t.fireTurnEnd(ctx, time.Since(start))
		t.o.approvals.ReleaseConversation(t.conv.ID)
		turnsCompleted.WithLabelValues(outcome).Inc()
		turnDuration.Observe(time.Since(start).Seconds())
	}()

	t.fireTurnStart(ctx)

	t.conv.AppendMessage(&models.Message{
		Role:        models.RoleUser,
		Content:     t.input.Message,
		Attachments: t.input.Attachments,
	})

	agentsVisited := 1
	for {
		if ctx.Err() != nil {
			t.cancelTurn()
			outcome = "cancelled"
			return
		}

		activeID := t.conv.ActiveAgent()
		agent, ok := t.o.agents[activeID]
		if !ok {
			t.emit(ctx, models.ErrorEvent(CodeAgentNotFound, "active agent not registered: "+activeID))
			outcome = "error"
			return
		}

		switch t.runSegment(ctx, agent) {
		case segmentCompleted:
			return
		case segmentFatal:
			outcome = "error"
			return
		case segmentCancelled:
			t.cancelTurn()
			outcome = "cancelled"
			return
		case segmentHandoff:
			agentsVisited++
			if agentsVisited > t.o.config.MaxAgentsPerTurn {
				t.emit(ctx, models.ErrorEvent(models.CodeMaxIterationsExceeded,
					"handoff chain exceeded the per-turn agent cap"))
				outcome = "error"
				return
			}
		}
	}
}

// runSegment runs loop iterations under one agent until completion, a
// handoff, a fatal error, or cancellation.
func (t *turn) runSegment(ctx context.Context, agent *AgentDefinition) segmentKind {
	reg, err := BuildTurnRegistry(agent, t.o.agents, t.input.ClientTools)
	if err != nil {
		t.emit(ctx, models.ErrorEvent(models.CodeToolInputInvalid, err.Error()))
		return segmentFatal
	}

	limit := agent.EffectiveMaxIterations()
	for {
		if ctx.Err() != nil {
			return segmentCancelled
		}
		if t.totalIterations >= limit {
			t.emit(ctx, models.ErrorEvent(models.CodeMaxIterationsExceeded,
				"turn exceeded the iteration cap"))
			return segmentFatal
		}
		t.totalIterations++

		messageID := uuid.NewString()
		text, calls, kind := t.streamOnce(ctx, agent, reg, messageID)
		if kind != segmentCompleted {
			return kind
		}

		if len(calls) == 0 {
			t.conv.AppendMessage(&models.Message{
				Role:    models.RoleAssistant,
				AgentID: agent.ID,
				Content: text,
			})
			t.emit(ctx, models.TextComplete(messageID, text))
			return segmentCompleted
		}

		t.conv.AppendMessage(&models.Message{
			Role:      models.RoleAssistant,
			AgentID:   agent.ID,
			Content:   text,
			ToolCalls: calls,
		})

		// Tool calls in one assistant step run strictly sequentially to
		// preserve the message log's causal order.
		for i := range calls {
			disp := t.dispatchToolCall(ctx, agent, reg, &calls[i])
			switch disp.kind {
			case dispatchCancelled:
				return segmentCancelled
			case dispatchFatal:
				return segmentFatal
			case dispatchHandoff:
				t.performHandoff(ctx, agent, &calls[i], disp.handoff)
				return segmentHandoff
			}
		}
	}
}

// streamOnce runs one provider streaming call, forwarding deltas and
// collecting reassembled tool calls.
func (t *turn) streamOnce(ctx context.Context, agent *AgentDefinition, reg *Registry, messageID string) (string, []models.ToolCall, segmentKind) {
	provider, err := t.o.providers(ctx, agent.Model)
	if err != nil {
		t.emit(ctx, models.ErrorEvent(models.CodeProviderError, err.Error()))
		return "", nil, segmentFatal
	}

	req := &CompletionRequest{
		Model: agent.Model.Model,
		System: agent.ResolveSystemPrompt(AgentContext{
			ConversationID: t.conv.ID,
			UserID:         t.input.UserID,
			AgentID:        agent.ID,
			Frontend:       t.input.Context,
		}),
		Messages:    t.conv.History(),
		Tools:       reg.List(),
		MaxTokens:   agent.Model.MaxTokens,
		Temperature: agent.Model.Temperature,
	}

	streamCtx, cancel := context.WithTimeout(ctx, t.o.config.RequestTimeout)
	defer cancel()

	streamStart := time.Now()
	ch, err := provider.Complete(streamCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, segmentCancelled
		}
		t.emit(ctx, models.ErrorEvent(models.CodeProviderError, err.Error()))
		return "", nil, segmentFatal
	}

	var text strings.Builder
	var calls []models.ToolCall
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			providerStreamDuration.WithLabelValues(provider.Name()).Observe(time.Since(streamStart).Seconds())
			if ctx.Err() != nil {
				return "", nil, segmentCancelled
			}
			t.emit(ctx, models.ErrorEvent(models.CodeProviderError, chunk.Err.Error()))
			return "", nil, segmentFatal
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			if !t.emit(ctx, models.TextDelta(messageID, chunk.Text)) {
				return "", nil, segmentCancelled
			}
		case chunk.Reasoning != "":
			if !t.emit(ctx, models.ReasoningDelta(messageID, chunk.Reasoning)) {
				return "", nil, segmentCancelled
			}
		case chunk.ToolCall != nil:
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			call.Status = models.ToolCallPending
			calls = append(calls, call)
		}
	}
	providerStreamDuration.WithLabelValues(provider.Name()).Observe(time.Since(streamStart).Seconds())

	if ctx.Err() != nil {
		return "", nil, segmentCancelled
	}
	return text.String(), calls, segmentCompleted
}

// performHandoff records the agent switch and seeds the next segment with a
// synthetic acknowledgement tool message.
func (t *turn) performHandoff(ctx context.Context, from *AgentDefinition, call *models.ToolCall, h *Handoff) {
	t.emit(ctx, models.AgentHandoff(from.ID, h.Target, h.Reason, h.Context))
	t.conv.RecordHandoff(models.HandoffRecord{
		From:    from.ID,
		To:      h.Target,
		Reason:  h.Reason,
		Context: h.Context,
	})
	ack := "Handoff to agent " + h.Target + " acknowledged."
	t.conv.AppendMessage(&models.Message{
		Role:    models.RoleTool,
		AgentID: from.ID,
		Content: ack,
		ToolResults: []models.ToolResult{{
			ToolCallID: call.ID,
			Content:    ack,
		}},
	})
	handoffs.Inc()
	t.logger.Info("agent handoff", "from", from.ID, "to", h.Target, "reason", h.Reason)
}

// cancelTurn tears down outstanding approvals and emits the terminal
// CANCELLED error unless a terminal event was already delivered.
func (t *turn) cancelTurn() {
	t.o.approvals.CancelConversation(t.conv.ID)
	if t.terminalSent {
		return
	}
	ev := models.ErrorEvent(models.CodeCancelled, "turn cancelled")
	// The consumer may be gone; never block on a cancelled turn.
	select {
	case t.events <- ev:
		t.terminalSent = true
	default:
	}
}

// emit forwards an event to the consumer, honoring cancellation. It reports
// false when the turn context is done.
func (t *turn) emit(ctx context.Context, ev *models.RuntimeEvent) bool {
	select {
	case t.events <- ev:
		if ev.Type.Terminal() {
			t.terminalSent = true
		}
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *turn) fireTurnStart(ctx context.Context) {
	if t.o.hooks.OnTurnStart == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("onTurnStart hook panicked", "panic", r)
		}
	}()
	t.o.hooks.OnTurnStart(ctx, t.conv.ID)
}

func (t *turn) fireTurnEnd(ctx context.Context, duration time.Duration) {
	if t.o.hooks.OnTurnEnd == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("onTurnEnd hook panicked", "panic", r)
		}
	}()
	t.o.hooks.OnTurnEnd(ctx, t.conv.ID, duration)
}
