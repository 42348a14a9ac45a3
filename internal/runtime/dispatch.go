package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/loom/pkg/models"
)

type dispatchKind int

const (
	// dispatchContinue moves on to the next tool call (or iteration).
	dispatchContinue dispatchKind = iota
	// dispatchHandoff pivots the turn to another agent.
	dispatchHandoff
	// dispatchFatal terminates the turn with an already-emitted error.
	dispatchFatal
	// dispatchCancelled aborts on conversation cancellation.
	dispatchCancelled
)

type dispatchResult struct {
	kind    dispatchKind
	handoff *Handoff
}

// dispatchToolCall runs the shared dispatch sequence for one tool call:
// start/args events, registry resolution, the approval gate, guarded
// execution, and feeding the result (or an error string) back to the model
// as a tool message.
func (t *turn) dispatchToolCall(ctx context.Context, agent *AgentDefinition, reg *Registry, call *models.ToolCall) dispatchResult {
	if !t.emit(ctx, models.ToolCallStart(call.ID, call.Name, agent.ID)) {
		return dispatchResult{kind: dispatchCancelled}
	}
	if !t.emit(ctx, models.ToolCallArgs(call.ID, call.Args)) {
		return dispatchResult{kind: dispatchCancelled}
	}

	tool, ok := reg.Get(call.Name)
	if !ok {
		msg := fmt.Sprintf("tool not found: %s", call.Name)
		call.Status = models.ToolCallFailed
		call.Error = msg
		t.emit(ctx, models.ToolCallError(call.ID, models.CodeToolNotFound, msg))
		t.feedToolMessage(agent, call, "Error: "+msg, true)
		toolExecutions.WithLabelValues("not_found").Inc()
		return dispatchResult{kind: dispatchContinue}
	}

	tctx := ToolContext{
		ConversationID: t.conv.ID,
		UserID:         t.input.UserID,
		AgentID:        agent.ID,
		Frontend:       t.input.Context,
	}

	if t.requiresApproval(tool, tctx) {
		// Register before the event goes out: a consumer reacting to
		// approval-required immediately must find the slot.
		slot := t.o.approvals.Register(t.conv.ID, PendingApproval{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			AgentID:    agent.ID,
			Args:       call.Args,
		})
		if !t.emit(ctx, models.ApprovalRequired(call.ID, call.Name, agent.ID, call.Args)) {
			t.o.approvals.Await(ctx, t.conv.ID, slot)
			return dispatchResult{kind: dispatchCancelled}
		}
		decision := t.o.approvals.Await(ctx, t.conv.ID, slot)
		switch decision.Code {
		case models.CodeCancelled:
			return dispatchResult{kind: dispatchCancelled}
		case models.CodeApprovalTimeout:
			call.Status = models.ToolCallFailed
			call.Error = "approval timed out"
			t.emit(ctx, models.ToolCallError(call.ID, models.CodeApprovalTimeout, "approval timed out"))
			t.emit(ctx, models.ErrorEvent(models.CodeApprovalTimeout, "approval timed out for tool "+call.Name))
			toolExecutions.WithLabelValues("approval_timeout").Inc()
			return dispatchResult{kind: dispatchFatal}
		}
		if !decision.Approved {
			reason := decision.Reason
			if reason == "" {
				reason = "rejected by user"
			}
			call.Status = models.ToolCallFailed
			call.Error = reason
			t.emit(ctx, models.ToolCallError(call.ID, models.CodeUserRejected, reason))
			t.feedToolMessage(agent, call, "Tool call rejected by user: "+reason, true)
			toolExecutions.WithLabelValues("rejected").Inc()
			return dispatchResult{kind: dispatchContinue}
		}
	}

	call.Status = models.ToolCallRunning
	res, err := t.o.guards.Execute(ctx, reg, tool, tctx, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return dispatchResult{kind: dispatchCancelled}
		}
		code := CodeOf(err)
		call.Status = models.ToolCallFailed
		call.Error = err.Error()
		t.emit(ctx, models.ToolCallError(call.ID, code, err.Error()))
		t.feedToolMessage(agent, call, "Error executing tool "+call.Name+": "+err.Error(), true)
		toolExecutions.WithLabelValues("error").Inc()
		return dispatchResult{kind: dispatchContinue}
	}

	if h, ok := res.Outcome.Handoff(); ok {
		call.Status = models.ToolCallCompleted
		toolExecutions.WithLabelValues("handoff").Inc()
		return dispatchResult{kind: dispatchHandoff, handoff: h}
	}

	value, _ := res.Outcome.Value()
	call.Status = models.ToolCallCompleted
	call.Result = value
	if res.Truncated {
		t.emit(ctx, models.ToolCallError(call.ID, models.CodeToolResultTooLarge,
			fmt.Sprintf("tool result of %d bytes exceeds the limit; replaced with a truncation marker", res.Size)))
		toolExecutions.WithLabelValues("truncated").Inc()
	} else {
		t.emit(ctx, models.ToolCallResult(call.ID, value))
		toolExecutions.WithLabelValues("completed").Inc()
	}
	t.feedToolMessage(agent, call, resultContent(value), false)
	return dispatchResult{kind: dispatchContinue}
}

func (t *turn) requiresApproval(tool *ToolDefinition, tctx ToolContext) bool {
	if tool.RequiresApproval {
		return true
	}
	if t.o.config.ApprovalPolicy != nil {
		return t.o.config.ApprovalPolicy(tool, tctx)
	}
	return false
}

// feedToolMessage appends the tool-role message that carries a result or
// error string back to the model for the next iteration.
func (t *turn) feedToolMessage(agent *AgentDefinition, call *models.ToolCall, content string, isError bool) {
	t.conv.AppendMessage(&models.Message{
		Role:    models.RoleTool,
		AgentID: agent.ID,
		Content: content,
		ToolResults: []models.ToolResult{{
			ToolCallID: call.ID,
			Content:    content,
			IsError:    isError,
		}},
	})
}

// resultContent renders a JSON tool result as the string the model sees.
// JSON strings are unwrapped so the model is not shown escaped quotes.
func resultContent(value json.RawMessage) string {
	if len(value) == 0 {
		return "null"
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	return string(value)
}
