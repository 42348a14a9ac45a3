package models

import "encoding/json"

// ErrorCode is a stable string consumed by UIs and transports. Codes are part
// of the wire contract and must not be renamed.
type ErrorCode string

const (
	CodeToolInputInvalid      ErrorCode = "TOOL_INPUT_INVALID"
	CodeToolNotFound          ErrorCode = "TOOL_NOT_FOUND"
	CodeToolTimeout           ErrorCode = "TOOL_TIMEOUT"
	CodeToolResultTooLarge    ErrorCode = "TOOL_RESULT_TOO_LARGE"
	CodeUserRejected          ErrorCode = "USER_REJECTED"
	CodeApprovalTimeout       ErrorCode = "APPROVAL_TIMEOUT"
	CodeMaxIterationsExceeded ErrorCode = "MAX_ITERATIONS_EXCEEDED"
	CodeMCPTimeout            ErrorCode = "MCP_TIMEOUT"
	CodeCancelled             ErrorCode = "CANCELLED"
	CodeProviderError         ErrorCode = "PROVIDER_ERROR"
	CodeConversationBusy      ErrorCode = "CONVERSATION_BUSY"
)

// EventType tags a RuntimeEvent.
type EventType string

const (
	EventTextDelta        EventType = "text-delta"
	EventTextComplete     EventType = "text-complete"
	EventReasoningDelta   EventType = "reasoning-delta"
	EventToolCallStart    EventType = "tool-call-start"
	EventToolCallArgs     EventType = "tool-call-args"
	EventToolCallResult   EventType = "tool-call-result"
	EventToolCallError    EventType = "tool-call-error"
	EventApprovalRequired EventType = "approval-required"
	EventAgentHandoff     EventType = "agent-handoff"
	EventError            EventType = "error"
)

// Terminal reports whether an event of this type ends a turn. agent-handoff
// is terminal for the current agent's iteration but the turn continues under
// the target agent, so it is not included here.
func (t EventType) Terminal() bool {
	return t == EventTextComplete || t == EventError
}

// RuntimeEvent is the tagged union emitted on the output stream. Exactly the
// fields relevant to the event type are populated; the rest are omitted from
// the wire encoding.
type RuntimeEvent struct {
	Type EventType `json:"type"`

	// Text streaming.
	MessageID string `json:"messageId,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Content   string `json:"content,omitempty"`

	// Tool calls.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	AgentID    string          `json:"agentId,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// Handoffs.
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Context string `json:"context,omitempty"`

	// Errors.
	Error string    `json:"error,omitempty"`
	Code  ErrorCode `json:"code,omitempty"`
}

// TextDelta builds a text-delta event.
func TextDelta(messageID, delta string) *RuntimeEvent {
	return &RuntimeEvent{Type: EventTextDelta, MessageID: messageID, Delta: delta}
}

// TextComplete builds a text-complete event carrying the full message text.
func TextComplete(messageID, content string) *RuntimeEvent {
	return &RuntimeEvent{Type: EventTextComplete, MessageID: messageID, Content: content}
}

// ReasoningDelta builds a reasoning-delta event for extended-thinking tokens.
func ReasoningDelta(messageID, delta string) *RuntimeEvent {
	return &RuntimeEvent{Type: EventReasoningDelta, MessageID: messageID, Delta: delta}
}

// ToolCallStart builds a tool-call-start event.
func ToolCallStart(toolCallID, toolName, agentID string) *RuntimeEvent {
	return &RuntimeEvent{Type: EventToolCallStart, ToolCallID: toolCallID, ToolName: toolName, AgentID: agentID}
}

// ToolCallArgs builds a tool-call-args event with the complete arguments.
func ToolCallArgs(toolCallID string, args json.RawMessage) *RuntimeEvent {
	return &RuntimeEvent{Type: EventToolCallArgs, ToolCallID: toolCallID, Args: args}
}

// ToolCallResult builds a tool-call-result event.
func ToolCallResult(toolCallID string, result json.RawMessage) *RuntimeEvent {
	return &RuntimeEvent{Type: EventToolCallResult, ToolCallID: toolCallID, Result: result}
}

// ToolCallError builds a tool-call-error event with a stable code.
func ToolCallError(toolCallID string, code ErrorCode, msg string) *RuntimeEvent {
	return &RuntimeEvent{Type: EventToolCallError, ToolCallID: toolCallID, Code: code, Error: msg}
}

// ApprovalRequired builds an approval-required event.
func ApprovalRequired(toolCallID, toolName, agentID string, args json.RawMessage) *RuntimeEvent {
	return &RuntimeEvent{Type: EventApprovalRequired, ToolCallID: toolCallID, ToolName: toolName, AgentID: agentID, Args: args}
}

// AgentHandoff builds an agent-handoff event.
func AgentHandoff(from, to, reason, context string) *RuntimeEvent {
	return &RuntimeEvent{Type: EventAgentHandoff, From: from, To: to, Reason: reason, Context: context}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(code ErrorCode, msg string) *RuntimeEvent {
	return &RuntimeEvent{Type: EventError, Code: code, Error: msg}
}
