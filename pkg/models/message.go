// Package models defines the wire-level types shared by the runtime and its
// transports: messages, tool calls, handoff records, and the runtime event
// stream. Field names are part of the wire contract; breaking changes require
// a version bump.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCallStatus tracks a tool call through its lifecycle.
type ToolCallStatus string

const (
	// ToolCallPending is set when the call is parsed from a model chunk.
	ToolCallPending ToolCallStatus = "pending"

	// ToolCallRunning is set when the call is dispatched for execution.
	ToolCallRunning ToolCallStatus = "running"

	// ToolCallCompleted is the success terminal state.
	ToolCallCompleted ToolCallStatus = "completed"

	// ToolCallFailed is the failure terminal state.
	ToolCallFailed ToolCallStatus = "error"
)

// Message is one entry in a conversation's history. Messages are immutable
// once appended; tool-call entries embedded in an assistant message are
// updated only by replacing the containing message.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	AgentID     string       `json:"agent_id,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Status ToolCallStatus  `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ToolResult carries a tool's output back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Attachment references a file or media object carried with a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// HandoffRecord is appended to a conversation at every successful agent
// switch.
type HandoffRecord struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Context   string    `json:"context,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
