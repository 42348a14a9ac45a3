package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ToolExecutor runs a tool. Args have already passed schema validation.
type ToolExecutor func(ctx context.Context, tctx ToolContext, args json.RawMessage) (*ToolOutcome, error)

// ToolDefinition declares a callable tool: its schema, approval requirement,
// and executor. MCP-backed and frontend-declared tools use the same shape as
// local ones, so the loop treats them identically.
type ToolDefinition struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema describing the arguments object.
	InputSchema json.RawMessage
	// RequiresApproval gates every call through the approval coordinator.
	RequiresApproval bool
	Execute          ToolExecutor
}

// ToolOutcome is the sum type returned by tool executors: either a JSON
// value fed back to the model, or a handoff that switches the active agent.
type ToolOutcome struct {
	value   json.RawMessage
	handoff *Handoff
}

// Handoff describes an in-turn transfer of the active agent.
type Handoff struct {
	Target  string
	Reason  string
	Context string
}

// ValueOutcome wraps a JSON result.
func ValueOutcome(value json.RawMessage) *ToolOutcome {
	return &ToolOutcome{value: value}
}

// TextOutcome wraps a plain string result as a JSON string value.
func TextOutcome(text string) *ToolOutcome {
	data, _ := json.Marshal(text)
	return &ToolOutcome{value: data}
}

// HandoffOutcome wraps an agent switch.
func HandoffOutcome(target, reason, context string) *ToolOutcome {
	return &ToolOutcome{handoff: &Handoff{Target: target, Reason: reason, Context: context}}
}

// Value returns the JSON result and true when this outcome is a value.
func (o *ToolOutcome) Value() (json.RawMessage, bool) {
	if o == nil || o.handoff != nil {
		return nil, false
	}
	return o.value, true
}

// Handoff returns the handoff and true when this outcome is an agent switch.
func (o *ToolOutcome) Handoff() (*Handoff, bool) {
	if o == nil || o.handoff == nil {
		return nil, false
	}
	return o.handoff, true
}

// handoffMarker is the wire encoding of a handoff outcome for results that
// round-trip through JSON (frontend-executed tools, recorded transcripts).
type handoffMarker struct {
	IsHandoff   bool   `json:"__handoff"`
	TargetAgent string `json:"targetAgent"`
	Reason      string `json:"reason"`
	Context     string `json:"context,omitempty"`
}

// MarshalJSON encodes a value outcome as its value and a handoff outcome as
// the __handoff marker object.
func (o *ToolOutcome) MarshalJSON() ([]byte, error) {
	if o.handoff != nil {
		return json.Marshal(handoffMarker{
			IsHandoff:   true,
			TargetAgent: o.handoff.Target,
			Reason:      o.handoff.Reason,
			Context:     o.handoff.Context,
		})
	}
	if o.value == nil {
		return []byte("null"), nil
	}
	return o.value, nil
}

// ParseHandoffMarker recognizes the __handoff marker in a raw tool result.
// It returns the decoded handoff and true, or nil and false for ordinary
// values.
func ParseHandoffMarker(raw json.RawMessage) (*Handoff, bool) {
	var marker handoffMarker
	if err := json.Unmarshal(raw, &marker); err != nil || !marker.IsHandoff {
		return nil, false
	}
	return &Handoff{Target: marker.TargetAgent, Reason: marker.Reason, Context: marker.Context}, true
}

// OutcomeFromRaw lifts a raw JSON tool result into the outcome sum,
// recognizing the handoff marker.
func OutcomeFromRaw(raw json.RawMessage) *ToolOutcome {
	if h, ok := ParseHandoffMarker(raw); ok {
		return &ToolOutcome{handoff: h}
	}
	return &ToolOutcome{value: raw}
}

// SchemaFor derives a JSON Schema for a Go struct type, for tools whose
// arguments are declared as native types.
func SchemaFor[T any]() (json.RawMessage, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("reflect schema: %w", err)
	}
	return data, nil
}

// NewTypedTool builds a ToolDefinition whose arguments are a Go struct; the
// input schema is derived via reflection and the executor receives decoded
// arguments.
func NewTypedTool[T any](name, description string, execute func(ctx context.Context, tctx ToolContext, args T) (*ToolOutcome, error)) (*ToolDefinition, error) {
	schema, err := SchemaFor[T]()
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return &ToolDefinition{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Execute: func(ctx context.Context, tctx ToolContext, raw json.RawMessage) (*ToolOutcome, error) {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode args: %w", err)
				}
			}
			return execute(ctx, tctx, args)
		},
	}, nil
}
