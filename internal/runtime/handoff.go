package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HandoffToolPrefix prefixes every generated handoff tool name.
const HandoffToolPrefix = "handoff_to_"

// IsHandoffTool reports whether a tool name is a generated handoff tool.
func IsHandoffTool(name string) bool {
	return strings.HasPrefix(name, HandoffToolPrefix)
}

// HandoffTarget extracts the target agent id from a handoff tool name.
func HandoffTarget(name string) (string, bool) {
	if !IsHandoffTool(name) {
		return "", false
	}
	target := strings.TrimPrefix(name, HandoffToolPrefix)
	if target == "" {
		return "", false
	}
	return target, true
}

type handoffArgs struct {
	Reason  string `json:"reason"`
	Context string `json:"context,omitempty"`
}

var handoffSchema = mustMarshal(map[string]any{
	"type": "object",
	"properties": map[string]any{
		"reason": map[string]any{
			"type":        "string",
			"description": "Why this handoff is needed - helps the receiving agent understand the context",
		},
		"context": map[string]any{
			"type":        "string",
			"description": "Additional context or summary for the receiving agent",
		},
	},
	"required":             []string{"reason"},
	"additionalProperties": false,
})

// GenerateHandoffTools produces one handoff_to_<targetId> tool per entry in
// agent.CanHandoffTo that exists in allAgents. Output order is sorted by
// target id, so it is stable under agent-map ordering changes.
func GenerateHandoffTools(agent *AgentDefinition, allAgents map[string]*AgentDefinition) []*ToolDefinition {
	targets := make([]string, 0, len(agent.CanHandoffTo))
	for _, id := range agent.CanHandoffTo {
		if id == agent.ID {
			continue
		}
		if _, ok := allAgents[id]; ok {
			targets = append(targets, id)
		}
	}
	sort.Strings(targets)

	tools := make([]*ToolDefinition, 0, len(targets))
	for _, targetID := range targets {
		target := allAgents[targetID]
		tools = append(tools, newHandoffTool(targetID, target))
	}
	return tools
}

func newHandoffTool(targetID string, target *AgentDefinition) *ToolDefinition {
	return &ToolDefinition{
		Name:        HandoffToolPrefix + targetID,
		Description: fmt.Sprintf("Transfer the conversation to %s. %s", target.Name, target.Description),
		InputSchema: handoffSchema,
		Execute: func(ctx context.Context, tctx ToolContext, raw json.RawMessage) (*ToolOutcome, error) {
			var args handoffArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("invalid handoff arguments: %w", err)
				}
			}
			return HandoffOutcome(targetID, args.Reason, args.Context), nil
		},
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
