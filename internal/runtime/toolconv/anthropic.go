package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/loom/internal/runtime"
)

// ToAnthropicTools converts tool definitions to Anthropic tool params.
func ToAnthropicTools(tools []*runtime.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		param, err := ToAnthropicTool(tool)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

// ToAnthropicTool converts a single tool definition.
func ToAnthropicTool(tool *runtime.ToolDefinition) (anthropic.ToolUnionParam, error) {
	schema := tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	var inputSchema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(schema, &inputSchema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
	}

	param := anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
	}
	param.OfTool.Description = anthropic.String(tool.Description)
	return param, nil
}
