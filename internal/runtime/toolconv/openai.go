// Package toolconv converts runtime tool definitions into the wire shapes
// the provider SDKs expect.
package toolconv

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/loom/internal/runtime"
)

// ToOpenAITools converts tool definitions to the OpenAI function-calling
// schema. A missing or unparsable schema degrades to an empty object schema
// so one bad tool cannot break the whole toolset.
func ToOpenAITools(tools []*runtime.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap(tool.InputSchema),
			},
		}
	}
	return result
}

func schemaMap(schema json.RawMessage) map[string]any {
	var m map[string]any
	if len(schema) == 0 || json.Unmarshal(schema, &m) != nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return m
}
