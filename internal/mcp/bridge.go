package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/internal/runtime"
	"github.com/haasonsaas/loom/pkg/models"
)

const maxToolNameLen = 64

// defaultCallTimeout bounds bridged tool calls for servers that don't
// configure their own timeout.
const defaultCallTimeout = 30 * time.Second

// ToolCaller is the MCP execution contract the bridge programs against.
// Manager implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error)
}

// BridgeTools exposes the tools of connected MCP servers as runtime tool
// definitions. Names are namespaced per server (mcp_<server>_<tool>) and kept
// within provider limits. When allowedServers is non-empty, only those
// servers contribute tools.
func BridgeTools(ctx context.Context, mgr *Manager, allowedServers []string) []*runtime.ToolDefinition {
	if mgr == nil {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowedServers))
	for _, id := range allowedServers {
		allowed[id] = struct{}{}
	}

	all := mgr.AllTools(ctx)
	serverIDs := make([]string, 0, len(all))
	for id := range all {
		if len(allowed) > 0 {
			if _, ok := allowed[id]; !ok {
				continue
			}
		}
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)

	used := make(map[string]struct{})
	var defs []*runtime.ToolDefinition
	for _, serverID := range serverIDs {
		tools := all[serverID]
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

		timeout := mgr.ServerTimeout(serverID)
		for _, tool := range tools {
			name := safeToolName(serverID, tool.Name, used)
			defs = append(defs, bridgeTool(mgr, serverID, tool, name, timeout))
		}
	}
	return defs
}

// bridgeTool builds one runtime tool definition backed by an MCP server.
func bridgeTool(caller ToolCaller, serverID string, tool *Tool, name string, timeout time.Duration) *runtime.ToolDefinition {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	schema := tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	toolName := tool.Name

	return &runtime.ToolDefinition{
		Name:        name,
		Description: bridgeDescription(serverID, tool),
		InputSchema: schema,
		Execute: func(ctx context.Context, _ runtime.ToolContext, args json.RawMessage) (*runtime.ToolOutcome, error) {
			var arguments map[string]any
			if len(args) > 0 {
				if err := json.Unmarshal(args, &arguments); err != nil {
					return nil, fmt.Errorf("decode args: %w", err)
				}
			}

			label := fmt.Sprintf("MCP tool %s.%s timed out after %v", serverID, toolName, timeout)
			result, err := retry.WithTimeout(ctx, timeout, label, string(models.CodeMCPTimeout),
				func(ctx context.Context) (*ToolCallResult, error) {
					return caller.CallTool(ctx, serverID, toolName, arguments)
				})
			if err != nil {
				return nil, err
			}

			content := formatToolCallResult(result)
			if result != nil && result.IsError {
				return nil, fmt.Errorf("MCP tool %s.%s failed: %s", serverID, toolName, content)
			}
			return runtime.TextOutcome(content), nil
		},
	}
}

func bridgeDescription(serverID string, tool *Tool) string {
	desc := strings.TrimSpace(tool.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", serverID, tool.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", serverID, tool.Name, desc)
}

// formatToolCallResult flattens a tool result into text. All-text content is
// joined with newlines; anything richer is marshaled whole.
func formatToolCallResult(result *ToolCallResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}

	allText := true
	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}

	if allText {
		return combined.String()
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(payload)
}

// safeToolName namespaces and sanitizes a tool name, hashing when it would
// exceed provider name limits or collide with an earlier name.
func safeToolName(serverID, toolName string, used map[string]struct{}) string {
	base := "mcp_" + sanitizeToolPart(serverID) + "_" + sanitizeToolPart(toolName)
	name := base
	if len(name) > maxToolNameLen {
		name = truncateWithHash(base, serverID, toolName)
	}
	if _, exists := used[name]; exists {
		name = dedupeWithHash(name, serverID, toolName)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeToolPart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func toolNameHash(serverID, toolName string) string {
	sum := sha1.Sum([]byte(serverID + ":" + toolName))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, serverID, toolName string) string {
	suffix := "_" + toolNameHash(serverID, toolName)
	if maxToolNameLen <= len(suffix) {
		return suffix[len(suffix)-maxToolNameLen:]
	}
	trimLen := maxToolNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}

func dedupeWithHash(base, serverID, toolName string) string {
	suffix := "_" + toolNameHash(serverID, toolName)
	name := base + suffix
	if len(name) <= maxToolNameLen {
		return name
	}
	return truncateWithHash(base, serverID, toolName)
}
