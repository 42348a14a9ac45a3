package runtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// MaxToolNameLength limits tool name size.
	MaxToolNameLength = 256

	// MaxToolParamsSize limits tool parameter payload size (10MB).
	MaxToolParamsSize = 10 * 1024 * 1024
)

// Registry resolves tool names for one turn: the union of the agent's
// declared tools, the generated handoff tools, and any frontend-declared
// tools. Names must be unique within the union; duplicates are a
// configuration error.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*ToolDefinition
	order   []string
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// BuildTurnRegistry assembles the effective toolset for an agent on one
// turn. allAgents is keyed by agent id and supplies handoff targets.
func BuildTurnRegistry(agent *AgentDefinition, allAgents map[string]*AgentDefinition, clientTools []*ToolDefinition) (*Registry, error) {
	reg := NewRegistry()
	for _, tool := range agent.Tools {
		if err := reg.Register(tool); err != nil {
			return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
		}
	}
	for _, tool := range GenerateHandoffTools(agent, allAgents) {
		if err := reg.Register(tool); err != nil {
			return nil, fmt.Errorf("agent %s handoff tools: %w", agent.ID, err)
		}
	}
	for _, tool := range clientTools {
		if err := reg.Register(tool); err != nil {
			return nil, fmt.Errorf("client tools: %w", err)
		}
	}
	return reg, nil
}

// Register adds a tool. Duplicate names, empty names, oversize names, and
// invalid schemas are rejected.
func (r *Registry) Register(tool *ToolDefinition) error {
	if tool == nil {
		return fmt.Errorf("tool is nil")
	}
	name := strings.TrimSpace(tool.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds %d characters", MaxToolNameLength)
	}

	var compiled *jsonschema.Schema
	if len(tool.InputSchema) > 0 {
		var err error
		compiled, err = compileSchema(name, tool.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: invalid input schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("duplicate tool name: %s", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	if compiled != nil {
		r.schemas[name] = compiled
	}
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns tools in registration order.
func (r *Registry) List() []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// ValidateArgs checks args against the tool's compiled input schema. A tool
// without a schema accepts any valid JSON object.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	if len(args) > MaxToolParamsSize {
		return fmt.Errorf("tool params exceed %d bytes", MaxToolParamsSize)
	}

	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("args are not valid JSON: %w", err)
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
