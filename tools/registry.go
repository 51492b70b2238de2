// Package tools defines the type-erased tool registry: descriptors,
// schema-validated registration, and lookup shared by the executor, the
// event loop, and MCP-discovered remote tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Source identifies where a tool was registered from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceMCP     Source = "mcp"
	SourceCustom  Source = "custom"
)

// Descriptor describes a tool's identity and input contract as exposed to a
// model and to schema validation. InputSchema is a JSON-Schema document
// (already json.Marshal-able, typically map[string]any or json.RawMessage).
type Descriptor struct {
	Name        string
	Description string
	InputSchema any
	Source      Source
}

// Tool is the capability implemented by every tool, whether built in,
// locally registered, or backed by an MCP session.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// Result is the outcome of a single tool invocation.
type Result struct {
	Success bool
	Content any
	Error   string

	// InjectedContext carries a sticky note an after-middleware attached via
	// middleware.InjectContext, left uninterpreted here. The event loop
	// reads it to attach a separate system-style message after the tool
	// result block; it never changes Content or Success.
	InjectedContext string
}

// DuplicateTool is returned by Register when a tool with the same name is
// already present.
type DuplicateTool struct {
	Name string
}

func (e *DuplicateTool) Error() string {
	return fmt.Sprintf("tool already registered: %s", e.Name)
}

// Registry is a thread-safe, name-keyed collection of tools. Each
// registration compiles the tool's input schema once so per-invocation
// validation is cheap.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry. It fails with *DuplicateTool if the
// name is already taken, and fails if the tool's input schema does not
// compile.
func (r *Registry) Register(tool Tool) error {
	desc := tool.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("tool descriptor requires a name")
	}

	var compiled *jsonschema.Schema
	if desc.InputSchema != nil {
		schema, err := compileSchema(desc.Name, desc.InputSchema)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", desc.Name, err)
		}
		compiled = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return &DuplicateTool{Name: desc.Name}
	}
	r.tools[desc.Name] = tool
	if compiled != nil {
		r.schemas[desc.Name] = compiled
	}
	return nil
}

// Unregister removes a tool by name. It is a no-op if the name is unknown.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Descriptors returns the descriptors of every registered tool, in no
// particular order, for exposing the current tool set to a model.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor())
	}
	return out
}

// ValidateInput checks input against the compiled schema for name, if one
// was registered. A tool with no input schema always validates.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("validation: decode input: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	return nil
}

func compileSchema(name string, schema any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return jsonschema.CompileString(name+".schema.json", string(data))
}
