// Package tools defines the tool contract and the registry agents draw their
// tools from. Registration compiles each tool's parameter schema so argument
// validation happens before the tool runs.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/runwire/runwire/runtime/model"
	"github.com/runwire/runwire/runtime/run"
	"github.com/runwire/runwire/runtime/step"
)

type (
	// Tool is a capability exposed to the model. Execute receives parsed,
	// schema-valid arguments. Implementations return an error for
	// infrastructure failures; domain failures belong in the ToolResult.
	Tool interface {
		Name() string
		Description() string
		// Parameters returns the JSON Schema describing the arguments.
		Parameters() map[string]any
		// ConcurrencySafe reports whether the tool may run in parallel
		// with other tools, including other invocations of itself.
		ConcurrencySafe() bool
		Execute(ctx context.Context, args map[string]any, rc *run.Context) (*step.ToolResult, error)
	}

	// Registry holds the tools available to an agent. Safe for concurrent
	// use.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]*entry
	}

	entry struct {
		tool   Tool
		schema *jsonschema.Schema
		// execMu serializes invocations of tools that are not concurrency
		// safe. Nil for safe tools.
		execMu *sync.Mutex
	}
)

// ErrNotFound is returned by Lookup-style operations for unknown tools.
var ErrNotFound = errors.New("tool not found")

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool, compiling its parameter schema. Registering a nil
// tool, an empty name, a duplicate name or an invalid schema fails.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("tool is required")
	}
	name := t.Name()
	if name == "" {
		return errors.New("tool name is required")
	}
	sch, err := compileSchema(name, t.Parameters())
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", name, err)
	}
	e := &entry{tool: t, schema: sch}
	if !t.ConcurrencySafe() {
		e.execMu = &sync.Mutex{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.entries[name] = e
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// ValidateArgs checks parsed arguments against the tool's schema.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if e.schema == nil {
		return nil
	}
	// The validator wants plain decoded JSON; map[string]any qualifies but
	// nil maps must become empty objects.
	doc := any(args)
	if args == nil {
		doc = map[string]any{}
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments for tool %q: %w", name, err)
	}
	return nil
}

// Definitions returns the model-facing definitions of every registered tool,
// sorted by name for deterministic requests.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, model.ToolDefinition{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Exclusive returns the serialization lock for a tool that is not
// concurrency safe, nil otherwise.
func (r *Registry) Exclusive(name string) *sync.Mutex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	return e.execMu
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	url := "tool:///" + name + ".json"
	if err := c.AddResource(url, params); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
