// Package tools defines the Tool contract, a schema-validated Registry and
// the approval-gated Executor that runs tool calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/basket/agentcore/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Annotations describe a tool to the approval engine.
type Annotations struct {
	// Safe tools skip the approval chain entirely.
	Safe bool
	// ReadOnly tools qualify for allow_non_destructive.
	ReadOnly    bool
	Destructive bool
}

// Env is the per-call environment handed to a tool.
type Env struct {
	WorkingDir string
	// ThreadID is the acting agent.
	ThreadID string
}

// Tool is one capability an agent can invoke.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Annotations() Annotations
	Execute(ctx context.Context, args json.RawMessage, env Env) (any, error)
}

// CallAnnotator is implemented by tools whose approval class depends on
// the arguments of a call. The executor prefers it over Annotations.
type CallAnnotator interface {
	AnnotationsFor(args json.RawMessage) Annotations
}

// annotationsFor resolves the annotations for one call of t.
func annotationsFor(t Tool, args json.RawMessage) Annotations {
	if ca, ok := t.(CallAnnotator); ok {
		return ca.AnnotationsFor(args)
	}
	return t.Annotations()
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry is a fixed set of tools whose schemas compiled at registration.
type Registry struct {
	entries map[string]entry
	order   []string
}

// NewRegistry registers every tool or fails on the first bad one.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{entries: make(map[string]entry)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles t's input schema and adds it.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("tool name %q must match %s", name, toolNamePattern)
	}
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("tool %q registered twice", name)
	}
	schema, err := compileSchema(name, t.InputSchema())
	if err != nil {
		return err
	}
	r.entries[name] = entry{tool: t, schema: schema}
	r.order = append(r.order, name)
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("tool %s: unmarshal schema: %w", name, err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return schema, nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	e, ok := r.entries[name]
	return e.tool, ok
}

// Names lists tool names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Tools lists tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].tool)
	}
	return out
}

func (r *Registry) Len() int { return len(r.order) }

// Without returns a copy of r minus the named tools. The compiled schemas
// are shared.
func (r *Registry) Without(names ...string) *Registry {
	out := &Registry{entries: make(map[string]entry, len(r.entries))}
	for _, name := range r.order {
		if slices.Contains(names, name) {
			continue
		}
		out.entries[name] = r.entries[name]
		out.order = append(out.order, name)
	}
	return out
}

// Validate checks args against the tool's schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	e, ok := r.entries[name]
	if !ok {
		return shared.NotFound("tool", name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return shared.Validation("args", "arguments are not valid JSON: %v", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return shared.Validation("args", "%v", err)
	}
	return nil
}
