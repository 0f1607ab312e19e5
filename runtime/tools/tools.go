// Package tools defines the tool contract consumed by the planner runtime: a
// registry of typed descriptors with JSON schemas for arguments and outputs,
// side-effect classification used by deterministic sequencing policy, and
// artifact redaction of heavy output fields.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SideEffects classifies what a tool touches. The auto-seq policy consults it
// before executing a tool without an LLM decision.
type SideEffects string

const (
	// SideEffectsPure computes from its inputs only.
	SideEffectsPure SideEffects = "pure"
	// SideEffectsRead reads external state without modifying it.
	SideEffectsRead SideEffects = "read"
	// SideEffectsWrite modifies external state.
	SideEffectsWrite SideEffects = "write"
	// SideEffectsExternal calls third-party systems with unknown effects.
	SideEffectsExternal SideEffects = "external"
	// SideEffectsStateful mutates session-scoped state.
	SideEffectsStateful SideEffects = "stateful"
)

type (
	// InvokeFunc executes the tool. Implementations must honor ctx
	// cancellation at safe boundaries.
	InvokeFunc func(ctx context.Context, args map[string]any) (any, error)

	// Descriptor describes one tool known to the runtime.
	Descriptor struct {
		// Name is the identifier used in planner actions.
		Name string
		// Description documents the tool for prompting.
		Description string
		// ArgsSchema is the JSON schema for the tool arguments.
		ArgsSchema map[string]any
		// OutSchema is the JSON schema for the tool output. Properties carrying
		// an "artifact": true annotation are extracted to the artifact store and
		// replaced by references in the LLM-visible observation.
		OutSchema map[string]any
		// SideEffects classifies the tool for sequencing policy.
		SideEffects SideEffects
		// Fatal marks failures of this tool as task-fatal instead of a step
		// error the model can react to.
		Fatal bool
		// Invoke executes the tool.
		Invoke InvokeFunc
	}

	// Registry holds the tools visible to a runtime. Safe for concurrent use.
	Registry struct {
		mu       sync.RWMutex
		tools    map[string]*compiled
		ordering []string
	}

	compiled struct {
		desc       Descriptor
		argsSchema *jsonschema.Schema
	}
)

// NewRegistry constructs an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*compiled)}
}

// Register adds a tool. The args schema is compiled eagerly so invalid schemas
// fail at registration rather than mid-run. Registering a duplicate name or a
// reserved planner node name is an error.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	switch desc.Name {
	case "plan", "task", "final_response":
		return fmt.Errorf("tools: %q is a reserved node name", desc.Name)
	}
	if desc.Invoke == nil {
		return fmt.Errorf("tools: tool %q has no invoke function", desc.Name)
	}
	if desc.SideEffects == "" {
		desc.SideEffects = SideEffectsExternal
	}

	var argsSchema *jsonschema.Schema
	if desc.ArgsSchema != nil {
		var err error
		argsSchema, err = compileSchema(desc.Name+"/args", desc.ArgsSchema)
		if err != nil {
			return fmt.Errorf("tools: tool %q args schema: %w", desc.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tools: tool %q already registered", desc.Name)
	}
	r.tools[desc.Name] = &compiled{desc: desc, argsSchema: argsSchema}
	r.ordering = append(r.ordering, desc.Name)
	return nil
}

// Get returns the descriptor for the named tool.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return c.desc, true
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.ordering))
	for _, name := range r.ordering {
		out = append(out, r.tools[name].desc)
	}
	return out
}

// ValidateArgs checks the payload against the named tool's args schema. Tools
// without an args schema accept anything.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	r.mu.RLock()
	c, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tools: unknown tool %q", name)
	}
	if c.argsSchema == nil {
		return nil
	}
	normalized, err := normalizeJSON(args)
	if err != nil {
		return fmt.Errorf("tools: normalize args for %q: %w", name, err)
	}
	if err := c.argsSchema.Validate(normalized); err != nil {
		return fmt.Errorf("tools: args for %q: %w", name, err)
	}
	return nil
}

// SequencePolicy gates deterministic tool selection.
type SequencePolicy struct {
	// ReadOnlyOnly restricts candidates to pure and read tools.
	ReadOnlyOnly bool
	// AllowStateful permits stateful tools when ReadOnlyOnly is off.
	AllowStateful bool
	// Blocked lists tool names never selected deterministically.
	Blocked []string
}

// allows reports whether the policy permits deterministic execution of desc.
func (p SequencePolicy) allows(desc Descriptor) bool {
	for _, blocked := range p.Blocked {
		if blocked == desc.Name {
			return false
		}
	}
	switch desc.SideEffects {
	case SideEffectsPure, SideEffectsRead:
		return true
	case SideEffectsStateful:
		return !p.ReadOnlyOnly && p.AllowStateful
	default:
		return !p.ReadOnlyOnly
	}
}

// UniqueCandidate returns the single visible tool whose args schema validates
// the structured observation and whose side effects pass the policy. The
// boolean is false when zero or more than one tool qualifies. Candidate order
// is name-sorted so the result is deterministic.
func (r *Registry) UniqueCandidate(observation map[string]any, policy SequencePolicy) (Descriptor, bool) {
	if observation == nil {
		return Descriptor{}, false
	}
	normalized, err := normalizeJSON(observation)
	if err != nil {
		return Descriptor{}, false
	}

	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var match *compiled
	for _, name := range names {
		c := r.tools[name]
		if !policy.allows(c.desc) {
			continue
		}
		// Tools without an args schema accept anything and would always match;
		// they never qualify as a unique deterministic candidate.
		if c.argsSchema == nil {
			continue
		}
		if err := c.argsSchema.Validate(normalized); err != nil {
			continue
		}
		if match != nil {
			r.mu.RUnlock()
			return Descriptor{}, false
		}
		match = c
	}
	r.mu.RUnlock()

	if match == nil {
		return Descriptor{}, false
	}
	return match.desc, true
}

// Definitions renders the registry as provider tool definitions in
// registration order.
func (r *Registry) Definitions() []Definition {
	descs := r.List()
	out := make([]Definition, len(descs))
	for i, d := range descs {
		out[i] = Definition{Name: d.Name, Description: d.Description, InputSchema: d.ArgsSchema}
	}
	return out
}

// Definition is the provider-facing tool shape.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func compileSchema(name string, raw map[string]any) (*jsonschema.Schema, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// normalizeJSON round-trips a value through encoding/json so typed structs and
// ints validate the same way decoded JSON would.
func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
