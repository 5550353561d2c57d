// Package tools defines the tool contract the turn engine dispatches
// against, the name-keyed registry, and the builtin workspace tools.
package tools

import (
	"sort"
	"sync"

	"github.com/batalabs/loopd/internal/provider"
)

// Tool is the capability set the engine requires from every tool.
type Tool interface {
	// Spec returns the provider-agnostic tool definition.
	Spec() provider.ToolSpec
	// IsMutating reports whether executing the tool can modify files.
	IsMutating() bool
	// Execute runs the tool and returns its text output.
	Execute(input map[string]any) (string, error)
}

// PathPredictor is optionally implemented by tools that can name the
// filesystem paths an input will touch before execution.
type PathPredictor interface {
	PredictTouchedPaths(input map[string]any) []string
}

// Registry holds tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. A tool re-registered under the same name replaces
// the previous one.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Spec().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Find looks up a tool by name.
func (r *Registry) Find(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns tool specs in registration order, the order presented to
// the model.
func (r *Registry) Specs() []provider.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]provider.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}
