// Package tools defines the capability surface the agent can invoke during
// execution and a registry for dispatching calls by name.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Tool is a single named capability the agent may invoke. Implementations
// must be safe for concurrent use; the orchestrator runs handlers in
// parallel.
type Tool interface {
	// Name returns the identifier the model uses to call the tool.
	Name() string

	// Description explains the tool for inclusion in the system prompt.
	Description() string

	// Invoke runs the tool with the parsed call arguments and returns a
	// textual result suitable for feeding back into the model.
	Invoke(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds the tools available to the agent.
type Registry struct {
	mu     sync.RWMutex
	logger *zap.Logger
	tools  map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("tool_registry"),
		tools:  make(map[string]Tool),
	}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		r.logger.Warn("Replacing previously registered tool", zap.String("tool", t.Name()))
	}
	r.tools[t.Name()] = t
}

// Get returns the named tool, or false if it is not registered.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered tool names in sorted order.
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

// Describe renders a one-line-per-tool summary for the system prompt.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := ""
	for _, name := range names {
		out += fmt.Sprintf("- %s: %s\n", name, r.tools[name].Description())
	}
	return out
}

// Invoke dispatches a call to the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	result, err := t.Invoke(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tool %q failed: %w", name, err)
	}
	return result, nil
}
