// Package tools defines the tools advertised to the model and the
// dispatcher that executes them.
package tools

import (
	"context"
	"fmt"
)

// ResearchToolName is the tool routed into the research sub-workflow
// instead of being executed by the registry.
const ResearchToolName = "web_search_crypto"

// MarketMetricsToolName is the market snapshot tool executed locally.
const MarketMetricsToolName = "cryptocurrency_market_metrics"

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	Handler func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Registering the same name
// twice replaces the previous definition.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the tool schemas advertised to the model, in
// registration order.
func (r *Registry) Definitions() []map[string]any {
	defs := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return defs
}

// Execute runs a tool by name. External-service failures surface as a
// *ServiceError so the dispatch boundary can convert them into
// tool-result text instead of aborting the turn.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if t.Handler == nil {
		return "", fmt.Errorf("tool %q has no handler", name)
	}

	result, err := t.Handler(ctx, args)
	if err != nil {
		return "", &ServiceError{Service: name, Err: err}
	}
	return result, nil
}
