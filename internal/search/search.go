// Package search provides a pluggable web search interface for the
// research workflow.
//
// Each search provider implements the [Provider] interface and is
// registered by name. The [Manager] selects a provider based on
// configuration and exposes [Manager.Search] for single queries and
// [Manager.SearchAll] for the concurrent multi-query fan-out the
// retrieval node performs.
package search

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// MaxResults is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	MaxResults int `json:"max_results,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "tavily", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[m.primary]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}
	return p.Search(ctx, query, opts)
}

// SearchAll runs every query concurrently against the primary provider
// and returns one formatted snippet block per query, ordered to match
// the input. The call waits for all branches to settle; the first
// error cancels the remainder and is returned.
func (m *Manager) SearchAll(ctx context.Context, queries []string, opts Options) ([]string, error) {
	if _, ok := m.providers[m.primary]; !ok {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}

	blocks := make([]string, len(queries))
	g, gctx := errgroup.WithContext(ctx)

	for i, query := range queries {
		g.Go(func() error {
			results, err := m.Search(gctx, query, opts)
			if err != nil {
				return fmt.Errorf("query %q: %w", query, err)
			}
			blocks[i] = FormatResults(results)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Providers returns the names of all registered providers.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// FormatResults renders results as a plain-text block: one snippet per
// line, titles included when present. Returns a fixed notice when
// nothing matched.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n")
		}
		if r.Title != "" {
			sb.WriteString(r.Title)
			sb.WriteString(": ")
		}
		sb.WriteString(r.Snippet)
	}
	return sb.String()
}
