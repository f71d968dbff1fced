// Package upstream tracks the health of the services the engine depends on
// (speech-to-text, text-to-speech, LLM, cache, trace store) for readiness.
package upstream

import (
	"context"
	"sort"
)

// Check probes a non-HTTP upstream such as Redis or Postgres.
type Check func(ctx context.Context) error

// Meta holds static metadata for an upstream.
type Meta struct {
	Category  string // "stt", "tts", "llm", "cache" or "trace"
	HealthURL string // URL to GET; any 2xx is healthy
	Check     Check  // used when HealthURL is empty
	// Required upstreams gate readiness; optional ones are reported only.
	Required bool
}

// Registry is the set of upstreams to probe.
type Registry struct {
	services map[string]Meta
}

// NewRegistry creates a registry from a map of upstream metadata.
func NewRegistry(services map[string]Meta) *Registry {
	if services == nil {
		services = make(map[string]Meta)
	}
	return &Registry{services: services}
}

// Add registers or replaces an upstream.
func (r *Registry) Add(name string, m Meta) {
	r.services[name] = m
}

// Lookup returns metadata for an upstream.
func (r *Registry) Lookup(name string) (Meta, bool) {
	m, ok := r.services[name]
	return m, ok
}

// Names returns all registered upstream names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for k := range r.services {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
