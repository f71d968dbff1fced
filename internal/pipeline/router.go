package pipeline

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Router maps engine names to backends with a fallback default.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// NewRouter creates a router; fallback names the backend used for unknown
// or empty engine names.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route returns the backend for engine, falling back to the default.
func (r *Router[T]) Route(engine string) (T, string, error) {
	if backend, ok := r.backends[engine]; ok {
		return backend, engine, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, r.fallback, nil
	}
	var zero T
	return zero, "", fmt.Errorf("no backend for engine %q", engine)
}

// Has reports whether engine is registered.
func (r *Router[T]) Has(engine string) bool {
	_, ok := r.backends[engine]
	return ok
}

// Engines returns registered engine names, sorted.
func (r *Router[T]) Engines() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NewPooledHTTPClient returns a client with a connection pool sized for
// poolSize concurrent upstream calls.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
