package handlers

import (
	"fmt"
	"strings"
	"sync"
)

type entry struct {
	desc    Descriptor
	handler Handler
}

// Registry is the read-mostly catalog of handlers. Registration order is
// preserved and used as the routing tie-break; re-registering a name replaces
// its descriptor and handler in place.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string
	keywords map[string][]string // keyword → names in registration order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		keywords: make(map[string][]string),
	}
}

// NormalizeKeyword lowercases and trims a keyword or token.
func NormalizeKeyword(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

// Register adds or replaces a handler.
func (r *Registry) Register(d Descriptor, h Handler) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	if h == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidDescriptor, d.Name)
	}
	d = cloneDescriptor(d)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[d.Name]; !ok {
		r.order = append(r.order, d.Name)
	}
	r.entries[d.Name] = &entry{desc: d, handler: h}
	r.reindexLocked()
	return nil
}

// MustRegister is Register for static setup; it panics on invalid input.
func (r *Registry) MustRegister(d Descriptor, h Handler) {
	if err := r.Register(d, h); err != nil {
		panic(err)
	}
}

func (r *Registry) reindexLocked() {
	idx := make(map[string][]string, len(r.keywords))
	for _, name := range r.order {
		seen := make(map[string]bool)
		for _, kw := range r.entries[name].desc.Keywords {
			k := NormalizeKeyword(kw)
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			idx[k] = append(idx[k], name)
		}
	}
	r.keywords = idx
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return cloneDescriptor(e.desc), true
}

// Handler returns the handler registered under name.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// All returns every descriptor in registration order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, cloneDescriptor(r.entries[name].desc))
	}
	return out
}

// Names returns handler names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// FindByKeyword returns the names of handlers indexed under word, in
// registration order.
func (r *Registry) FindByKeyword(word string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.keywords[NormalizeKeyword(word)]...)
}

// Position returns a handler's registration index, or -1.
func (r *Registry) Position(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return -1
}

// Authorize resolves name and checks sc against its descriptor.
func (r *Registry) Authorize(name string, sc SessionContext) (Descriptor, Handler, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	if !e.desc.Compatible(sc.BusinessType) {
		return e.desc, nil, fmt.Errorf("%w: %s not available for business type %q", ErrPermissionDenied, name, sc.BusinessType)
	}
	if !e.desc.Permitted(sc) {
		return e.desc, nil, fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, name, strings.Join(e.desc.RequiredPermissions, ","))
	}
	return cloneDescriptor(e.desc), e.handler, nil
}

func cloneDescriptor(d Descriptor) Descriptor {
	d.Capabilities = append([]string(nil), d.Capabilities...)
	d.Keywords = append([]string(nil), d.Keywords...)
	d.RequiredPermissions = append([]string(nil), d.RequiredPermissions...)
	d.BusinessTypes = append([]string(nil), d.BusinessTypes...)
	d.DependsOn = append([]string(nil), d.DependsOn...)
	return d
}
