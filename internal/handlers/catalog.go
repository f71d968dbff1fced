package handlers

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed catalog.toml
var defaultCatalog []byte

type catalogFile struct {
	Handlers []Descriptor `toml:"handler"`
}

// DefaultCatalog returns the descriptors shipped with the binary.
func DefaultCatalog() ([]Descriptor, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a TOML catalog from path. An empty path yields the
// default catalog.
func LoadCatalog(path string) ([]Descriptor, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a TOML catalog.
func ParseCatalog(data []byte) ([]Descriptor, error) {
	var f catalogFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	names := make(map[string]bool, len(f.Handlers))
	for i := range f.Handlers {
		d := &f.Handlers[i]
		d.Name = strings.TrimSpace(d.Name)
		d.Instructions = strings.TrimSpace(d.Instructions)
		if d.Name == "" {
			return nil, fmt.Errorf("%w: entry %d has no name", ErrInvalidDescriptor, i)
		}
		if names[d.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHandler, d.Name)
		}
		names[d.Name] = true
	}

	for _, d := range f.Handlers {
		if slices.Contains(d.DependsOn, d.Name) {
			return nil, fmt.Errorf("%w: %s depends on itself", ErrInvalidDescriptor, d.Name)
		}
		for _, dep := range d.DependsOn {
			if !names[dep] {
				return nil, fmt.Errorf("%w: %s depends on unknown handler %s", ErrInvalidDescriptor, d.Name, dep)
			}
		}
	}
	return f.Handlers, nil
}

// Factory builds the executable handler for a catalog entry.
type Factory func(d Descriptor) Handler

// RegisterCatalog registers every descriptor with the handler factory builds
// for it.
func RegisterCatalog(r *Registry, descs []Descriptor, factory Factory) error {
	for _, d := range descs {
		if err := r.Register(d, factory(d)); err != nil {
			return err
		}
	}
	return nil
}
