package connector

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownKind is returned when no constructor is registered for a
	// backend kind.
	ErrUnknownKind = errors.New("connector: unknown backend kind")

	// ErrMissingCredentials is returned when a config lacks the credentials
	// its auth type requires.
	ErrMissingCredentials = errors.New("connector: missing credentials")
)

// Constructor builds a connector from a backend configuration.
type Constructor func(cfg BackendConfig) (Connector, error)

// Factory maps backend kinds to connector constructors. Adding a backend
// means registering a new kind, not modifying dispatch code.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory creates an empty connector factory.
func NewFactory() *Factory {
	return &Factory{
		constructors: make(map[string]Constructor),
	}
}

// Register registers a constructor for a backend kind. Registering the same
// kind twice replaces the previous constructor.
func (f *Factory) Register(kind string, fn Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = fn
}

// Kinds returns the registered backend kinds, sorted.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]string, 0, len(f.constructors))
	for kind := range f.constructors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// New constructs a connector for the config's kind.
func (f *Factory) New(cfg BackendConfig) (Connector, error) {
	f.mu.RLock()
	fn, ok := f.constructors[cfg.Kind]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	return fn(cfg)
}
