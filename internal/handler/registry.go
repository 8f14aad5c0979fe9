package handler

import (
	"fmt"
	"sync"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/config"
)

// Factory creates a handler for one configured source.
type Factory func(src config.Source, env Env) (Handler, error)

// Registry holds handler factories indexed by source type.
type Registry struct {
	factories map[collection.SourceType]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[collection.SourceType]Factory),
	}
}

// Register adds a factory for the given source type.
// Panics if the source type is already registered.
func (r *Registry) Register(st collection.SourceType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[st]; exists {
		panic(fmt.Sprintf("handler factory already registered: %s", st))
	}
	r.factories[st] = factory
}

// Get returns the factory for the given source type.
func (r *Registry) Get(st collection.SourceType) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[st]
	return factory, ok
}

// Types returns the registered source types in canonical order.
func (r *Registry) Types() []collection.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []collection.SourceType
	for _, st := range collection.SourceTypes() {
		if _, ok := r.factories[st]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Resolve instantiates the handler for label. Labels that do not name a
// known source type, or name one without a factory, fail with
// E_UNSUPPORTED_SOURCE_TYPE.
func (r *Registry) Resolve(label string, src config.Source, env Env) (Handler, error) {
	st, err := collection.ParseSourceType(label)
	if err != nil {
		return nil, collection.UnsupportedSourceType(err)
	}
	factory, ok := r.Get(st)
	if !ok {
		return nil, collection.UnsupportedSourceType(fmt.Errorf("no handler registered for source type %s", st))
	}
	h, err := factory(src, env)
	if err != nil {
		return nil, fmt.Errorf("create %s handler for source %s: %w", st, src.Name, err)
	}
	return h, nil
}

// --- Default Global Registry ---

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the global handler registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a factory to the default registry.
func Register(st collection.SourceType, factory Factory) {
	defaultRegistry.Register(st, factory)
}
