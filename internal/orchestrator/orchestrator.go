// Package orchestrator decides which collections must be (re)loaded, routes
// them to the handler of their configured source, and records the outcome in
// the load state.
//
// # Concurrency
//
// Loads run under the read side of a gate; store resets take the write side,
// so a reset waits for every in-flight load to finish and no load starts
// while the store is being wiped. Within loads, the state claim protocol
// guarantees at most one dispatch per collection at any time. A dispatch
// holds the stage lock of every collection it writes, and ReadLoaded holds it
// for reading, so readers never see a stage that a reload is replacing.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/config"
	"github.com/nucleus/lap-ingest/internal/handler"
	"github.com/nucleus/lap-ingest/internal/state"
	"github.com/nucleus/lap-ingest/pkg/staging"
)

// Binding routes a set of collections to one configured source.
type Binding struct {
	Source      config.Source
	Collections []collection.Collection
}

// Options configures an Orchestrator.
type Options struct {
	Registry *handler.Registry
	Store    staging.Store
	State    *state.LoadState
	Bindings []Binding
	Logger   zerolog.Logger

	// MaxParallelSources bounds concurrent handler dispatches. Zero means unbounded.
	MaxParallelSources int
	// HandlerTimeout bounds each dispatch. Zero means no deadline.
	HandlerTimeout time.Duration
	BatchSize      int
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	gate   sync.RWMutex
	stages map[collection.Collection]*sync.RWMutex

	registry *handler.Registry
	store    staging.Store
	state    *state.LoadState
	log      zerolog.Logger

	bindings    []Binding
	bindingOf   map[collection.Collection]int
	maxParallel int
	timeout     time.Duration
	batchSize   int
}

// New validates the bindings and builds an Orchestrator. A nil State starts
// from an empty cache; a nil Registry uses the default registry.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, collection.InvalidArgument(fmt.Errorf("store is required"))
	}
	if opts.Registry == nil {
		opts.Registry = handler.DefaultRegistry()
	}
	if opts.State == nil {
		opts.State = state.New()
	}
	if opts.MaxParallelSources < 0 || opts.HandlerTimeout < 0 {
		return nil, collection.InvalidArgument(fmt.Errorf("max parallel sources and handler timeout must not be negative"))
	}

	o := &Orchestrator{
		registry:    opts.Registry,
		store:       opts.Store,
		state:       opts.State,
		log:         opts.Logger.With().Str("component", "orchestrator").Logger(),
		stages:      make(map[collection.Collection]*sync.RWMutex),
		bindingOf:   make(map[collection.Collection]int),
		maxParallel: opts.MaxParallelSources,
		timeout:     opts.HandlerTimeout,
		batchSize:   opts.BatchSize,
	}
	for _, c := range collection.All() {
		o.stages[c] = new(sync.RWMutex)
	}
	for i, b := range opts.Bindings {
		cols := append([]collection.Collection(nil), b.Collections...)
		collection.Sort(cols)
		for _, c := range cols {
			if !c.Valid() {
				return nil, collection.InvalidArgument(fmt.Errorf("source %s: unknown collection %q", b.Source.Name, c))
			}
			if prev, ok := o.bindingOf[c]; ok {
				return nil, collection.InvalidArgument(fmt.Errorf("collection %s is bound to both %s and %s", c, opts.Bindings[prev].Source.Name, b.Source.Name))
			}
			o.bindingOf[c] = i
		}
		o.bindings = append(o.bindings, Binding{Source: b.Source, Collections: cols})
	}
	return o, nil
}

// BindingsFromConfig turns configured sources into bindings.
func BindingsFromConfig(cfg *config.Config) ([]Binding, error) {
	sources := cfg.EffectiveSources()
	out := make([]Binding, 0, len(sources))
	for _, src := range sources {
		cols, err := collection.ParseAll(src.Collections)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		out = append(out, Binding{Source: src, Collections: cols})
	}
	return out, nil
}

// Bindings returns a copy of the configured bindings.
func (o *Orchestrator) Bindings() []Binding {
	out := make([]Binding, len(o.bindings))
	for i, b := range o.bindings {
		out[i] = Binding{Source: b.Source, Collections: append([]collection.Collection(nil), b.Collections...)}
	}
	return out
}

// State exposes the load state for read-only consumers such as export.
func (o *Orchestrator) State() *state.LoadState { return o.state }

// ReadLoaded returns the staged records of c. It fails with
// collection.ErrNotLoaded unless c is loaded, and waits for any dispatch
// writing c to commit first.
func (o *Orchestrator) ReadLoaded(ctx context.Context, c collection.Collection) ([]staging.RecordEnvelope, error) {
	mu, ok := o.stages[c]
	if !ok {
		return nil, collection.InvalidArgument(fmt.Errorf("unknown collection %q", c))
	}
	o.gate.RLock()
	defer o.gate.RUnlock()
	mu.RLock()
	defer mu.RUnlock()

	if !o.state.IsLoaded(c) {
		return nil, collection.InvalidArgument(fmt.Errorf("%w: %s", collection.ErrNotLoaded, c))
	}
	return staging.ReadStage(ctx, o.store, c.StageRef())
}

// lockStages write-locks the stages of cols in the given order and returns the
// matching unlock. Callers pass cols sorted.
func (o *Orchestrator) lockStages(cols []collection.Collection) func() {
	for _, c := range cols {
		o.stages[c].Lock()
	}
	return func() {
		for i := len(cols) - 1; i >= 0; i-- {
			o.stages[cols[i]].Unlock()
		}
	}
}

// Store returns the temporary store the orchestrator loads into.
func (o *Orchestrator) Store() staging.Store { return o.store }

// Status is a point-in-time view of the load state.
type Status struct {
	Loaded      []collection.Collection                `json:"loaded"`
	Origins     map[collection.Collection]state.Origin `json:"origins"`
	SourceTypes []collection.SourceType                `json:"sourceTypes"`
	InputKinds  []collection.InputKind                 `json:"inputKinds"`
	InFlight    []collection.Collection                `json:"inFlight"`
	Store       string                                 `json:"store"`
}

// Status returns the current load state.
func (o *Orchestrator) Status() Status {
	v := o.state.View()
	return Status{
		Loaded:      v.Loaded,
		Origins:     v.Origins,
		SourceTypes: v.SourceTypes,
		InputKinds:  v.InputKinds,
		InFlight:    v.InFlight,
		Store:       o.store.ID(),
	}
}

// Reset wipes the temporary store and clears the load state. It waits for
// in-flight loads to drain first. The state is cleared even when the store
// reset fails, since the store contents can no longer be trusted.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.gate.Lock()
	defer o.gate.Unlock()

	err := o.store.Reset(ctx)
	o.state.Reset()
	if err != nil {
		o.log.Error().Err(err).Str("op", "reset").Str("store", o.store.ID()).Msg("store reset failed")
		return collection.ResetFailed(err)
	}
	o.log.Info().Str("op", "reset").Str("store", o.store.ID()).Msg("store reset")
	return nil
}

func (o *Orchestrator) env() handler.Env {
	return handler.Env{Store: o.store, Logger: o.log, BatchSize: o.batchSize}
}
