// Package state tracks which collections have been materialized in the
// temporary store, which source types loaded them, and which loads are in
// flight right now.
//
// A collection is in one of three states: not loaded, in flight, or loaded.
// Callers move a collection into flight with Claim and out of it with Commit.
// Only a successful Commit marks a collection loaded. Reset unmarks every
// collection, Discard unmarks one whose stored data was lost by a failed load.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/nucleus/lap-ingest/internal/collection"
)

// Origin identifies the handler dispatch that loaded a collection.
type Origin struct {
	Source   string                `json:"source"`
	Type     collection.SourceType `json:"type"`
	Records  int64                 `json:"records"`
	LoadedAt time.Time             `json:"loadedAt"`
}

// ClaimKind is the outcome of a Claim.
type ClaimKind int

const (
	// ClaimSkip: already loaded and the caller did not ask for a reload.
	ClaimSkip ClaimKind = iota
	// ClaimOwned: the caller owns the flight and must Commit it.
	ClaimOwned
	// ClaimJoin: another caller is loading; wait on the flight and reuse its outcome.
	ClaimJoin
	// ClaimWait: another caller is loading and the caller wants a fresh load;
	// wait on the flight, then claim again.
	ClaimWait
)

func (k ClaimKind) String() string {
	switch k {
	case ClaimSkip:
		return "skip"
	case ClaimOwned:
		return "owned"
	case ClaimJoin:
		return "join"
	case ClaimWait:
		return "wait"
	default:
		return "unknown"
	}
}

// Claim is returned by LoadState.Claim. Flight is nil for ClaimSkip.
type Claim struct {
	Kind   ClaimKind
	Flight *Flight
}

// Flight is a single in-flight load of one collection.
type Flight struct {
	Collection collection.Collection
	Started    time.Time

	done   chan struct{}
	origin Origin
	err    error
}

// Done is closed once the flight has been committed.
func (f *Flight) Done() <-chan struct{} { return f.done }

// Wait blocks until the flight is committed or ctx ends, and returns the
// flight's outcome.
func (f *Flight) Wait(ctx context.Context) (Origin, error) {
	select {
	case <-f.done:
		return f.origin, f.err
	case <-ctx.Done():
		return Origin{}, ctx.Err()
	}
}

// LoadState is the desired-state cache. The zero value is not usable; use New.
type LoadState struct {
	mu          sync.Mutex
	loaded      map[collection.Collection]Origin
	sourceTypes map[collection.SourceType]struct{}
	inflight    map[collection.Collection]*Flight
	now         func() time.Time
}

// New returns an empty LoadState.
func New() *LoadState {
	return &LoadState{
		loaded:      make(map[collection.Collection]Origin),
		sourceTypes: make(map[collection.SourceType]struct{}),
		inflight:    make(map[collection.Collection]*Flight),
		now:         time.Now,
	}
}

// Claim atomically decides what the caller should do about c.
func (s *LoadState) Claim(c collection.Collection, reload bool) Claim {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.inflight[c]; ok {
		if reload {
			return Claim{Kind: ClaimWait, Flight: f}
		}
		return Claim{Kind: ClaimJoin, Flight: f}
	}
	if _, ok := s.loaded[c]; ok && !reload {
		return Claim{Kind: ClaimSkip}
	}
	f := &Flight{Collection: c, Started: s.now(), done: make(chan struct{})}
	s.inflight[c] = f
	return Claim{Kind: ClaimOwned, Flight: f}
}

// Commit publishes the outcome of an owned flight. On success c is marked
// loaded with origin; on failure the previous loaded entry, if any, is kept.
// Committing a flight that is no longer current is a no-op.
func (s *LoadState) Commit(f *Flight, origin Origin, err error) {
	s.finish(f, origin, err, false)
}

// Discard commits a failed flight and unmarks its collection, for failures
// that destroyed the previously loaded data. Waiters observe err.
func (s *LoadState) Discard(f *Flight, err error) {
	s.finish(f, Origin{}, err, true)
}

func (s *LoadState) finish(f *Flight, origin Origin, err error, drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.inflight[f.Collection]; !ok || cur != f {
		return
	}
	delete(s.inflight, f.Collection)
	switch {
	case err == nil:
		if origin.LoadedAt.IsZero() {
			origin.LoadedAt = s.now()
		}
		s.markLocked(f.Collection, origin)
	case drop:
		delete(s.loaded, f.Collection)
	}
	f.origin = origin
	f.err = err
	close(f.done)
}

// MarkLoaded records c as loaded by origin. Marking twice is harmless.
func (s *LoadState) MarkLoaded(c collection.Collection, origin Origin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if origin.LoadedAt.IsZero() {
		origin.LoadedAt = s.now()
	}
	s.markLocked(c, origin)
}

func (s *LoadState) markLocked(c collection.Collection, origin Origin) {
	s.loaded[c] = origin
	if origin.Type != "" {
		s.sourceTypes[origin.Type] = struct{}{}
	}
}

// IsLoaded reports whether c has been loaded since the last Reset.
func (s *LoadState) IsLoaded(c collection.Collection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loaded[c]
	return ok
}

// Snapshot returns a copy of the loaded set.
func (s *LoadState) Snapshot() collection.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(collection.Set, len(s.loaded))
	for c := range s.loaded {
		out.Add(c)
	}
	return out
}

// Origins returns a copy of the per-collection load origins.
func (s *LoadState) Origins() map[collection.Collection]Origin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.originsLocked()
}

// SourceTypes returns the source types that contributed a successful load,
// in canonical order.
func (s *LoadState) SourceTypes() []collection.SourceType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourceTypesLocked()
}

// InputKinds returns the input kinds derived from SourceTypes.
func (s *LoadState) InputKinds() []collection.InputKind {
	return inputKinds(s.SourceTypes())
}

// InFlight returns the collections currently being loaded, in canonical order.
func (s *LoadState) InFlight() []collection.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflightLocked()
}

// View is a consistent copy of the whole state, taken under one lock.
type View struct {
	Loaded      []collection.Collection
	Origins     map[collection.Collection]Origin
	SourceTypes []collection.SourceType
	InputKinds  []collection.InputKind
	InFlight    []collection.Collection
}

// View returns every field of the state as of one instant.
func (s *LoadState) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := make([]collection.Collection, 0, len(s.loaded))
	for c := range s.loaded {
		loaded = append(loaded, c)
	}
	collection.Sort(loaded)
	types := s.sourceTypesLocked()
	return View{
		Loaded:      loaded,
		Origins:     s.originsLocked(),
		SourceTypes: types,
		InputKinds:  inputKinds(types),
		InFlight:    s.inflightLocked(),
	}
}

func (s *LoadState) originsLocked() map[collection.Collection]Origin {
	out := make(map[collection.Collection]Origin, len(s.loaded))
	for c, o := range s.loaded {
		out[c] = o
	}
	return out
}

func (s *LoadState) sourceTypesLocked() []collection.SourceType {
	var out []collection.SourceType
	for _, st := range collection.SourceTypes() {
		if _, ok := s.sourceTypes[st]; ok {
			out = append(out, st)
		}
	}
	return out
}

func (s *LoadState) inflightLocked() []collection.Collection {
	out := make([]collection.Collection, 0, len(s.inflight))
	for c := range s.inflight {
		out = append(out, c)
	}
	collection.Sort(out)
	return out
}

func inputKinds(types []collection.SourceType) []collection.InputKind {
	seen := make(map[collection.InputKind]struct{})
	var out []collection.InputKind
	for _, st := range types {
		k := st.Kind()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Reset clears the loaded set and the source types together. In-flight
// entries are untouched; callers drain them before resetting.
func (s *LoadState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = make(map[collection.Collection]Origin)
	s.sourceTypes = make(map[collection.SourceType]struct{})
}
