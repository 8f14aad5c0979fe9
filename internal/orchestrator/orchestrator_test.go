package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/config"
	"github.com/nucleus/lap-ingest/internal/handler"
	"github.com/nucleus/lap-ingest/internal/state"
	"github.com/nucleus/lap-ingest/pkg/staging"
)

// fakeSource backs every handler instance created for one source type and
// records what they were asked to do.
type fakeSource struct {
	st collection.SourceType

	mu         sync.Mutex
	dispatches map[collection.Collection]int
	calls      int
	closed     int
	active     int
	maxActive  int
	records    map[collection.Collection]int
	failing    map[collection.Collection]error
	omit       map[collection.Collection]bool
	readErr    error
	block      chan struct{}
	started    chan struct{}
}

func newFakeSource(st collection.SourceType) *fakeSource {
	return &fakeSource{
		st:         st,
		dispatches: make(map[collection.Collection]int),
		records:    make(map[collection.Collection]int),
		failing:    make(map[collection.Collection]error),
		omit:       make(map[collection.Collection]bool),
		started:    make(chan struct{}, 64),
	}
}

func (f *fakeSource) dispatchCount(c collection.Collection) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches[c]
}

type fakeHandler struct {
	src  *fakeSource
	conf config.Source
	env  handler.Env
}

func (h *fakeHandler) SourceType() collection.SourceType { return h.src.st }

func (h *fakeHandler) Read(ctx context.Context, cs []collection.Collection) (map[collection.Collection]*handler.Result, error) {
	f := h.src
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	for _, c := range cs {
		f.dispatches[c]++
	}
	block := f.block
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.started <- struct{}{}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.readErr != nil {
		return nil, f.readErr
	}

	out := make(map[collection.Collection]*handler.Result, len(cs))
	for _, c := range cs {
		if f.omit[c] {
			continue
		}
		if err := f.failing[c]; err != nil {
			out[c] = handler.Failed(c, err)
			continue
		}
		n := f.records[c]
		if n == 0 {
			n = 3
		}
		rows := make([]map[string]any, n)
		for i := range rows {
			rows[i] = map[string]any{"row": fmt.Sprint(i)}
		}
		written, err := h.env.Stage(ctx, h.conf, f.st, c, "fake", rows)
		if err != nil {
			out[c] = handler.Failed(c, err)
			continue
		}
		out[c] = handler.Loaded(c, written)
	}
	// Results for collections nobody asked for are ignored.
	out[collection.Collection("EXTRA")] = handler.Loaded("EXTRA", 1)
	return out, nil
}

func (h *fakeHandler) Close() error {
	h.src.mu.Lock()
	h.src.closed++
	h.src.mu.Unlock()
	return nil
}

type failingResetStore struct {
	*staging.MemoryStore
}

func (s failingResetStore) Reset(context.Context) error {
	return errors.New("bucket unreachable")
}

type fixture struct {
	orch    *Orchestrator
	store   staging.Store
	state   *state.LoadState
	sources map[collection.SourceType]*fakeSource
}

type fixtureOption func(*Options)

func withTimeout(d time.Duration) fixtureOption {
	return func(o *Options) { o.HandlerTimeout = d }
}

func withStore(s staging.Store) fixtureOption {
	return func(o *Options) { o.Store = s }
}

func newFixture(t *testing.T, bindings []Binding, opts ...fixtureOption) *fixture {
	t.Helper()
	reg := handler.NewRegistry()
	sources := make(map[collection.SourceType]*fakeSource)
	for _, st := range []collection.SourceType{collection.SourceSampleCSV, collection.SourceCSV, collection.SourceDatabase} {
		src := newFakeSource(st)
		sources[st] = src
		reg.Register(st, func(conf config.Source, env handler.Env) (handler.Handler, error) {
			return &fakeHandler{src: src, conf: conf, env: env}, nil
		})
	}

	o := Options{
		Registry:           reg,
		Store:              staging.NewMemoryStore(0),
		State:              state.New(),
		Bindings:           bindings,
		Logger:             zerolog.Nop(),
		MaxParallelSources: 2,
	}
	for _, opt := range opts {
		opt(&o)
	}
	orch, err := New(o)
	require.NoError(t, err)
	return &fixture{orch: orch, store: o.Store, state: o.State, sources: sources}
}

func sampleBinding(cs ...collection.Collection) Binding {
	if len(cs) == 0 {
		cs = collection.All()
	}
	return Binding{Source: config.Source{Name: "sample", Type: "SAMPLE_CSV"}, Collections: cs}
}

func waitStarted(t *testing.T, src *fakeSource) {
	t.Helper()
	select {
	case <-src.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never dispatched")
	}
}

func TestLoadCollections_NilSetLoadsNothing(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})

	report, err := fx.orch.LoadCollections(context.Background(), Request{Collections: nil})
	require.NoError(t, err)
	assert.Empty(t, report.Loaded)
	assert.Empty(t, report.Failed)
	assert.Empty(t, fx.state.Snapshot())
	assert.Zero(t, fx.sources[collection.SourceSampleCSV].calls)
}

func TestLoadCollections_EmptySetLoadsAll(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	req := collection.Set{}

	report, err := fx.orch.LoadCollections(context.Background(), Request{Collections: req})
	require.NoError(t, err)

	assert.Equal(t, collection.All(), report.Loaded)
	assert.Empty(t, req, "caller's set must not be expanded in place")
	assert.Len(t, fx.state.Snapshot(), 5)
	assert.Equal(t, []collection.SourceType{collection.SourceSampleCSV}, fx.state.SourceTypes())
	assert.Equal(t, []collection.InputKind{collection.KindCSV}, fx.state.InputKinds())

	src := fx.sources[collection.SourceSampleCSV]
	assert.Equal(t, 1, src.calls, "one binding means one handler dispatch")
	assert.Equal(t, 1, src.closed)
	for _, c := range collection.All() {
		assert.Equal(t, 1, src.dispatchCount(c))
		assert.Equal(t, int64(3), report.Records[c])
	}
	assert.NotContains(t, report.Loaded, collection.Collection("EXTRA"))
}

func TestLoadCollections_Idempotent(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	ctx := context.Background()
	req := Request{Collections: collection.NewSet(collection.Grade, collection.Course)}

	_, err := fx.orch.LoadCollections(ctx, req)
	require.NoError(t, err)
	report, err := fx.orch.LoadCollections(ctx, req)
	require.NoError(t, err)

	assert.Empty(t, report.Loaded)
	assert.Equal(t, []collection.Collection{collection.Course, collection.Grade}, report.Skipped)
	assert.Equal(t, 1, fx.sources[collection.SourceSampleCSV].dispatchCount(collection.Grade))
}

func TestLoadCollections_ReloadOverridesCache(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	ctx := context.Background()
	req := Request{Collections: collection.NewSet(collection.Grade)}

	_, err := fx.orch.LoadCollections(ctx, req)
	require.NoError(t, err)
	req.ReloadData = true
	report, err := fx.orch.LoadCollections(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, []collection.Collection{collection.Grade}, report.Loaded)
	assert.Equal(t, 2, fx.sources[collection.SourceSampleCSV].dispatchCount(collection.Grade))
}

func TestLoadCollections_ResetStoreClearsCache(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	ctx := context.Background()

	_, err := fx.orch.LoadCollections(ctx, Request{Collections: collection.Set{}})
	require.NoError(t, err)

	report, err := fx.orch.LoadCollections(ctx, Request{ResetStore: true, Collections: nil})
	require.NoError(t, err)
	assert.True(t, report.Reset)
	assert.Empty(t, fx.state.Snapshot())
	assert.Empty(t, fx.state.SourceTypes())

	refs, err := fx.store.ListBatches(ctx, collection.Grade.StageRef())
	require.NoError(t, err)
	assert.Empty(t, refs)

	report, err = fx.orch.LoadCollections(ctx, Request{Collections: collection.NewSet(collection.Grade)})
	require.NoError(t, err)
	assert.Equal(t, []collection.Collection{collection.Grade}, report.Loaded)
	assert.Equal(t, 2, fx.sources[collection.SourceSampleCSV].dispatchCount(collection.Grade))
}

func TestLoadCollections_PartialFailure(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	cause := errors.New("grade file is corrupt")
	fx.sources[collection.SourceSampleCSV].failing[collection.Grade] = cause

	report, err := fx.orch.LoadCollections(context.Background(), Request{
		Collections: collection.NewSet(collection.Course, collection.Grade),
	})
	require.Error(t, err)

	var partial *PartialLoadError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, collection.ErrPartialLoad)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, []collection.Collection{collection.Grade}, partial.collections())

	assert.Equal(t, []collection.Collection{collection.Course}, report.Loaded)
	assert.Equal(t, []collection.Collection{collection.Grade}, report.FailedCollections())
	assert.True(t, fx.state.IsLoaded(collection.Course))
	assert.False(t, fx.state.IsLoaded(collection.Grade))

	details := report.ErrorDetails()
	assert.Equal(t, "E_LOAD_FAILED", details["GRADE"].Code)
}

func TestLoadCollections_DatabaseEnrollment(t *testing.T) {
	fx := newFixture(t, []Binding{
		sampleBinding(collection.Personal, collection.Course, collection.Grade, collection.Activity),
		{Source: config.Source{Name: "warehouse", Type: "DATABASE"}, Collections: []collection.Collection{collection.Enrollment}},
	})
	fx.sources[collection.SourceDatabase].records[collection.Enrollment] = 120
	ctx := context.Background()

	report, err := fx.orch.LoadCollections(ctx, Request{Collections: collection.NewSet(collection.Enrollment)})
	require.NoError(t, err)

	assert.Equal(t, []collection.Collection{collection.Enrollment}, report.Loaded)
	assert.Equal(t, int64(120), report.Records[collection.Enrollment])
	assert.Zero(t, fx.sources[collection.SourceSampleCSV].calls)

	origin := fx.state.Origins()[collection.Enrollment]
	assert.Equal(t, "warehouse", origin.Source)
	assert.Equal(t, collection.SourceDatabase, origin.Type)
	assert.Equal(t, []collection.InputKind{collection.KindStorage}, fx.state.InputKinds())

	staged, err := staging.ReadStage(ctx, fx.store, collection.Enrollment.StageRef())
	require.NoError(t, err)
	assert.Len(t, staged, 120)

	// Loading everything afterwards keeps the enrollment from the database.
	report, err = fx.orch.LoadCollections(ctx, Request{Collections: collection.Set{}})
	require.NoError(t, err)
	assert.Equal(t, []collection.Collection{collection.Personal, collection.Course, collection.Grade, collection.Activity}, report.Loaded)
	assert.Equal(t, []collection.Collection{collection.Enrollment}, report.Skipped)
	assert.Equal(t, 1, fx.sources[collection.SourceDatabase].dispatchCount(collection.Enrollment))
	assert.Equal(t, 1, fx.sources[collection.SourceSampleCSV].calls)
	assert.Equal(t, "warehouse", fx.state.Origins()[collection.Enrollment].Source)
	assert.ElementsMatch(t, []collection.InputKind{collection.KindCSV, collection.KindStorage}, fx.state.InputKinds())
}

func TestLoadCollections_UnsupportedSourceIsIsolated(t *testing.T) {
	fx := newFixture(t, []Binding{
		sampleBinding(collection.Personal, collection.Course),
		{Source: config.Source{Name: "legacy", Type: "FTP"}, Collections: []collection.Collection{collection.Grade}},
		{Source: config.Source{Name: "api", Type: "HTTP"}, Collections: []collection.Collection{collection.Activity}},
	})

	report, err := fx.orch.LoadCollections(context.Background(), Request{Collections: collection.Set{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, collection.ErrUnsupportedSourceType)

	assert.Equal(t, []collection.Collection{collection.Personal, collection.Course}, report.Loaded)
	assert.ErrorIs(t, report.Failed[collection.Grade], collection.ErrUnsupportedSourceType)
	assert.ErrorIs(t, report.Failed[collection.Activity], collection.ErrUnsupportedSourceType)
	assert.ErrorIs(t, report.Failed[collection.Enrollment], collection.ErrNoSource)
}

func TestLoadCollections_HandlerErrors(t *testing.T) {
	fx := newFixture(t, []Binding{
		sampleBinding(collection.Personal, collection.Course),
		{Source: config.Source{Name: "files", Type: "csv"}, Collections: []collection.Collection{collection.Grade, collection.Activity}},
	})
	fx.sources[collection.SourceSampleCSV].omit[collection.Course] = true
	fx.sources[collection.SourceCSV].readErr = errors.New("directory missing")

	report, err := fx.orch.LoadCollections(context.Background(), Request{
		Collections: collection.NewSet(collection.Personal, collection.Course, collection.Grade, collection.Activity),
	})
	require.Error(t, err)

	assert.Equal(t, []collection.Collection{collection.Personal}, report.Loaded)
	assert.ErrorIs(t, report.Failed[collection.Course], errNoResult)
	assert.EqualError(t, report.Failed[collection.Grade], "directory missing")
	assert.EqualError(t, report.Failed[collection.Activity], "directory missing")
	assert.Equal(t, 1, fx.sources[collection.SourceCSV].closed, "handler closed even when Read fails")
}

func TestLoadCollections_FailedReloadKeepsPreviousLoad(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	ctx := context.Background()
	req := Request{Collections: collection.NewSet(collection.Grade)}

	_, err := fx.orch.LoadCollections(ctx, req)
	require.NoError(t, err)

	fx.sources[collection.SourceSampleCSV].readErr = errors.New("source down")
	req.ReloadData = true
	_, err = fx.orch.LoadCollections(ctx, req)
	require.Error(t, err)
	assert.True(t, fx.state.IsLoaded(collection.Grade))
}

func TestLoadCollections_StoreRejectedReloadKeepsPreviousData(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()}, withStore(staging.NewMemoryStore(4096)))
	ctx := context.Background()
	req := Request{Collections: collection.NewSet(collection.Grade)}

	_, err := fx.orch.LoadCollections(ctx, req)
	require.NoError(t, err)

	fx.sources[collection.SourceSampleCSV].records[collection.Grade] = 10000
	req.ReloadData = true
	report, err := fx.orch.LoadCollections(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, report.Failed[collection.Grade], &staging.Error{Code: staging.CodeStageTooLarge})

	assert.True(t, fx.state.IsLoaded(collection.Grade))
	staged, err := fx.orch.ReadLoaded(ctx, collection.Grade)
	require.NoError(t, err)
	assert.Len(t, staged, 3)

	report, err = fx.orch.LoadCollections(ctx, Request{Collections: collection.NewSet(collection.Grade)})
	require.NoError(t, err)
	assert.Equal(t, []collection.Collection{collection.Grade}, report.Skipped)
}

// losingStore fails every promotion after wiping the target, while lose is set.
type losingStore struct {
	*staging.MemoryStore
	lose atomic.Bool
}

func (s *losingStore) PromoteStage(ctx context.Context, from, to string) error {
	if !s.lose.Load() {
		return s.MemoryStore.PromoteStage(ctx, from, to)
	}
	_ = s.MemoryStore.ClearStage(ctx, to)
	_ = s.MemoryStore.ClearStage(ctx, from)
	return &staging.Error{Code: staging.CodeStageLost, Err: errors.New("rename grade.next: input/output error")}
}

func TestLoadCollections_LostStageUnmarksCollection(t *testing.T) {
	store := &losingStore{MemoryStore: staging.NewMemoryStore(0)}
	fx := newFixture(t, []Binding{sampleBinding()}, withStore(store))
	ctx := context.Background()
	req := Request{Collections: collection.NewSet(collection.Grade, collection.Course)}

	_, err := fx.orch.LoadCollections(ctx, req)
	require.NoError(t, err)

	store.lose.Store(true)
	req.ReloadData = true
	req.Collections = collection.NewSet(collection.Grade)
	report, err := fx.orch.LoadCollections(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, report.Failed[collection.Grade], staging.ErrStageLost)
	assert.False(t, fx.state.IsLoaded(collection.Grade))
	assert.True(t, fx.state.IsLoaded(collection.Course))

	_, err = fx.orch.ReadLoaded(ctx, collection.Grade)
	assert.ErrorIs(t, err, collection.ErrNotLoaded)

	store.lose.Store(false)
	report, err = fx.orch.LoadCollections(ctx, Request{Collections: collection.NewSet(collection.Grade, collection.Course)})
	require.NoError(t, err)
	assert.Equal(t, []collection.Collection{collection.Grade}, report.Loaded)
	assert.Equal(t, []collection.Collection{collection.Course}, report.Skipped)
	assert.Equal(t, 3, fx.sources[collection.SourceSampleCSV].dispatchCount(collection.Grade))
}

func TestReadLoaded_WaitsForInflightReload(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	ctx := context.Background()
	src := fx.sources[collection.SourceSampleCSV]

	_, err := fx.orch.ReadLoaded(ctx, collection.Grade)
	assert.ErrorIs(t, err, collection.ErrNotLoaded)
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)

	_, err = fx.orch.LoadCollections(ctx, Request{Collections: collection.NewSet(collection.Grade)})
	require.NoError(t, err)

	src.records[collection.Grade] = 7
	src.block = make(chan struct{})
	reloaded := make(chan error, 1)
	go func() {
		_, err := fx.orch.LoadCollections(ctx, Request{Collections: collection.NewSet(collection.Grade), ReloadData: true})
		reloaded <- err
	}()
	waitStarted(t, src)

	type readResult struct {
		records []staging.RecordEnvelope
		err     error
	}
	read := make(chan readResult, 1)
	go func() {
		records, err := fx.orch.ReadLoaded(ctx, collection.Grade)
		read <- readResult{records, err}
	}()

	select {
	case <-read:
		t.Fatal("read finished while the reload was still writing")
	case <-time.After(30 * time.Millisecond):
	}
	close(src.block)

	require.NoError(t, <-reloaded)
	res := <-read
	require.NoError(t, res.err)
	assert.Len(t, res.records, 7)

	_, err = fx.orch.ReadLoaded(ctx, collection.Collection("ALUMNI"))
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
}

func TestLoadCollections_InvalidCollection(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	_, err := fx.orch.LoadCollections(context.Background(), Request{
		Collections: collection.Set{"ALUMNI": {}},
	})
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
	assert.Zero(t, fx.sources[collection.SourceSampleCSV].calls)
}

func TestLoadCollections_ResetFailure(t *testing.T) {
	mem := staging.NewMemoryStore(0)
	fx := newFixture(t, []Binding{sampleBinding()}, withStore(failingResetStore{mem}))
	fx.state.MarkLoaded(collection.Grade, state.Origin{Source: "sample", Type: collection.SourceSampleCSV})

	report, err := fx.orch.LoadCollections(context.Background(), Request{
		ResetStore:  true,
		Collections: collection.Set{},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, collection.ErrResetFailed)
	assert.Empty(t, report.Loaded)
	assert.Zero(t, fx.sources[collection.SourceSampleCSV].calls)
	assert.Empty(t, fx.state.Snapshot())

	code, retryable := Classify(err)
	assert.Equal(t, "E_RESET_FAILED", code)
	assert.True(t, retryable)
}

func TestLoadCollections_HandlerTimeout(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()}, withTimeout(20*time.Millisecond))
	fx.sources[collection.SourceSampleCSV].block = make(chan struct{})

	report, err := fx.orch.LoadCollections(context.Background(), Request{Collections: collection.NewSet(collection.Grade)})
	require.Error(t, err)
	assert.ErrorIs(t, report.Failed[collection.Grade], context.DeadlineExceeded)
	assert.Empty(t, fx.state.InFlight())
}

func TestLoadCollections_ConcurrentCallersDispatchOnce(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	src := fx.sources[collection.SourceSampleCSV]
	src.block = make(chan struct{})

	const callers = 10
	reports := make([]*Report, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = fx.orch.LoadCollections(context.Background(), Request{Collections: collection.NewSet(collection.Grade)})
		}(i)
	}

	waitStarted(t, src)
	time.Sleep(20 * time.Millisecond)
	close(src.block)
	wg.Wait()

	assert.Equal(t, 1, src.dispatchCount(collection.Grade))
	owners := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		r := reports[i]
		if len(r.Skipped) == 1 {
			continue
		}
		require.Equal(t, []collection.Collection{collection.Grade}, r.Loaded)
		if len(r.Joined) == 0 {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
}

func TestLoadCollections_JoinerSeesWinnerFailure(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	src := fx.sources[collection.SourceSampleCSV]
	src.block = make(chan struct{})
	src.readErr = errors.New("source down")

	done := make(chan error, 1)
	go func() {
		_, err := fx.orch.LoadCollections(context.Background(), Request{Collections: collection.NewSet(collection.Grade)})
		done <- err
	}()
	waitStarted(t, src)

	claim := fx.state.Claim(collection.Grade, false)
	require.Equal(t, state.ClaimJoin, claim.Kind)

	var joined *Report
	var joinErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		joined, joinErr = fx.orch.LoadCollections(context.Background(), Request{Collections: collection.NewSet(collection.Grade)})
	}()
	time.Sleep(20 * time.Millisecond)
	close(src.block)
	wg.Wait()

	require.Error(t, <-done)
	require.Error(t, joinErr)
	assert.EqualError(t, joined.Failed[collection.Grade], "source down")
	assert.Equal(t, 1, src.dispatchCount(collection.Grade))
}

func TestLoadCollections_ReloadSerializesWithInflightLoad(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	src := fx.sources[collection.SourceSampleCSV]
	src.block = make(chan struct{})
	req := Request{Collections: collection.NewSet(collection.Grade)}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := fx.orch.LoadCollections(context.Background(), req)
		assert.NoError(t, err)
	}()
	waitStarted(t, src)

	go func() {
		defer wg.Done()
		reload := req
		reload.ReloadData = true
		report, err := fx.orch.LoadCollections(context.Background(), reload)
		assert.NoError(t, err)
		assert.Equal(t, []collection.Collection{collection.Grade}, report.Loaded)
		assert.Empty(t, report.Joined)
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, src.dispatchCount(collection.Grade), "reload must wait for the in-flight load")

	close(src.block)
	wg.Wait()

	assert.Equal(t, 2, src.dispatchCount(collection.Grade))
	src.mu.Lock()
	assert.Equal(t, 1, src.maxActive)
	src.mu.Unlock()
}

func TestReset_WaitsForInflightLoads(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	src := fx.sources[collection.SourceSampleCSV]
	src.block = make(chan struct{})

	loadDone := make(chan struct{})
	go func() {
		defer close(loadDone)
		_, _ = fx.orch.LoadCollections(context.Background(), Request{Collections: collection.NewSet(collection.Grade)})
	}()
	waitStarted(t, src)

	resetDone := make(chan error, 1)
	go func() { resetDone <- fx.orch.Reset(context.Background()) }()

	select {
	case <-resetDone:
		t.Fatal("reset finished while a load was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(src.block)
	<-loadDone
	select {
	case err := <-resetDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reset never finished")
	}
	assert.False(t, fx.state.IsLoaded(collection.Grade))
	assert.Empty(t, fx.orch.Status().Loaded)
}

func TestNew_RejectsDoubleBinding(t *testing.T) {
	_, err := New(Options{
		Store: staging.NewMemoryStore(0),
		Bindings: []Binding{
			sampleBinding(collection.Grade),
			{Source: config.Source{Name: "files", Type: "CSV"}, Collections: []collection.Collection{collection.Grade}},
		},
	})
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
}

func TestBindingsFromConfig_DefaultsToSample(t *testing.T) {
	bindings, err := BindingsFromConfig(&config.Config{})
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "SAMPLE_CSV", bindings[0].Source.Type)
	assert.Equal(t, collection.All(), bindings[0].Collections)
}

func TestStatus(t *testing.T) {
	fx := newFixture(t, []Binding{
		sampleBinding(collection.Personal),
		{Source: config.Source{Name: "warehouse", Type: "DATABASE"}, Collections: []collection.Collection{collection.Grade}},
	})
	_, err := fx.orch.LoadCollections(context.Background(), Request{Collections: collection.NewSet(collection.Personal, collection.Grade)})
	require.NoError(t, err)

	st := fx.orch.Status()
	assert.Equal(t, []collection.Collection{collection.Personal, collection.Grade}, st.Loaded)
	assert.Equal(t, []collection.SourceType{collection.SourceSampleCSV, collection.SourceDatabase}, st.SourceTypes)
	assert.Equal(t, []collection.InputKind{collection.KindCSV, collection.KindStorage}, st.InputKinds)
	assert.Equal(t, "memory", st.Store)
	assert.Empty(t, st.InFlight)
}

func TestStatus_DuringReload(t *testing.T) {
	fx := newFixture(t, []Binding{sampleBinding()})
	ctx := context.Background()
	src := fx.sources[collection.SourceSampleCSV]

	_, err := fx.orch.LoadCollections(ctx, Request{Collections: collection.NewSet(collection.Grade)})
	require.NoError(t, err)

	src.block = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := fx.orch.LoadCollections(ctx, Request{Collections: collection.NewSet(collection.Grade), ReloadData: true})
		done <- err
	}()
	waitStarted(t, src)

	st := fx.orch.Status()
	assert.Equal(t, []collection.Collection{collection.Grade}, st.Loaded)
	assert.Equal(t, []collection.Collection{collection.Grade}, st.InFlight)
	assert.Len(t, st.Origins, len(st.Loaded))
	assert.Equal(t, []collection.SourceType{collection.SourceSampleCSV}, st.SourceTypes)

	close(src.block)
	require.NoError(t, <-done)
	assert.Empty(t, fx.orch.Status().InFlight)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		retryable bool
	}{
		{collection.NoSource(collection.Grade), "E_NO_SOURCE", false},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), "E_TIMEOUT", true},
		{errors.New("dial tcp: connection refused"), "E_ENDPOINT_UNREACHABLE", true},
		{errors.New("auth token rejected"), "E_AUTH_INVALID", false},
		{&staging.Error{Code: staging.CodeStageTooLarge}, "E_STAGE_TOO_LARGE", false},
		{errors.New("boom"), "E_LOAD_FAILED", true},
	}
	for _, tc := range cases {
		code, retryable := Classify(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.Equal(t, tc.retryable, retryable, tc.err.Error())
	}
}
