package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/handler"
	"github.com/nucleus/lap-ingest/internal/state"
	"github.com/nucleus/lap-ingest/pkg/staging"
)

var errNoResult = errors.New("no result reported")

// LoadCollections loads the requested collections into the temporary store.
//
// The returned Report is always non-nil. When some collections fail the error
// is a *PartialLoadError and the Report still lists everything that loaded.
// A failed store reset returns a ResetFailed error and attempts no loads.
func (o *Orchestrator) LoadCollections(ctx context.Context, req Request) (*Report, error) {
	report := newReport(uuid.NewString())
	log := o.log.With().Str("run_id", report.RunID).Logger()

	for c := range req.Collections {
		if !c.Valid() {
			report.finish()
			return report, collection.InvalidArgument(fmt.Errorf("unknown collection %q", c))
		}
	}

	if req.ResetStore {
		if err := o.Reset(ctx); err != nil {
			report.finish()
			return report, err
		}
		report.Reset = true
	}

	if req.Collections == nil {
		report.finish()
		return report, nil
	}

	// Expand into a private copy; the caller's set is left as given.
	plan := req.Collections.Clone()
	if len(plan) == 0 {
		plan = collection.NewSet(collection.All()...)
	}

	log.Info().
		Str("op", "load").
		Strs("collections", plan.Strings()).
		Bool("reload", req.ReloadData).
		Msg("load requested")

	o.gate.RLock()
	defer o.gate.RUnlock()

	pending := plan.Sorted()
	for len(pending) > 0 {
		pending = o.round(ctx, pending, req.ReloadData, report)
	}

	report.finish()
	log.Info().
		Str("op", "load").
		Int("loaded", len(report.Loaded)).
		Int("joined", len(report.Joined)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("load finished")
	return report, report.Err()
}

type pendingFlight struct {
	c      collection.Collection
	flight *state.Flight
}

// round claims every pending collection, dispatches the owned ones, then
// waits on flights owned by other callers. It returns the collections that
// must be claimed again because a reload found a foreign flight in progress.
// Owned flights are always committed before waiting on anyone else.
func (o *Orchestrator) round(ctx context.Context, pending []collection.Collection, reload bool, report *Report) []collection.Collection {
	owned := make(map[collection.Collection]*state.Flight)
	var joins, waits []pendingFlight

	for _, c := range pending {
		claim := o.state.Claim(c, reload)
		switch claim.Kind {
		case state.ClaimSkip:
			report.Skipped = append(report.Skipped, c)
		case state.ClaimOwned:
			owned[c] = claim.Flight
		case state.ClaimJoin:
			joins = append(joins, pendingFlight{c: c, flight: claim.Flight})
		case state.ClaimWait:
			waits = append(waits, pendingFlight{c: c, flight: claim.Flight})
		}
	}

	if len(owned) > 0 {
		o.dispatch(ctx, owned, report)
	}

	for _, j := range joins {
		origin, err := j.flight.Wait(ctx)
		if err != nil {
			report.fail(j.c, err)
			continue
		}
		report.loaded(j.c, origin, true)
	}

	var retry []collection.Collection
	for _, w := range waits {
		if _, err := w.flight.Wait(ctx); err != nil && ctx.Err() != nil {
			report.fail(w.c, ctx.Err())
			continue
		}
		retry = append(retry, w.c)
	}
	return retry
}

type groupOutcome struct {
	binding Binding
	st      collection.SourceType
	results map[collection.Collection]*handler.Result
}

// dispatch runs one handler per source binding and commits every owned flight.
// Stage locks are held until every outcome is committed.
func (o *Orchestrator) dispatch(ctx context.Context, owned map[collection.Collection]*state.Flight, report *Report) {
	locked := make([]collection.Collection, 0, len(owned))
	for c := range owned {
		locked = append(locked, c)
	}
	collection.Sort(locked)
	unlock := o.lockStages(locked)
	defer unlock()

	groups := make(map[int][]collection.Collection)
	for c, f := range owned {
		idx, ok := o.bindingOf[c]
		if !ok {
			err := collection.NoSource(c)
			o.state.Commit(f, state.Origin{}, err)
			report.fail(c, err)
			continue
		}
		groups[idx] = append(groups[idx], c)
	}

	outcomes := make([]*groupOutcome, len(o.bindings))
	var g errgroup.Group
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}
	for idx := range o.bindings {
		cols, ok := groups[idx]
		if !ok {
			continue
		}
		collection.Sort(cols)
		idx, b := idx, o.bindings[idx]
		g.Go(func() error {
			outcomes[idx] = o.runGroup(ctx, b, cols)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out == nil {
			continue
		}
		for c, res := range out.results {
			if res.OK() {
				origin := state.Origin{
					Source:   out.binding.Source.Name,
					Type:     out.st,
					Records:  res.Records,
					LoadedAt: time.Now().UTC(),
				}
				o.state.Commit(owned[c], origin, nil)
				report.loaded(c, origin, false)
				continue
			}
			if errors.Is(res.Err, staging.ErrStageLost) {
				o.log.Error().Err(res.Err).Str("collection", c.String()).Msg("previous data lost, collection unmarked")
				o.state.Discard(owned[c], res.Err)
			} else {
				o.state.Commit(owned[c], state.Origin{}, res.Err)
			}
			report.fail(c, res.Err)
		}
	}
}

// runGroup resolves and runs the handler for one binding. Every collection in
// cols gets exactly one result.
func (o *Orchestrator) runGroup(ctx context.Context, b Binding, cols []collection.Collection) (out *groupOutcome) {
	out = &groupOutcome{binding: b, results: make(map[collection.Collection]*handler.Result, len(cols))}
	log := o.log.With().Str("source", b.Source.Name).Str("source_type", b.Source.Type).Logger()

	failAll := func(err error) *groupOutcome {
		for _, c := range cols {
			out.results[c] = handler.Failed(c, err)
		}
		return out
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("handler panicked")
			out = failAll(&collection.Error{Code: collection.CodeLoadFailed, Err: fmt.Errorf("handler panicked: %v", r)})
		}
	}()

	h, err := o.registry.Resolve(b.Source.Type, b.Source, o.env())
	if err != nil {
		log.Warn().Err(err).Msg("handler unavailable")
		return failAll(err)
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("handler close failed")
		}
	}()
	out.st = h.SourceType()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	log.Debug().Strs("collections", collection.NewSet(cols...).Strings()).Msg("dispatching handler")
	results, err := h.Read(ctx, cols)
	if err != nil {
		log.Warn().Err(err).Msg("handler failed")
		return failAll(err)
	}

	for _, c := range cols {
		res, ok := results[c]
		switch {
		case !ok || res == nil:
			out.results[c] = handler.Failed(c, errNoResult)
		case res.OK():
			out.results[c] = res
		default:
			if res.Err == nil {
				res.Err = fmt.Errorf("handler reported status %q", res.Status)
			}
			out.results[c] = res
		}
		if !out.results[c].OK() {
			log.Warn().Err(out.results[c].Err).Str("collection", c.String()).Msg("collection load failed")
		}
	}
	return out
}
