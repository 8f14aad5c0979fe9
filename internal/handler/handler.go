// Package handler defines the contract between the load orchestrator and the
// source-specific readers that materialize collections in the temporary store.
package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/config"
	"github.com/nucleus/lap-ingest/pkg/staging"
)

// Status is the per-collection outcome reported by a handler.
type Status string

const (
	StatusLoaded Status = "loaded"
	StatusFailed Status = "failed"
)

// Result reports what happened to one collection.
type Result struct {
	Collection collection.Collection
	Status     Status
	Records    int64
	Err        error
}

// OK reports whether the collection was committed to the store.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusLoaded && r.Err == nil
}

// Loaded builds a success result.
func Loaded(c collection.Collection, records int64) *Result {
	return &Result{Collection: c, Status: StatusLoaded, Records: records}
}

// Failed builds a failure result.
func Failed(c collection.Collection, err error) *Result {
	return &Result{Collection: c, Status: StatusFailed, Err: err}
}

// Handler reads collections from one configured source and writes them into
// the temporary store. A collection is reported loaded only after its write
// has been committed. Returning an error fails every requested collection.
type Handler interface {
	SourceType() collection.SourceType
	Read(ctx context.Context, collections []collection.Collection) (map[collection.Collection]*Result, error)
	Close() error
}

// Env carries the shared collaborators a handler needs.
type Env struct {
	Store     staging.Store
	Logger    zerolog.Logger
	BatchSize int
}

// Stage replaces the stage of c with rows read from src.
func (e Env) Stage(ctx context.Context, src config.Source, st collection.SourceType, c collection.Collection, location string, rows []map[string]any) (int64, error) {
	observed := time.Now().UTC().Format(time.RFC3339)
	records := make([]staging.RecordEnvelope, len(rows))
	for i, row := range rows {
		records[i] = staging.RecordEnvelope{
			Collection: c.String(),
			Source:     staging.SourceRef{Name: src.Name, Type: st.String(), Location: location},
			Payload:    row,
			ObservedAt: observed,
		}
	}
	stats, err := staging.WriteStage(ctx, e.Store, c.StageRef(), records, e.BatchSize)
	if err != nil {
		return 0, err
	}
	e.Logger.Debug().
		Str("collection", c.String()).
		Str("source", src.Name).
		Int("records", stats.Records).
		Int("batches", stats.Batches).
		Msg("collection staged")
	return int64(stats.Records), nil
}
