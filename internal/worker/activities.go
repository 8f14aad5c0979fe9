// Package worker exposes the loader as Temporal activities.
package worker

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/orchestrator"
)

const (
	ActivityLoadCollections = "lapLoadCollections"
	ActivityStatus          = "lapStatus"
	WorkflowLoad            = "lapLoadWorkflow"
)

// Loader is the orchestrator surface the activities drive.
type Loader interface {
	LoadCollections(ctx context.Context, req orchestrator.Request) (*orchestrator.Report, error)
	Status() orchestrator.Status
}

// LoadActivityRequest is the activity input. A nil Collections loads
// nothing; an empty list loads every collection.
type LoadActivityRequest struct {
	ReloadData  bool      `json:"reloadData"`
	ResetStore  bool      `json:"resetStore"`
	Collections *[]string `json:"collections"`
}

// LoadActivityResult summarizes one load. Partial is set when at least one
// collection failed; the activity itself still succeeds in that case.
type LoadActivityResult struct {
	RunID   string                              `json:"runId"`
	Loaded  []string                            `json:"loaded"`
	Joined  []string                            `json:"joined"`
	Skipped []string                            `json:"skipped"`
	Failed  map[string]orchestrator.ErrorDetail `json:"failed,omitempty"`
	Records map[string]int64                    `json:"records"`
	Partial bool                                `json:"partial"`
}

// Activities holds the loader activities.
type Activities struct {
	loader Loader
}

// NewActivities creates the activity set.
func NewActivities(loader Loader) *Activities {
	return &Activities{loader: loader}
}

// LoadCollections runs one load. Invalid input fails without retry; a failed
// store reset is retryable.
func (a *Activities) LoadCollections(ctx context.Context, req LoadActivityRequest) (*LoadActivityResult, error) {
	logger := activity.GetLogger(ctx)

	request := orchestrator.Request{ReloadData: req.ReloadData, ResetStore: req.ResetStore}
	if req.Collections != nil {
		set, err := collection.ParseSet(*req.Collections)
		if err != nil {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), string(collection.CodeInvalidArgument), err)
		}
		request.Collections = set
	}
	logger.Info("loading collections", "collections", request.Collections.String(), "reload", req.ReloadData, "reset", req.ResetStore)

	report, err := a.loader.LoadCollections(ctx, request)
	var partial *orchestrator.PartialLoadError
	if err != nil && !errors.As(err, &partial) {
		code, retryable := orchestrator.Classify(err)
		if retryable {
			return nil, temporal.NewApplicationErrorWithCause(err.Error(), code, err)
		}
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), code, err)
	}

	result := toResult(report)
	if result.Partial {
		logger.Warn("load finished with failures", "runId", result.RunID, "failed", len(result.Failed))
	} else {
		logger.Info("load finished", "runId", result.RunID, "loaded", len(result.Loaded))
	}
	return result, nil
}

// Status reports the current load state.
func (a *Activities) Status(ctx context.Context) (orchestrator.Status, error) {
	return a.loader.Status(), nil
}

func toResult(report *orchestrator.Report) *LoadActivityResult {
	out := &LoadActivityResult{
		RunID:   report.RunID,
		Loaded:  labels(report.Loaded),
		Joined:  labels(report.Joined),
		Skipped: labels(report.Skipped),
		Records: make(map[string]int64, len(report.Records)),
		Partial: len(report.Failed) > 0,
	}
	for c, n := range report.Records {
		out.Records[c.String()] = n
	}
	if out.Partial {
		out.Failed = report.ErrorDetails()
	}
	return out
}

func labels(cs []collection.Collection) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}
