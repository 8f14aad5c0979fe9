package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/state"
)

// Request asks for a set of collections to be loaded.
//
// A nil Collections loads nothing; an empty non-nil set loads every collection.
type Request struct {
	ReloadData  bool
	ResetStore  bool
	Collections collection.Set
}

// Report describes what one LoadCollections call did.
type Report struct {
	RunID string `json:"runId"`
	// Reset is true when the store was wiped before loading.
	Reset bool `json:"reset"`
	// Loaded holds every requested collection that is loaded as a result of
	// this call, including ones loaded by a concurrent caller it joined.
	Loaded []collection.Collection `json:"loaded"`
	// Joined is the subset of Loaded produced by another caller's dispatch.
	Joined []collection.Collection `json:"joined"`
	// Skipped collections were already loaded and not reloaded.
	Skipped []collection.Collection `json:"skipped"`
	// Failed maps each failed collection to its cause. Errors is its
	// serializable form, filled in when the load finishes.
	Failed  map[collection.Collection]error        `json:"-"`
	Errors  map[string]ErrorDetail                 `json:"errors"`
	Records map[collection.Collection]int64        `json:"records"`
	Origins map[collection.Collection]state.Origin `json:"origins"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

func newReport(runID string) *Report {
	return &Report{
		RunID:     runID,
		Failed:    make(map[collection.Collection]error),
		Records:   make(map[collection.Collection]int64),
		Origins:   make(map[collection.Collection]state.Origin),
		StartedAt: time.Now().UTC(),
	}
}

func (r *Report) loaded(c collection.Collection, origin state.Origin, joined bool) {
	r.Loaded = append(r.Loaded, c)
	if joined {
		r.Joined = append(r.Joined, c)
	}
	r.Records[c] = origin.Records
	r.Origins[c] = origin
}

func (r *Report) fail(c collection.Collection, err error) {
	r.Failed[c] = err
}

func (r *Report) finish() {
	for _, list := range []*[]collection.Collection{&r.Loaded, &r.Joined, &r.Skipped} {
		if *list == nil {
			*list = []collection.Collection{}
		}
	}
	collection.Sort(r.Loaded)
	collection.Sort(r.Joined)
	collection.Sort(r.Skipped)
	r.Errors = r.ErrorDetails()
	r.FinishedAt = time.Now().UTC()
}

// FailedCollections returns the failed collections in canonical order.
func (r *Report) FailedCollections() []collection.Collection {
	out := make([]collection.Collection, 0, len(r.Failed))
	for c := range r.Failed {
		out = append(out, c)
	}
	collection.Sort(out)
	return out
}

// Err returns a *PartialLoadError when any collection failed.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	failed := make(map[collection.Collection]error, len(r.Failed))
	for c, err := range r.Failed {
		failed[c] = err
	}
	return &PartialLoadError{Failed: failed}
}

// PartialLoadError names every collection that failed to load and why.
// Collections absent from Failed were loaded normally.
type PartialLoadError struct {
	Failed map[collection.Collection]error
}

func (e *PartialLoadError) collections() []collection.Collection {
	out := make([]collection.Collection, 0, len(e.Failed))
	for c := range e.Failed {
		out = append(out, c)
	}
	collection.Sort(out)
	return out
}

func (e *PartialLoadError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, c := range e.collections() {
		parts = append(parts, fmt.Sprintf("%s: %v", c, e.Failed[c]))
	}
	return fmt.Sprintf("%s: %d collection(s) failed to load: %s", collection.CodePartialLoad, len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes the per-collection causes to errors.Is and errors.As.
func (e *PartialLoadError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, c := range e.collections() {
		out = append(out, e.Failed[c])
	}
	return out
}

// Is matches collection.ErrPartialLoad.
func (e *PartialLoadError) Is(target error) bool {
	t, ok := target.(*collection.Error)
	return ok && t.Code == collection.CodePartialLoad
}

func (e *PartialLoadError) CodeValue() string { return string(collection.CodePartialLoad) }

// RetryableStatus is true when every cause is retryable.
func (e *PartialLoadError) RetryableStatus() bool {
	for _, err := range e.Failed {
		if _, retryable := Classify(err); !retryable {
			return false
		}
	}
	return len(e.Failed) > 0
}

// Classify returns the error code and retryability of err.
func Classify(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var ce collection.CodedError
	if errors.As(err, &ce) {
		return ce.CodeValue(), ce.RetryableStatus()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "E_TIMEOUT", true
	}
	if errors.Is(err, context.Canceled) {
		return "E_CANCELED", true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unreachable") || strings.Contains(msg, "connection refused") {
		return "E_ENDPOINT_UNREACHABLE", true
	}
	if strings.Contains(msg, "timeout") {
		return "E_TIMEOUT", true
	}
	if strings.Contains(msg, "auth") {
		return "E_AUTH_INVALID", false
	}
	return string(collection.CodeLoadFailed), true
}

// ErrorDetails flattens Failed into code/message pairs keyed by collection.
func (r *Report) ErrorDetails() map[string]ErrorDetail {
	out := make(map[string]ErrorDetail, len(r.Failed))
	for _, c := range r.FailedCollections() {
		code, retryable := Classify(r.Failed[c])
		out[c.String()] = ErrorDetail{Code: code, Message: r.Failed[c].Error(), Retryable: retryable}
	}
	return out
}

// ErrorDetail is the serializable form of a collection failure.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
