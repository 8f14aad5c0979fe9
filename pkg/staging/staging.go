// Package staging implements the temporary working store that handlers write
// collections into. A store can be wiped wholesale (Reset) or per stage
// (ClearStage); each collection lives in its own stage.
package staging

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const (
	ProviderMemory      = "memory"
	ProviderObjectStore = "object"
	ProviderMinIO       = "object.minio"

	// DefaultMemoryCapBytes is the max bytes allowed for the in-memory store.
	DefaultMemoryCapBytes int64 = 64 * 1024 * 1024
	// DefaultBatchSize is the number of records per staged batch.
	DefaultBatchSize = 1000
)

// ErrorCode represents a structured staging error code.
type ErrorCode string

const (
	CodeStagingUnavailable ErrorCode = "E_STAGING_UNAVAILABLE"
	CodeStageTooLarge      ErrorCode = "E_STAGE_TOO_LARGE"
	CodeStageNotFound      ErrorCode = "E_STAGE_NOT_FOUND"
	// CodeStageLost means a stage replacement failed after the previous
	// content was already dropped.
	CodeStageLost ErrorCode = "E_STAGE_LOST"
)

// ErrStageLost matches any CodeStageLost error via errors.Is.
var ErrStageLost = &Error{Code: CodeStageLost}

// Error carries a staging error code and retryability hint.
type Error struct {
	Code      ErrorCode
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code != "" && t.Code == e.Code
}

// CodeValue returns the string error code for integration with load reports.
func (e *Error) CodeValue() string { return string(e.Code) }

// RetryableStatus indicates if the operation can be retried.
func (e *Error) RetryableStatus() bool { return e.Retryable }

// RecordEnvelope wraps a payload with ingestion metadata.
type RecordEnvelope struct {
	Collection string         `json:"collection"`
	Source     SourceRef      `json:"source"`
	Payload    map[string]any `json:"payload"`
	ObservedAt string         `json:"observedAt,omitempty"`
}

// SourceRef describes the source that produced a staged record.
type SourceRef struct {
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Location string `json:"location,omitempty"`
}

// BatchStats summarizes staged batches.
type BatchStats struct {
	Records int   `json:"records"`
	Bytes   int64 `json:"bytes"`
	Batches int   `json:"batches"`
}

// PutBatchRequest is the store input.
type PutBatchRequest struct {
	StageRef string
	BatchSeq int
	Records  []RecordEnvelope
}

// PutBatchResult is returned by stores after staging a batch.
type PutBatchResult struct {
	StageRef string
	BatchRef string
	Stats    BatchStats
}

// Store is a pluggable temporary store backend (memory, object store, MinIO).
type Store interface {
	ID() string
	PutBatch(ctx context.Context, req *PutBatchRequest) (*PutBatchResult, error)
	ListBatches(ctx context.Context, stageRef string) ([]string, error)
	GetBatch(ctx context.Context, stageRef string, batchRef string) ([]RecordEnvelope, error)
	// ClearStage drops every batch of one stage. Clearing a missing stage is not an error.
	ClearStage(ctx context.Context, stageRef string) error
	// PromoteStage replaces the content of to with the batches of from and
	// removes from. A missing from promotes an empty stage. When the previous
	// content of to is gone but the promotion did not complete, the error
	// matches ErrStageLost.
	PromoteStage(ctx context.Context, from, to string) error
	// Reset wipes the whole store.
	Reset(ctx context.Context) error
}

// Registry holds available stores for selection.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewRegistry builds a registry with optional initial stores.
func NewRegistry(stores ...Store) *Registry {
	reg := &Registry{stores: make(map[string]Store)}
	for _, s := range stores {
		reg.Register(s)
	}
	return reg
}

// Register adds or replaces a store by ID.
func (r *Registry) Register(s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[s.ID()] = s
}

// Get returns a store by ID.
func (r *Registry) Get(id string) (Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[id]
	return s, ok
}

// IDs returns registered store IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Select returns the preferred store, falling back to memory, then object, then MinIO.
func (r *Registry) Select(preferred string) (Store, error) {
	if preferred != "" {
		if s, ok := r.Get(preferred); ok {
			return s, nil
		}
		return nil, &Error{Code: CodeStagingUnavailable, Retryable: false, Err: fmt.Errorf("store %q is not registered (have %v)", preferred, r.IDs())}
	}
	for _, id := range []string{ProviderMemory, ProviderObjectStore, ProviderMinIO} {
		if s, ok := r.Get(id); ok {
			return s, nil
		}
	}
	return nil, &Error{Code: CodeStagingUnavailable, Retryable: true, Err: fmt.Errorf("no staging stores available")}
}

// batchKey creates a deterministic batch ref within a stage.
func batchKey(seq int) string {
	return fmt.Sprintf("batch-%06d", seq)
}
