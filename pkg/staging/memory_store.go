package staging

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryStage struct {
	batches    map[string][]RecordEnvelope
	totalBytes int64
}

// MemoryStore keeps staged data in process memory with a strict byte cap
// across all stages. While a stage is being replaced its scratch copy counts
// against the cap too.
type MemoryStore struct {
	maxBytes int64

	mu         sync.Mutex
	stages     map[string]*memoryStage
	totalBytes int64
}

// NewMemoryStore creates a memory-backed store.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryCapBytes
	}
	return &MemoryStore{
		maxBytes: maxBytes,
		stages:   make(map[string]*memoryStage),
	}
}

func (s *MemoryStore) ID() string { return ProviderMemory }

func (s *MemoryStore) ensureStage(stageRef string) *memoryStage {
	if stage, ok := s.stages[stageRef]; ok {
		return stage
	}
	stage := &memoryStage{batches: make(map[string][]RecordEnvelope)}
	s.stages[stageRef] = stage
	return stage
}

func (s *MemoryStore) PutBatch(ctx context.Context, req *PutBatchRequest) (*PutBatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.StageRef == "" {
		return nil, fmt.Errorf("stageRef is required")
	}

	size, err := envelopeSizeBytes(req.Records)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stage := s.ensureStage(req.StageRef)
	batchRef := batchKey(req.BatchSeq)
	previous := int64(0)
	if old, ok := stage.batches[batchRef]; ok {
		previous, _ = envelopeSizeBytes(old)
	}
	if s.totalBytes-previous+size > s.maxBytes {
		return nil, &Error{Code: CodeStageTooLarge, Retryable: false, Err: fmt.Errorf("stage %s exceeds memory cap (%d bytes)", req.StageRef, s.maxBytes)}
	}

	stage.batches[batchRef] = cloneEnvelopes(req.Records)
	stage.totalBytes += size - previous
	s.totalBytes += size - previous

	return &PutBatchResult{
		StageRef: req.StageRef,
		BatchRef: batchRef,
		Stats: BatchStats{
			Records: len(req.Records),
			Bytes:   size,
			Batches: 1,
		},
	}, nil
}

func (s *MemoryStore) ListBatches(ctx context.Context, stageRef string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stage, ok := s.stages[stageRef]
	if !ok {
		return []string{}, nil
	}
	refs := make([]string, 0, len(stage.batches))
	for ref := range stage.batches {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs, nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, stageRef string, batchRef string) ([]RecordEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stage, ok := s.stages[stageRef]
	if !ok {
		return nil, &Error{Code: CodeStageNotFound, Err: fmt.Errorf("stage not found: %s", stageRef)}
	}
	records, ok := stage.batches[batchRef]
	if !ok {
		return nil, &Error{Code: CodeStageNotFound, Err: fmt.Errorf("batch not found: %s", batchRef)}
	}
	return cloneEnvelopes(records), nil
}

func (s *MemoryStore) ClearStage(ctx context.Context, stageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stage, ok := s.stages[stageRef]; ok {
		s.totalBytes -= stage.totalBytes
		delete(s.stages, stageRef)
	}
	return nil
}

func (s *MemoryStore) PromoteStage(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.stages[to]; ok {
		s.totalBytes -= old.totalBytes
		delete(s.stages, to)
	}
	if next, ok := s.stages[from]; ok {
		s.stages[to] = next
		delete(s.stages, from)
	}
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = make(map[string]*memoryStage)
	s.totalBytes = 0
	return nil
}

// Bytes reports the bytes currently held.
func (s *MemoryStore) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}
