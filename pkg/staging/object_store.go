package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ObjectStore stores batches on disk under a deterministic prefix to mimic an object store.
type ObjectStore struct {
	root     string
	compress bool
	mu       sync.Mutex
}

// NewObjectStore creates a disk-backed store rooted at root.
func NewObjectStore(root string) *ObjectStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "lap-ingest-store")
	}
	_ = os.MkdirAll(root, 0o755)
	return &ObjectStore{
		root:     root,
		compress: true,
	}
}

func (s *ObjectStore) ID() string { return ProviderObjectStore }

// Root returns the directory holding all stages.
func (s *ObjectStore) Root() string { return s.root }

func (s *ObjectStore) stageDir(stageRef string) string {
	return filepath.Join(s.root, filepath.Clean("/"+stageRef))
}

func (s *ObjectStore) PutBatch(ctx context.Context, req *PutBatchRequest) (*PutBatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || req.StageRef == "" {
		return nil, fmt.Errorf("stageRef is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.stageDir(req.StageRef)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stage dir: %w", err)
	}

	batchRef := batchKey(req.BatchSeq) + ".jsonl"
	if s.compress {
		batchRef += ".gz"
	}

	buf := &bytes.Buffer{}
	if err := EncodeJSONLines(buf, req.Records, s.compress); err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, batchRef), buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write batch: %w", err)
	}

	return &PutBatchResult{
		StageRef: req.StageRef,
		BatchRef: batchRef,
		Stats: BatchStats{
			Records: len(req.Records),
			Bytes:   int64(buf.Len()),
			Batches: 1,
		},
	}, nil
}

func (s *ObjectStore) ListBatches(ctx context.Context, stageRef string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.stageDir(stageRef))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	refs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "batch-") {
			continue
		}
		refs = append(refs, entry.Name())
	}
	sort.Strings(refs)
	return refs, nil
}

func (s *ObjectStore) GetBatch(ctx context.Context, stageRef string, batchRef string) ([]RecordEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.stageDir(stageRef), filepath.Base(batchRef))
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Code: CodeStageNotFound, Err: err}
		}
		return nil, fmt.Errorf("open batch: %w", err)
	}
	defer file.Close()

	return DecodeJSONLines(file)
}

func (s *ObjectStore) ClearStage(ctx context.Context, stageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.stageDir(stageRef)); err != nil {
		return fmt.Errorf("clear stage %s: %w", stageRef, err)
	}
	return nil
}

// PromoteStage swaps directories: to moves aside, from takes its place, and
// the old directory is removed last.
func (s *ObjectStore) PromoteStage(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, dst := s.stageDir(from), s.stageDir(to)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		if err := os.RemoveAll(dst); err != nil {
			return &Error{Code: CodeStageLost, Err: fmt.Errorf("clear stage %s: %w", to, err)}
		}
		return nil
	}

	aside := dst + ".old"
	if err := os.RemoveAll(aside); err != nil {
		return fmt.Errorf("promote %s: %w", to, err)
	}
	if err := os.Rename(dst, aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("promote %s: %w", to, err)
	}
	if err := os.Rename(src, dst); err != nil {
		if rerr := os.Rename(aside, dst); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return &Error{Code: CodeStageLost, Err: fmt.Errorf("promote %s: %w", to, err)}
		}
		return fmt.Errorf("promote %s: %w", to, err)
	}
	_ = os.RemoveAll(aside)
	return nil
}

func (s *ObjectStore) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("wipe %s: %w", s.root, err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("recreate %s: %w", s.root, err)
	}
	return nil
}
