package minio

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/nucleus/lap-ingest/pkg/staging"
)

const batchSuffix = ".jsonl.gz"

// StagingStore keeps staged batches as gzipped JSONL objects in a bucket.
// Layout: <base_prefix>/<tenant>/<stage_ref>/batch-NNNNNN.jsonl.gz
type StagingStore struct {
	store  ObjectStore
	bucket string
	root   string
}

// NewStagingStore constructs a MinIO-backed temp store. When store is nil an
// S3Client is built for http(s) endpoints, otherwise a LocalStore is used.
func NewStagingStore(ctx context.Context, cfg *Config, store ObjectStore) (*StagingStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		if strings.HasPrefix(cfg.EndpointURL, "http://") || strings.HasPrefix(cfg.EndpointURL, "https://") {
			client, err := NewS3Client(cfg)
			if err != nil {
				return nil, err
			}
			store = client
		} else {
			store = NewLocalStore(cfg.objectRoot())
		}
	}
	if err := store.EnsureBucket(ctx, cfg.Bucket); err != nil {
		return nil, err
	}
	return &StagingStore{
		store:  store,
		bucket: cfg.Bucket,
		root:   path.Join(cfg.BasePrefix, strings.Trim(cfg.TenantID, "/")),
	}, nil
}

func (s *StagingStore) ID() string { return staging.ProviderMinIO }

func (s *StagingStore) stagePrefix(stageRef string) string {
	return path.Join(s.root, path.Clean("/"+stageRef)) + "/"
}

func (s *StagingStore) PutBatch(ctx context.Context, req *staging.PutBatchRequest) (*staging.PutBatchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("put batch request is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := staging.EncodeJSONLines(&buf, req.Records, true); err != nil {
		return nil, opError("put", req.StageRef, CodeStagingWriteFailed, false, err)
	}
	batchRef := fmt.Sprintf("batch-%06d", req.BatchSeq)
	key := s.stagePrefix(req.StageRef) + batchRef + batchSuffix
	if err := s.store.PutObject(ctx, s.bucket, key, buf.Bytes()); err != nil {
		return nil, err
	}
	return &staging.PutBatchResult{
		StageRef: req.StageRef,
		BatchRef: batchRef,
		Stats: staging.BatchStats{
			Records: len(req.Records),
			Bytes:   int64(buf.Len()),
			Batches: 1,
		},
	}, nil
}

func (s *StagingStore) ListBatches(ctx context.Context, stageRef string) ([]string, error) {
	prefix := s.stagePrefix(stageRef)
	keys, err := s.store.ListPrefix(ctx, s.bucket, prefix)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, batchSuffix) {
			continue
		}
		refs = append(refs, strings.TrimSuffix(name, batchSuffix))
	}
	sort.Strings(refs)
	return refs, nil
}

func (s *StagingStore) GetBatch(ctx context.Context, stageRef string, batchRef string) ([]staging.RecordEnvelope, error) {
	data, err := s.store.GetObject(ctx, s.bucket, s.stagePrefix(stageRef)+batchRef+batchSuffix)
	if err != nil {
		return nil, err
	}
	return staging.DecodeJSONLines(bytes.NewReader(data))
}

func (s *StagingStore) ClearStage(ctx context.Context, stageRef string) error {
	return s.store.DeletePrefix(ctx, s.bucket, s.stagePrefix(stageRef))
}

// PromoteStage drops the objects of to, then copies every batch of from over
// and removes from. Object stores have no rename, so a copy failure leaves to
// incomplete and is reported as a lost stage.
func (s *StagingStore) PromoteStage(ctx context.Context, from, to string) error {
	src, dst := s.stagePrefix(from), s.stagePrefix(to)
	keys, err := s.store.ListPrefix(ctx, s.bucket, src)
	if err != nil {
		return err
	}
	if err := s.store.DeletePrefix(ctx, s.bucket, dst); err != nil {
		return &staging.Error{Code: staging.CodeStageLost, Err: err}
	}
	for _, key := range keys {
		if err := s.store.CopyObject(ctx, s.bucket, key, dst+strings.TrimPrefix(key, src)); err != nil {
			return &staging.Error{Code: staging.CodeStageLost, Err: err}
		}
	}
	return s.store.DeletePrefix(ctx, s.bucket, src)
}

// Reset removes every object under the store root, leaving the bucket itself.
func (s *StagingStore) Reset(ctx context.Context) error {
	return s.store.DeletePrefix(ctx, s.bucket, s.root+"/")
}
