package minio

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ObjectStore is the bucket surface the staging store needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	// ListPrefix returns the keys under prefix in lexical order.
	ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	CopyObject(ctx context.Context, bucket, src, dst string) error
}

const partialSuffix = ".partial"

// LocalStore keeps buckets as directories. It serves file:// endpoints and
// tests. Objects are written to a sibling file and renamed into place, so
// readers never observe a partial batch.
type LocalStore struct {
	root string
}

// NewLocalStore creates a local object store rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" || strings.ContainsAny(bucket, `/\`) {
		return opError("bucket", bucket, CodeBucketNotFound, false, errors.New("invalid bucket name"))
	}
	if err := os.MkdirAll(filepath.Join(s.root, bucket), 0o755); err != nil {
		return opError("bucket", bucket, CodePermissionDenied, false, err)
	}
	return nil
}

func (s *LocalStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := s.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return opError("put", key, CodePermissionDenied, false, err)
	}
	tmp := target + partialSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return opError("put", key, CodeStagingWriteFailed, true, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return opError("put", key, CodeStagingWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(bucket, key))
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, opError("get", key, CodeObjectNotFound, false, err)
	default:
		return nil, opError("get", key, CodePermissionDenied, false, err)
	}
}

func (s *LocalStore) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucketDir := filepath.Join(s.root, bucket)
	// Walk only the deepest directory the prefix names.
	start := bucketDir
	if dir := path.Dir(prefix + "x"); dir != "." {
		start = s.path(bucket, dir)
	}

	var keys []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, partialSuffix) {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, opError("list", prefix, CodePermissionDenied, false, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// CopyObject copies src to dst within bucket.
func (s *LocalStore) CopyObject(ctx context.Context, bucket, src, dst string) error {
	data, err := s.GetObject(ctx, bucket, src)
	if err != nil {
		return err
	}
	return s.PutObject(ctx, bucket, dst, data)
}

// DeletePrefix removes the objects under prefix. A prefix ending in "/"
// removes the whole directory.
func (s *LocalStore) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.HasSuffix(prefix, "/") {
		if err := os.RemoveAll(s.path(bucket, prefix)); err != nil {
			return opError("delete", prefix, CodePermissionDenied, false, err)
		}
		return nil
	}
	keys, err := s.ListPrefix(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := os.Remove(s.path(bucket, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return opError("delete", key, CodePermissionDenied, false, err)
		}
	}
	return nil
}

func (s *LocalStore) path(bucket, key string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(path.Clean("/"+key)))
}
