package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Client implements ObjectStore on top of the minio-go SDK.
type S3Client struct {
	client *minio.Client
	region string
}

// NewS3Client creates a client for an http(s) endpoint.
func NewS3Client(cfg *Config) (*S3Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.EndpointURL)
	if err != nil || u.Host == "" {
		return nil, opError("config", "", CodeEndpointUnreachable, false, fmt.Errorf("invalid endpoint %q", cfg.EndpointURL))
	}
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL || u.Scheme == "https",
		Region: cfg.Region,
	})
	if err != nil {
		return nil, opError("config", "", CodeEndpointUnreachable, true, err)
	}
	return &S3Client{client: client, region: cfg.Region}, nil
}

func (s *S3Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return classify("bucket", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		// Lost a creation race with another loader.
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return classify("bucket", bucket, err)
	}
	return nil
}

// PutObject uploads one staged batch. Batches are always gzipped JSONL.
func (s *S3Client) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:     "application/x-ndjson",
		ContentEncoding: "gzip",
	})
	return classify("put", key, err)
}

func (s *S3Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get", key, err)
	}
	defer obj.Close()
	// The SDK reports a missing key on first read, not on GetObject.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify("get", key, err)
	}
	return data, nil
}

func (s *S3Client) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classify("list", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// CopyObject copies src to dst server-side.
func (s *S3Client) CopyObject(ctx context.Context, bucket, src, dst string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: bucket, Object: dst},
		minio.CopySrcOptions{Bucket: bucket, Object: src},
	)
	return classify("copy", src, err)
}

// DeletePrefix removes every object under prefix with batched deletes.
func (s *S3Client) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var listErr error
	objects := make(chan minio.ObjectInfo)
	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	for rerr := range s.client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return classify("delete", rerr.ObjectName, rerr.Err)
		}
	}
	// listErr is written before objects is closed, which RemoveObjects
	// observes before closing its result channel.
	if listErr != nil {
		return classify("list", prefix, listErr)
	}
	return nil
}

type s3Class struct {
	code      ErrorCode
	retryable bool
}

var s3ErrorCodes = map[string]s3Class{
	"NoSuchBucket":          {CodeBucketNotFound, false},
	"NoSuchKey":             {CodeObjectNotFound, false},
	"AccessDenied":          {CodePermissionDenied, false},
	"InvalidAccessKeyId":    {CodeAuthInvalid, false},
	"SignatureDoesNotMatch": {CodeAuthInvalid, false},
	"RequestTimeout":        {CodeTimeout, true},
	"SlowDown":              {CodeTimeout, true},
	"ServiceUnavailable":    {CodeEndpointUnreachable, true},
	"InternalError":         {CodeEndpointUnreachable, true},
}

// classify maps an SDK error onto a coded *Error. nil stays nil.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if class, ok := s3ErrorCodes[minio.ToErrorResponse(err).Code]; ok {
		return opError(op, key, class.code, class.retryable, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opError(op, key, CodeTimeout, true, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return opError(op, key, CodeTimeout, true, err)
		}
		return opError(op, key, CodeEndpointUnreachable, true, err)
	}
	return opError(op, key, CodeStagingWriteFailed, true, err)
}
