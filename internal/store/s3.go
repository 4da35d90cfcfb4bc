package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 stores each value as an object in an S3-compatible bucket. Ranged
// reads are served with HTTP range requests.
type S3 struct {
	cl     *minio.Client
	bucket string
	prefix string
}

// NewS3 creates a client for the configured endpoint and checks the bucket.
func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint not set")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket not set")
	}

	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, err
	}

	ok, err := cl.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
	}

	return &S3{cl: cl, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (s *S3) Get(ctx context.Context, key string, r Range) ([]byte, error) {
	key = s.prefix + key

	if r.End >= 0 && r.End <= r.Start {
		if _, err := s.cl.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
			if isNoSuchKey(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("s3 StatObject: %w", err)
		}
		return []byte{}, nil
	}

	opts := minio.GetObjectOptions{}
	if !r.IsFull() {
		end := r.End - 1
		if r.End < 0 {
			end = 0
		}
		if err := opts.SetRange(r.Start, end); err != nil {
			return nil, err
		}
	}

	obj, err := s.cl.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 GetObject: %w", err)
	}
	defer obj.Close()

	b, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		if minio.ToErrorResponse(err).Code == "InvalidRange" {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("s3 GetObject: %w", err)
	}
	return b, nil
}

func (s *S3) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.cl.PutObject(ctx, s.bucket, s.prefix+key, bytes.NewReader(value), int64(len(value)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("s3 PutObject: %w", err)
	}
	return nil
}

// Delete reports existence from a preceding StatObject, since RemoveObject
// succeeds for missing keys.
func (s *S3) Delete(ctx context.Context, key string) (bool, error) {
	key = s.prefix + key
	if _, err := s.cl.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 StatObject: %w", err)
	}
	if err := s.cl.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("s3 RemoveObject: %w", err)
	}
	return true, nil
}

func (s *S3) Close() error {
	return nil
}
