package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultBucketProbeTimeout = 10 * time.Second

// LazyS3 holds the process wide S3 backend. The backend (and its connection
// pool) is built on first use and reused by every job afterwards; the bucket
// health check runs once, when the backend is built.
type LazyS3 struct {
	mu           sync.Mutex
	backend      *S3Backend
	bucket       string
	construct    func(ctx context.Context) (*S3Backend, error)
	probeTimeout time.Duration
}

func NewLazyS3(cfg S3BackendConfig) *LazyS3 {
	return newLazyS3(cfg.Bucket, func(ctx context.Context) (*S3Backend, error) {
		return NewS3Backend(ctx, cfg)
	})
}

func newLazyS3(bucket string, construct func(ctx context.Context) (*S3Backend, error)) *LazyS3 {
	return &LazyS3{bucket: bucket, construct: construct, probeTimeout: defaultBucketProbeTimeout}
}

func (l *LazyS3) Bucket() string {
	return l.bucket
}

// Backend returns the shared backend, constructing it if needed. A failed
// construction is not cached so a later job can try again.
func (l *LazyS3) Backend(ctx context.Context) (Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.backend != nil {
		return l.backend, nil
	}

	backend, err := l.construct(ctx)
	if err != nil {
		slog.Error("failed to construct s3 backend", "bucket", l.bucket, "error", err)
		return nil, err
	}

	// The lock is held here, so the probe gets its own deadline.
	probeCtx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()

	if err := backend.CheckBucket(probeCtx); err != nil {
		// Uploads still get attempted; each failure falls back per artifact.
		slog.Warn("s3 bucket health check failed", "bucket", l.bucket, "error", err)
	} else {
		slog.Info("s3 backend initialized", "bucket", l.bucket)
	}

	l.backend = backend
	return l.backend, nil
}
