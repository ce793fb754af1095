package core

import (
	"context"
	"log/slog"
	"time"

	"render-worker/internal/core/utils"
	"render-worker/internal/storage"
)

const (
	DefaultDeliveryConcurrency = 4
	DefaultUploadTimeout       = 300 * time.Second
)

// Coordinator delivers artifacts through an ordered chain of backends. The
// first backend to succeed wins; every failed attempt is recorded on the
// artifact's result. One artifact failing never stops the others.
type Coordinator struct {
	concurrency   int
	uploadTimeout time.Duration
}

func NewCoordinator(concurrency int, uploadTimeout time.Duration) *Coordinator {
	if concurrency <= 0 {
		concurrency = DefaultDeliveryConcurrency
	}
	if uploadTimeout <= 0 {
		uploadTimeout = DefaultUploadTimeout
	}
	return &Coordinator{concurrency: concurrency, uploadTimeout: uploadTimeout}
}

// Deliver returns one result per delivered artifact, in artifact order.
// Artifacts not yet started when ctx is canceled are left out.
func (c *Coordinator) Deliver(ctx context.Context, artifacts []Artifact, jobId string, chain []storage.Backend) []DeliveryResult {
	worker := func(ctx context.Context, artifact Artifact) (DeliveryResult, error) {
		return c.deliverOne(ctx, artifact, jobId, chain), nil
	}

	byIndex := make([]*DeliveryResult, len(artifacts))
	for task := range utils.RunInPool(ctx, worker, artifacts, c.concurrency) {
		result := task.Result
		byIndex[task.Index] = &result
	}

	results := make([]DeliveryResult, 0, len(artifacts))
	skipped := 0
	for _, result := range byIndex {
		if result == nil {
			skipped++
			continue
		}
		results = append(results, *result)
	}

	if skipped > 0 {
		slog.Warn("delivery canceled, skipped remaining artifacts", "job_id", jobId, "skipped", skipped, "delivered", len(results))
	}

	return results
}

func (c *Coordinator) deliverOne(ctx context.Context, artifact Artifact, jobId string, chain []storage.Backend) DeliveryResult {
	result := DeliveryResult{Artifact: artifact}

	for i, backend := range chain {
		locator, err := c.store(ctx, backend, artifact, jobId)
		result.Attempts = append(result.Attempts, DeliveryAttempt{Backend: backend.Name(), Error: err})

		if err == nil {
			result.Backend = backend.Name()
			result.Locator = locator
			result.Success = true
			if i > 0 {
				slog.Warn("artifact delivered through fallback backend", "source", artifact.Path, "backend", backend.Name())
			}
			return result
		}

		slog.Error("artifact delivery attempt failed", "source", artifact.Path, "backend", backend.Name(), "error", err)

		if ctx.Err() != nil {
			break
		}
	}

	return result
}

func (c *Coordinator) store(ctx context.Context, backend storage.Backend, artifact Artifact, jobId string) (string, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	return backend.Store(storeCtx, artifact.Path, jobId)
}

// failedBackend stands in for a backend that could not be constructed, so the
// construction error is recorded against every artifact and the chain moves on
// to the fallback.
type failedBackend struct {
	name string
	err  error
}

func (f failedBackend) Name() string {
	return f.name
}

func (f failedBackend) Store(ctx context.Context, srcPath, jobId string) (string, error) {
	return "", f.err
}
