package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"render-worker/internal/core/utils"
	"render-worker/internal/storage"
)

// S3Provider hands out the shared object storage backend.
type S3Provider interface {
	Backend(ctx context.Context) (storage.Backend, error)
	Bucket() string
}

type VolumeBackend interface {
	storage.Backend
	Ready(ctx context.Context) error
}

type Options struct {
	Execution           ExecutionOptions
	OutputDir           string
	DeliveryConcurrency int
	UploadTimeout       time.Duration
	MaxInflightJobs     int
	// Delete source files of delivered artifacts once the job is done. Not
	// defaulted: the zero value keeps the files.
	CleanupTempFiles bool
}

var DefaultOptions = Options{
	Execution:           DefaultExecutionOptions,
	OutputDir:           "/workspace/ComfyUI/output",
	DeliveryConcurrency: DefaultDeliveryConcurrency,
	UploadTimeout:       DefaultUploadTimeout,
	MaxInflightJobs:     64,
}

// Pipeline runs a job end to end: execution, artifact discovery and
// delivery. s3 is nil when object storage is not configured; volume is nil
// when no volume is mounted.
type Pipeline struct {
	executor    *Executor
	discoverer  *Discoverer
	coordinator *Coordinator

	s3     S3Provider
	volume VolumeBackend

	locks   *utils.MutexMap
	cleanup bool
}

func NewPipeline(service RenderService, s3 S3Provider, volume VolumeBackend, opts Options) (*Pipeline, error) {
	if err := mergo.Merge(&opts, DefaultOptions); err != nil {
		return nil, fmt.Errorf("error merging pipeline options: %w", err)
	}
	if opts.MaxInflightJobs < 0 {
		opts.MaxInflightJobs = DefaultOptions.MaxInflightJobs
	}

	executor, err := NewExecutor(service, opts.Execution)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		executor:    executor,
		discoverer:  NewDiscoverer(opts.OutputDir),
		coordinator: NewCoordinator(opts.DeliveryConcurrency, opts.UploadTimeout),
		s3:          s3,
		volume:      volume,
		locks:       utils.NewMutexMap(opts.MaxInflightJobs),
		cleanup:     opts.CleanupTempFiles,
	}, nil
}

type deliveryPlan struct {
	chain       []storage.Backend
	storageType string
}

// Run executes job and delivers its artifacts. An empty jobId is replaced
// with a fresh one. Runs sharing a job id are serialized.
func (p *Pipeline) Run(ctx context.Context, jobId string, job Job) (Result, error) {
	const op = "run"

	if jobId == "" {
		jobId = uuid.NewString()
	}

	// Checked before the lock so a malformed graph never holds a job slot.
	if err := job.Validate(); err != nil {
		return Result{}, newError(KindValidation, op, "invalid job graph", err).WithField("job_id", jobId)
	}

	if err := p.locks.Lock(jobId); err != nil {
		return Result{}, newError(KindUnavailable, op, "too many jobs in flight", err).WithField("job_id", jobId)
	}
	defer func() {
		if err := p.locks.Unlock(jobId); err != nil {
			slog.Error("error releasing job lock", "job_id", jobId, "error", err)
		}
	}()

	start := time.Now()
	slog.Info("starting job", "job_id", jobId, "nodes", len(job))

	plan, err := p.selectBackends(ctx)
	if err != nil {
		return Result{}, err
	}

	handle, report, err := p.executor.Execute(ctx, job)
	if err != nil {
		return Result{}, err
	}

	artifacts, err := p.discoverer.Discover(ctx, report, handle.SubmitTime)
	if err != nil {
		return Result{}, err
	}

	results := p.coordinator.Deliver(ctx, artifacts, jobId, plan.chain)

	result, err := p.buildResult(ctx, jobId, plan, artifacts, results)
	if err != nil {
		return Result{}, err
	}

	if p.cleanup {
		cleanupDelivered(results)
	}

	slog.Info("job finished", "job_id", jobId, "render_job_id", handle.JobId, "links", len(result.Links), "artifacts", len(artifacts), "storage_type", plan.storageType, "duration", time.Since(start))

	return result, nil
}

func (p *Pipeline) selectBackends(ctx context.Context) (deliveryPlan, error) {
	volumeReady := false
	if p.volume != nil {
		if err := p.volume.Ready(ctx); err != nil {
			slog.Warn("volume backend not ready", "error", err)
		} else {
			volumeReady = true
		}
	}

	if p.s3 != nil {
		primary, err := p.s3.Backend(ctx)
		if err != nil {
			primary = failedBackend{name: storage.BackendS3, err: err}
		}

		chain := []storage.Backend{primary}
		if volumeReady {
			chain = append(chain, p.volume)
		}
		return deliveryPlan{chain: chain, storageType: storage.BackendS3}, nil
	}

	if volumeReady {
		return deliveryPlan{chain: []storage.Backend{p.volume}, storageType: storage.BackendVolume}, nil
	}

	return deliveryPlan{}, newError(KindConfiguration, "select_backends", "no storage backend available: object storage is not configured and the volume is not ready", nil)
}

func (p *Pipeline) buildResult(ctx context.Context, jobId string, plan deliveryPlan, artifacts []Artifact, results []DeliveryResult) (Result, error) {
	result := Result{
		Links:       []string{},
		JobId:       jobId,
		StorageType: plan.storageType,
	}

	var failures []FailedUpload
	for _, r := range results {
		if r.Success {
			result.Links = append(result.Links, r.Locator)
			if r.Backend == storage.BackendVolume {
				result.VolumePaths = append(result.VolumePaths, r.Locator)
			}
		}

		if r.PrimaryFailed() {
			failure := FailedUpload{Source: r.Artifact.Path, Error: r.ErrorSummary()}
			if r.Success {
				failure.DeliveredVia = r.Backend
			}
			failures = append(failures, failure)
		}
	}

	result.TotalImages = len(result.Links)

	if len(result.Links) == 0 {
		if ctx.Err() != nil {
			return Result{}, newError(KindCanceled, "deliver", "delivery canceled before any artifact was stored", ctx.Err()).WithField("job_id", jobId)
		}

		msgs := make([]string, 0, len(failures))
		for _, f := range failures {
			msgs = append(msgs, fmt.Sprintf("%s: %s", f.Source, f.Error))
		}
		return Result{}, newError(KindDelivery, "deliver", "failed to deliver any artifact", errors.New(strings.Join(msgs, "; "))).
			WithField("job_id", jobId).
			WithField("failures", failures)
	}

	if len(failures) > 0 {
		result.Warnings = &Warnings{FailedUploads: len(failures), Details: failures}
		slog.Warn("some artifacts were not delivered to the primary backend", "job_id", jobId, "failed", len(failures), "total", len(artifacts))
	}

	if plan.storageType == storage.BackendS3 {
		result.S3Bucket = p.s3.Bucket()
		result.LocalPaths = make([]string, 0, len(artifacts))
		for _, a := range artifacts {
			result.LocalPaths = append(result.LocalPaths, a.Path)
		}
	}

	return result, nil
}

// cleanupDelivered removes the source files of delivered artifacts. Sources
// that failed to deliver are kept for inspection.
func cleanupDelivered(results []DeliveryResult) {
	deleted := 0
	for _, r := range results {
		if !r.Success {
			continue
		}
		if err := os.Remove(r.Artifact.Path); err != nil {
			slog.Warn("could not delete source file", "path", r.Artifact.Path, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		slog.Info("cleaned up delivered source files", "count", deleted)
	}
}
