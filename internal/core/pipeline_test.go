package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"render-worker/internal/render"
	"render-worker/internal/storage"
)

type pipelineFixture struct {
	outputDir string
	volumeDir string
	service   *fakeRender
	volume    *storage.Volume
}

func newPipelineFixture(t *testing.T, steps ...pollStep) *pipelineFixture {
	t.Helper()
	root := t.TempDir()
	f := &pipelineFixture{
		outputDir: filepath.Join(root, "output"),
		volumeDir: filepath.Join(root, "volume"),
		service:   &fakeRender{jobId: "prompt-1", steps: steps},
	}
	require.NoError(t, os.MkdirAll(f.outputDir, 0o755))
	f.volume = storage.NewVolume(f.volumeDir)
	return f
}

func (f *pipelineFixture) options() Options {
	return Options{Execution: fastExecution(), OutputDir: f.outputDir}
}

func (f *pipelineFixture) pipeline(t *testing.T, s3 S3Provider, volume VolumeBackend, opts Options) *Pipeline {
	t.Helper()
	p, err := NewPipeline(f.service, s3, volume, opts)
	require.NoError(t, err)
	return p
}

// writeOutputs creates the named files in the output dir with an old mtime, so
// only descriptor based discovery can find them.
func (f *pipelineFixture) writeOutputs(t *testing.T, names ...string) []render.Output {
	t.Helper()
	outputs := make([]render.Output, 0, len(names))
	for i, name := range names {
		writeFile(t, filepath.Join(f.outputDir, name), "image-"+name, time.Now().Add(-time.Hour))
		outputs = append(outputs, render.Output{NodeId: string(rune('1' + i)), Filename: name, Type: "output"})
	}
	return outputs
}

func TestPipelineVolumeOnly(t *testing.T) {
	f := newPipelineFixture(t)
	f.service.steps = []pollStep{succeeded(f.writeOutputs(t, "a.png", "b.png")...)}

	result, err := f.pipeline(t, nil, f.volume, f.options()).Run(context.Background(), "job-1", simpleJob())
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalImages)
	assert.Len(t, result.Links, 2)
	assert.Nil(t, result.Warnings)
	assert.Equal(t, "job-1", result.JobId)
	assert.Equal(t, storage.BackendVolume, result.StorageType)
	assert.Equal(t, result.Links, result.VolumePaths)
	assert.Empty(t, result.S3Bucket)
	assert.Empty(t, result.LocalPaths)

	for i, link := range result.Links {
		assert.Equal(t, filepath.Join(f.volumeDir, "job-1"), filepath.Dir(link))
		assert.True(t, strings.HasSuffix(link, []string{"_a.png", "_b.png"}[i]), link)
		data, err := os.ReadFile(link)
		require.NoError(t, err)
		assert.Equal(t, "image-"+[]string{"a.png", "b.png"}[i], string(data))
	}

	// cleanup is off unless asked for
	_, err = os.Stat(filepath.Join(f.outputDir, "a.png"))
	require.NoError(t, err)
}

func TestPipelineS3Primary(t *testing.T) {
	f := newPipelineFixture(t)
	outputs := f.writeOutputs(t, "a.png", "b.png")
	f.service.steps = []pollStep{succeeded(outputs...)}

	s3 := &fakeS3Provider{backend: &fakeBackend{name: storage.BackendS3}, bucket: "renders"}

	result, err := f.pipeline(t, s3, f.volume, f.options()).Run(context.Background(), "job-1", simpleJob())
	require.NoError(t, err)

	assert.Equal(t, []string{"s3://job-1/a.png", "s3://job-1/b.png"}, result.Links)
	assert.Equal(t, storage.BackendS3, result.StorageType)
	assert.Equal(t, "renders", result.S3Bucket)
	assert.Equal(t, []string{filepath.Join(f.outputDir, "a.png"), filepath.Join(f.outputDir, "b.png")}, result.LocalPaths)
	assert.Empty(t, result.VolumePaths)
	assert.Nil(t, result.Warnings)
}

func TestPipelineS3UnreachableFallsBackToVolume(t *testing.T) {
	f := newPipelineFixture(t)
	f.service.steps = []pollStep{succeeded(f.writeOutputs(t, "a.png", "b.png")...)}

	s3 := &fakeS3Provider{
		backend: &fakeBackend{name: storage.BackendS3, failAll: errors.New("dial tcp: connection refused")},
		bucket:  "renders",
	}

	result, err := f.pipeline(t, s3, f.volume, f.options()).Run(context.Background(), "job-1", simpleJob())
	require.NoError(t, err)

	assert.Equal(t, storage.BackendS3, result.StorageType)
	assert.Equal(t, 2, result.TotalImages)
	assert.Len(t, result.Links, 2)
	assert.Equal(t, result.Links, result.VolumePaths)

	require.NotNil(t, result.Warnings)
	assert.Equal(t, 2, result.Warnings.FailedUploads)
	require.Len(t, result.Warnings.Details, 2)
	for _, detail := range result.Warnings.Details {
		assert.Contains(t, detail.Error, "connection refused")
		assert.Equal(t, storage.BackendVolume, detail.DeliveredVia)
	}
	assert.Equal(t, filepath.Join(f.outputDir, "a.png"), result.Warnings.Details[0].Source)
}

func TestPipelineS3ConstructionFails(t *testing.T) {
	f := newPipelineFixture(t)
	f.service.steps = []pollStep{succeeded(f.writeOutputs(t, "a.png")...)}

	s3 := &fakeS3Provider{err: errors.New("invalid endpoint"), bucket: "renders"}

	result, err := f.pipeline(t, s3, f.volume, f.options()).Run(context.Background(), "job-1", simpleJob())
	require.NoError(t, err)

	assert.Equal(t, storage.BackendS3, result.StorageType)
	assert.Len(t, result.Links, 1)
	require.NotNil(t, result.Warnings)
	assert.Contains(t, result.Warnings.Details[0].Error, "invalid endpoint")
}

func TestPipelineDeliveryFailsEverywhere(t *testing.T) {
	f := newPipelineFixture(t)
	f.service.steps = []pollStep{succeeded(f.writeOutputs(t, "a.png")...)}

	s3 := &fakeS3Provider{backend: &fakeBackend{name: storage.BackendS3, failAll: errors.New("access denied")}, bucket: "renders"}

	_, err := f.pipeline(t, s3, nil, f.options()).Run(context.Background(), "job-1", simpleJob())
	require.ErrorIs(t, err, ErrDelivery)
	assert.Contains(t, err.Error(), "access denied")
}

func TestPipelineTimeoutSkipsDelivery(t *testing.T) {
	f := newPipelineFixture(t, pending())
	opts := f.options()
	opts.Execution.Deadline = 50 * time.Millisecond

	backend := &fakeBackend{name: storage.BackendS3}
	s3 := &fakeS3Provider{backend: backend, bucket: "renders"}

	_, err := f.pipeline(t, s3, f.volume, opts).Run(context.Background(), "job-1", simpleJob())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, backend.storedCount())
}

func TestPipelineFallbackDiscovery(t *testing.T) {
	f := newPipelineFixture(t)
	writeFile(t, filepath.Join(f.outputDir, "previous.png"), "old", time.Now().Add(-time.Hour))

	f.service.onSubmit = func() {
		writeFile(t, filepath.Join(f.outputDir, "sub", "fresh.png"), "new", time.Now().Add(time.Second))
	}
	f.service.steps = []pollStep{succeeded(
		render.Output{NodeId: "1", Filename: "x.png"},
		render.Output{NodeId: "2", Filename: "y.png"},
		render.Output{NodeId: "3", Filename: "z.png"},
	)}

	result, err := f.pipeline(t, nil, f.volume, f.options()).Run(context.Background(), "job-1", simpleJob())
	require.NoError(t, err)

	assert.Equal(t, 1, result.TotalImages)
	assert.True(t, strings.HasSuffix(result.Links[0], "_fresh.png"))
}

func TestPipelineNoBackendFailsBeforeSubmit(t *testing.T) {
	f := newPipelineFixture(t, succeeded())

	_, err := f.pipeline(t, nil, &unreadyVolume{}, f.options()).Run(context.Background(), "job-1", simpleJob())
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 0, f.service.submitCount())

	_, err = f.pipeline(t, nil, nil, f.options()).Run(context.Background(), "job-1", simpleJob())
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 0, f.service.submitCount())
}

func TestPipelineVolumeNotReadySkipsFallback(t *testing.T) {
	f := newPipelineFixture(t)
	f.service.steps = []pollStep{succeeded(f.writeOutputs(t, "a.png")...)}

	volume := &unreadyVolume{fakeBackend: fakeBackend{name: storage.BackendVolume}}
	s3 := &fakeS3Provider{backend: &fakeBackend{name: storage.BackendS3, failAll: errors.New("timeout")}, bucket: "renders"}

	_, err := f.pipeline(t, s3, volume, f.options()).Run(context.Background(), "job-1", simpleJob())
	require.ErrorIs(t, err, ErrDelivery)
	assert.Equal(t, 0, volume.storedCount())
}

func TestPipelineNoArtifacts(t *testing.T) {
	f := newPipelineFixture(t, succeeded())

	_, err := f.pipeline(t, nil, f.volume, f.options()).Run(context.Background(), "job-1", simpleJob())
	require.ErrorIs(t, err, ErrNoArtifacts)
}

func TestPipelineCleanup(t *testing.T) {
	f := newPipelineFixture(t)
	outputs := f.writeOutputs(t, "a.png", "b.png")
	f.service.steps = []pollStep{succeeded(outputs...)}

	failing := filepath.Join(f.outputDir, "b.png")
	s3 := &fakeS3Provider{
		backend: &fakeBackend{name: storage.BackendS3, failFor: map[string]error{failing: errors.New("rejected")}},
		bucket:  "renders",
	}

	opts := f.options()
	opts.CleanupTempFiles = true

	// no volume, so b.png is not delivered anywhere
	result, err := f.pipeline(t, s3, nil, opts).Run(context.Background(), "job-1", simpleJob())
	require.NoError(t, err)
	assert.Len(t, result.Links, 1)
	require.NotNil(t, result.Warnings)
	assert.Empty(t, result.Warnings.Details[0].DeliveredVia)

	_, err = os.Stat(filepath.Join(f.outputDir, "a.png"))
	assert.True(t, os.IsNotExist(err), "delivered source should be removed")

	_, err = os.Stat(failing)
	assert.NoError(t, err, "undelivered source should be kept")
}

func TestPipelineGeneratesJobId(t *testing.T) {
	f := newPipelineFixture(t)
	f.service.steps = []pollStep{succeeded(f.writeOutputs(t, "a.png")...)}

	result, err := f.pipeline(t, nil, f.volume, f.options()).Run(context.Background(), "", simpleJob())
	require.NoError(t, err)

	_, err = uuid.Parse(result.JobId)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.volumeDir, result.JobId), filepath.Dir(result.Links[0]))
}

func TestPipelineValidationError(t *testing.T) {
	f := newPipelineFixture(t, succeeded())

	_, err := f.pipeline(t, nil, f.volume, f.options()).Run(context.Background(), "job-1", Job{"1": map[string]any{}})
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, f.service.submitCount())
}

func TestPipelineTooManyJobs(t *testing.T) {
	f := newPipelineFixture(t, succeeded())
	opts := f.options()
	opts.MaxInflightJobs = 1

	p := f.pipeline(t, nil, f.volume, opts)
	require.NoError(t, p.locks.Lock("other-job"))
	defer p.locks.Unlock("other-job")

	_, err := p.Run(context.Background(), "job-1", simpleJob())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, f.service.submitCount())
}

func TestPipelineValidationDoesNotTakeJobSlot(t *testing.T) {
	f := newPipelineFixture(t, succeeded())
	opts := f.options()
	opts.MaxInflightJobs = 1

	p := f.pipeline(t, nil, f.volume, opts)
	require.NoError(t, p.locks.Lock("other-job"))
	defer p.locks.Unlock("other-job")

	_, err := p.Run(context.Background(), "job-1", Job{"1": map[string]any{}})
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, p.locks.Len())
}

func TestPipelineNegativeMaxInflightJobs(t *testing.T) {
	f := newPipelineFixture(t)
	f.service.steps = []pollStep{succeeded(f.writeOutputs(t, "a.png")...)}
	opts := f.options()
	opts.MaxInflightJobs = -1

	result, err := f.pipeline(t, nil, f.volume, opts).Run(context.Background(), "job-1", simpleJob())
	require.NoError(t, err)
	assert.Len(t, result.Links, 1)
}

func TestPipelineOptionDefaults(t *testing.T) {
	p, err := NewPipeline(&fakeRender{}, nil, nil, Options{OutputDir: "/tmp/out"})
	require.NoError(t, err)

	assert.Equal(t, DefaultExecutionOptions, p.executor.Options())
	assert.Equal(t, "/tmp/out", p.discoverer.outputDir)
	assert.Equal(t, DefaultDeliveryConcurrency, p.coordinator.concurrency)
	assert.Equal(t, DefaultUploadTimeout, p.coordinator.uploadTimeout)
	assert.False(t, p.cleanup)
}
