package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"render-worker/internal/render"
	"render-worker/internal/storage"
)

type pollStep struct {
	result render.PollResult
	err    error
}

// fakeRender replays a fixed sequence of poll results; the last one repeats.
type fakeRender struct {
	mu sync.Mutex

	jobId     string
	submitErr error
	steps     []pollStep
	onSubmit  func()

	submitted []Job
	clientIds []string
	polls     int
}

func (f *fakeRender) Submit(ctx context.Context, graph map[string]any, clientId string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitted = append(f.submitted, graph)
	f.clientIds = append(f.clientIds, clientId)

	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.onSubmit != nil {
		f.onSubmit()
	}
	return f.jobId, nil
}

func (f *fakeRender) Poll(ctx context.Context, promptId string) (render.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.steps) == 0 {
		return render.PollResult{Status: render.StatusPending}, nil
	}

	step := f.steps[min(f.polls, len(f.steps)-1)]
	f.polls++
	return step.result, step.err
}

func (f *fakeRender) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeRender) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func succeeded(outputs ...render.Output) pollStep {
	return pollStep{result: render.PollResult{Status: render.StatusSuccess, Outputs: outputs}}
}

func pending() pollStep {
	return pollStep{result: render.PollResult{Status: render.StatusPending}}
}

// fakeBackend fails for any source listed in failFor, or for everything when
// failAll is set.
type fakeBackend struct {
	name    string
	failAll error
	failFor map[string]error
	delay   time.Duration
	block   bool

	mu     sync.Mutex
	stored []string
}

func (b *fakeBackend) Name() string {
	return b.name
}

func (b *fakeBackend) Store(ctx context.Context, srcPath, jobId string) (string, error) {
	if b.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.failAll != nil {
		return "", b.failAll
	}
	if err := b.failFor[srcPath]; err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stored = append(b.stored, srcPath)

	return b.name + "://" + jobId + "/" + filepath.Base(srcPath), nil
}

func (b *fakeBackend) storedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stored)
}

type fakeS3Provider struct {
	backend  storage.Backend
	err      error
	bucket   string
	requests int
}

func (p *fakeS3Provider) Backend(ctx context.Context) (storage.Backend, error) {
	p.requests++
	if p.err != nil {
		return nil, p.err
	}
	return p.backend, nil
}

func (p *fakeS3Provider) Bucket() string {
	return p.bucket
}

type unreadyVolume struct {
	fakeBackend
}

func (v *unreadyVolume) Ready(ctx context.Context) error {
	return errors.New("volume not mounted")
}

func simpleJob() Job {
	return Job{
		"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": 1}},
		"9": map[string]any{"class_type": "SaveImage", "inputs": map[string]any{"filename_prefix": "out"}},
	}
}

func writeFile(t *testing.T, path string, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func fastExecution() ExecutionOptions {
	return ExecutionOptions{
		PollInterval:       5 * time.Millisecond,
		Deadline:           2 * time.Second,
		SubmitTimeout:      time.Second,
		PollRequestTimeout: time.Second,
	}
}
