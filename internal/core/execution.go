package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"render-worker/internal/render"
)

type RenderService interface {
	Submit(ctx context.Context, graph map[string]any, clientId string) (string, error)
	Poll(ctx context.Context, promptId string) (render.PollResult, error)
}

type ExecutionOptions struct {
	PollInterval       time.Duration
	Deadline           time.Duration
	SubmitTimeout      time.Duration
	PollRequestTimeout time.Duration
}

var DefaultExecutionOptions = ExecutionOptions{
	PollInterval:       5 * time.Second,
	Deadline:           time.Hour,
	SubmitTimeout:      30 * time.Second,
	PollRequestTimeout: 10 * time.Second,
}

type ExecutionState string

const (
	StateIdle      ExecutionState = "idle"
	StateSubmitted ExecutionState = "submitted"
	StatePolling   ExecutionState = "polling"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
	StateTimedOut  ExecutionState = "timed_out"
)

// Executor submits a job to the render service and polls it until it reaches
// a terminal state.
type Executor struct {
	service RenderService
	opts    ExecutionOptions
	now     func() time.Time
}

func NewExecutor(service RenderService, opts ExecutionOptions) (*Executor, error) {
	if err := mergo.Merge(&opts, DefaultExecutionOptions); err != nil {
		return nil, fmt.Errorf("error merging execution options: %w", err)
	}

	// mergo only fills zero values
	if opts.PollInterval < 0 {
		opts.PollInterval = DefaultExecutionOptions.PollInterval
	}
	if opts.Deadline < 0 {
		opts.Deadline = DefaultExecutionOptions.Deadline
	}
	if opts.SubmitTimeout < 0 {
		opts.SubmitTimeout = DefaultExecutionOptions.SubmitTimeout
	}
	if opts.PollRequestTimeout < 0 {
		opts.PollRequestTimeout = DefaultExecutionOptions.PollRequestTimeout
	}

	return &Executor{service: service, opts: opts, now: time.Now}, nil
}

func (e *Executor) Options() ExecutionOptions {
	return e.opts
}

type execution struct {
	state  ExecutionState
	handle SubmissionHandle
}

func (x *execution) transition(to ExecutionState) {
	slog.Debug("job state changed", "job_id", x.handle.JobId, "correlation_id", x.handle.CorrelationId, "from", x.state, "to", to)
	x.state = to
}

// Execute runs job to completion. The returned handle is valid whenever the
// job was accepted by the render service, even if execution later failed.
func (e *Executor) Execute(ctx context.Context, job Job) (SubmissionHandle, CompletionReport, error) {
	const op = "execute"

	if err := job.Validate(); err != nil {
		return SubmissionHandle{}, CompletionReport{}, newError(KindValidation, op, "invalid job graph", err)
	}

	x := &execution{state: StateIdle}

	if err := e.submit(ctx, x, job); err != nil {
		return SubmissionHandle{}, CompletionReport{}, err
	}

	report, err := e.poll(ctx, x)
	return x.handle, report, err
}

func (e *Executor) submit(ctx context.Context, x *execution, job Job) error {
	const op = "submit"

	correlationId := uuid.NewString()
	submitTime := e.now()

	submitCtx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
	defer cancel()

	jobId, err := e.service.Submit(submitCtx, job, correlationId)
	if err != nil {
		if ctx.Err() != nil {
			return newError(KindCanceled, op, "job submission canceled", ctx.Err())
		}
		if errors.Is(err, render.ErrMissingPromptId) {
			return newError(KindSubmission, op, "malformed render service response", err)
		}
		return newError(KindSubmission, op, "render service rejected job", err)
	}

	x.handle = SubmissionHandle{JobId: jobId, CorrelationId: correlationId, SubmitTime: submitTime}
	x.transition(StateSubmitted)

	slog.Info("job submitted", "job_id", jobId, "correlation_id", correlationId, "nodes", len(job))

	return nil
}

func (e *Executor) poll(ctx context.Context, x *execution) (CompletionReport, error) {
	const op = "poll"

	deadlineCtx, cancel := context.WithTimeout(ctx, e.opts.Deadline)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	x.transition(StatePolling)

	attempts := 0
	for {
		attempts++

		result, err := e.pollOnce(deadlineCtx, x.handle.JobId)
		switch {
		case err != nil:
			slog.Warn("error polling job status, will retry", "job_id", x.handle.JobId, "attempt", attempts, "error", err)

		case result.Status == render.StatusSuccess:
			x.transition(StateCompleted)
			slog.Info("job completed", "job_id", x.handle.JobId, "outputs", len(result.Outputs), "polls", attempts)
			return toCompletionReport(result), nil

		case result.Status == render.StatusError:
			x.transition(StateFailed)
			detail := result.ErrorDetail
			if detail == "" {
				detail = "render service reported an error without details"
			}
			slog.Error("job failed", "job_id", x.handle.JobId, "detail", detail)
			return toCompletionReport(result), newError(KindExecution, op, "job execution failed", errors.New(detail)).
				WithField("job_id", x.handle.JobId)
		}

		select {
		case <-deadlineCtx.Done():
			if ctx.Err() != nil {
				x.transition(StateFailed)
				return CompletionReport{}, newError(KindCanceled, op, "polling canceled", ctx.Err()).WithField("job_id", x.handle.JobId)
			}
			x.transition(StateTimedOut)
			return CompletionReport{}, newError(KindTimeout, op, fmt.Sprintf("job %s did not finish within %v", x.handle.JobId, e.opts.Deadline), deadlineCtx.Err()).
				WithField("job_id", x.handle.JobId)
		case <-ticker.C:
		}
	}
}

func (e *Executor) pollOnce(ctx context.Context, jobId string) (render.PollResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, e.opts.PollRequestTimeout)
	defer cancel()

	return e.service.Poll(pollCtx, jobId)
}

func toCompletionReport(result render.PollResult) CompletionReport {
	outputs := make([]OutputDescriptor, 0, len(result.Outputs))
	for _, o := range result.Outputs {
		outputs = append(outputs, OutputDescriptor{
			NodeId:    o.NodeId,
			Filename:  o.Filename,
			Subfolder: o.Subfolder,
			Type:      o.Type,
		})
	}

	return CompletionReport{
		Status:      result.Status,
		Outputs:     outputs,
		ErrorDetail: result.ErrorDetail,
	}
}
