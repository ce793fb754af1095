package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"render-worker/internal/core"
	"render-worker/pkg/api"
)

type Runner interface {
	Run(ctx context.Context, jobId string, job core.Job) (core.Result, error)
}

type WorkerService struct {
	runner Runner
}

func NewWorkerService(runner Runner) *WorkerService {
	return &WorkerService{runner: runner}
}

func (s *WorkerService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return api.StatusResponse{Status: "ok"}, nil }))
	r.Post("/run", RestHandler(s.Run))
}

func (s *WorkerService) Run(r *http.Request) (any, error) {
	event, err := ParseRequest[api.RunEvent](r)
	if err != nil {
		return nil, err
	}

	if event.Type == api.EventTypeHeartbeat {
		slog.Debug("heartbeat received")
		return api.StatusResponse{Status: "ok"}, nil
	}

	if len(event.Input.Workflow) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "No 'workflow' found in input")
	}

	result, err := s.runner.Run(r.Context(), event.Id, core.Job(event.Input.Workflow))
	if err != nil {
		slog.Error("job failed", "job_id", event.Id, "error_type", core.KindOf(err), "error", err)
		return nil, CodedError(statusForKind(core.KindOf(err)), err)
	}

	return convertResult(result), nil
}

func statusForKind(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindConfiguration, core.KindUnavailable:
		return http.StatusServiceUnavailable
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	case core.KindSubmission, core.KindExecution, core.KindNoArtifacts, core.KindDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
