package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"

	"render-worker/internal/core"
	"render-worker/pkg/api"
)

const (
	errorTypeValidation = "validation"
	errorTypeInternal   = "internal"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(code int, err error) error {
	return &codedError{err: err, code: code}
}

func CodedErrorf(code int, format string, args ...any) error {
	return &codedError{err: fmt.Errorf(format, args...), code: code}
}

func ParseRequest[T any](r *http.Request) (T, error) {
	var data T
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		slog.Error("error parsing request body", "error", err)
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request body")
	}
	return data, nil
}

func RestHandler(handler func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := handler(r)
		if err != nil {
			code := http.StatusInternalServerError

			var cerr *codedError
			if errors.As(err, &cerr) {
				code = cerr.code
			} else {
				slog.Error("recieved non coded error from endpoint", "error", err)
			}

			if code >= http.StatusInternalServerError {
				slog.Error("server error received in endpoint", "code", code, "error", err)
			}

			WriteJsonError(w, code, api.ErrorResponse{Error: err.Error(), ErrorType: errorType(err, code)})
			return
		}

		if res == nil {
			res = struct{}{}
		}

		WriteJsonResponse(w, res)
	}
}

func errorType(err error, code int) string {
	if kind := core.KindOf(err); kind != "" {
		return string(kind)
	}
	if code == http.StatusBadRequest {
		return errorTypeValidation
	}
	return errorTypeInternal
}

func WriteJsonResponse(w http.ResponseWriter, data any) {
	writeJson(w, http.StatusOK, data)
}

func WriteJsonError(w http.ResponseWriter, code int, body api.ErrorResponse) {
	writeJson(w, code, body)
}

func writeJson(w http.ResponseWriter, code int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("error serializing response body", "error", err)
		http.Error(w, fmt.Sprintf("error serializing response body: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.Error("error writing response body", "error", err)
	}
}
