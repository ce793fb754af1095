package core

import (
	"errors"
	"strings"
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindSubmission    Kind = "submission"
	KindExecution     Kind = "execution"
	KindTimeout       Kind = "timeout"
	KindNoArtifacts   Kind = "no_artifacts"
	KindDelivery      Kind = "delivery"
	KindConfiguration Kind = "configuration"
	KindCanceled      Kind = "canceled"
	KindUnavailable   Kind = "unavailable"
)

// Error is the error type returned by the pipeline. Two Errors match under
// errors.Is when their kinds are equal, so callers can test against the
// sentinels below.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
	Fields  map[string]any
}

var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrSubmission    = &Error{Kind: KindSubmission}
	ErrExecution     = &Error{Kind: KindExecution}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrNoArtifacts   = &Error{Kind: KindNoArtifacts}
	ErrDelivery      = &Error{Kind: KindDelivery}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrCanceled      = &Error{Kind: KindCanceled}
	ErrUnavailable   = &Error{Kind: KindUnavailable}
)

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	b.WriteString(e.Message)

	if e.Err != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// KindOf returns the kind of the first Error in err's chain, or "" if there
// is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
