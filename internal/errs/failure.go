package errs

import (
	"context"
	"errors"
)

// Kind classifies a failure for presentation.
type Kind string

const (
	KindConnectivity  Kind = "connectivity"
	KindAuthorization Kind = "authorization"
	KindPrecondition  Kind = "precondition"
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindRateLimited   Kind = "rate_limited"
	KindInternal      Kind = "internal"
)

// Failure is the structured description of a failed operation.
type Failure struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Describe maps an error onto the failure taxonomy. It returns nil for a nil error.
func Describe(err error) *Failure {
	if err == nil {
		return nil
	}
	f := &Failure{Kind: KindInternal, Message: err.Error()}
	switch {
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		f.Kind, f.Retryable = KindConnectivity, true
	case errors.Is(err, ErrUnauthorized):
		f.Kind = KindAuthorization
	case errors.Is(err, ErrPrecondition):
		f.Kind = KindPrecondition
	case errors.Is(err, ErrInvalidUpload), errors.Is(err, ErrInvalidProfile):
		f.Kind = KindValidation
	case errors.Is(err, ErrVersionConflict):
		f.Kind, f.Retryable = KindConflict, true
	case errors.Is(err, ErrNotFound):
		f.Kind = KindNotFound
	case errors.Is(err, ErrRateLimited):
		f.Kind, f.Retryable = KindRateLimited, true
	}
	return f
}
