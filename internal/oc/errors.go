package oc

import (
	"context"
	"errors"

	"github.com/cernvm/libcernvm/internal/errdefs"
	"go.opencensus.io/trace"
)

func toStatusCode(err error) int32 {
	switch {
	case checkErrors(err, context.Canceled, errdefs.ErrAborted):
		return trace.StatusCodeCancelled
	case checkErrors(err, context.DeadlineExceeded):
		return trace.StatusCodeDeadlineExceeded
	case checkErrors(err, errdefs.ErrNotFound):
		return trace.StatusCodeNotFound
	case checkErrors(err, errdefs.ErrAlreadyExists):
		return trace.StatusCodeAlreadyExists
	case checkErrors(err, errdefs.ErrNotAllowed, errdefs.ErrNotTrusted, errdefs.ErrPasswordDenied):
		return trace.StatusCodePermissionDenied
	case checkErrors(err, errdefs.ErrInvalidState, errdefs.ErrStillWorking):
		return trace.StatusCodeFailedPrecondition
	case checkErrors(err, errdefs.ErrUsage):
		return trace.StatusCodeInvalidArgument
	case checkErrors(err, errdefs.ErrNotImplemented, errdefs.ErrNotSupported):
		return trace.StatusCodeUnimplemented
	case checkErrors(err, errdefs.ErrNotValidated):
		return trace.StatusCodeDataLoss
	case checkErrors(err, errdefs.ErrIO, errdefs.ErrExternal):
		return trace.StatusCodeUnavailable
	default:
		return trace.StatusCodeUnknown
	}
}

func checkErrors(err error, errs ...error) bool {
	for _, e := range errs {
		if errors.Is(err, e) {
			return true
		}
	}

	return false
}
