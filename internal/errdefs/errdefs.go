// Package errdefs defines the result-code taxonomy shared by every session
// and provisioning operation. Codes are stable wire values: 0 is success,
// positive codes are informational, negative codes are failures.
package errdefs

import (
	"errors"
	"fmt"
)

// Code is the integer result code attached to every sentinel error.
type Code int

const (
	CodeAlreadyExists  Code = 2
	CodeScheduled      Code = 1
	CodeOk             Code = 0
	CodeCreateError    Code = -1
	CodeModifyError    Code = -2
	CodeControlError   Code = -3
	CodeDeleteError    Code = -4
	CodeQueryError     Code = -5
	CodeIOError        Code = -6
	CodeExternalError  Code = -7
	CodeInvalidState   Code = -8
	CodeNotFound       Code = -9
	CodeNotAllowed     Code = -10
	CodeNotSupported   Code = -11
	CodeNotValidated   Code = -12
	CodeNotTrusted     Code = -13
	CodeStillWorking   Code = -14
	CodePasswordDenied Code = -20
	CodeUsageError     Code = -99
	CodeNotImplemented Code = -100
)

type codedError struct {
	code Code
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func (e *codedError) Code() Code { return e.code }

func newCoded(code Code, msg string) error {
	return &codedError{code: code, msg: msg}
}

var (
	// ErrAlreadyExists and ErrScheduled are informational results, not
	// failures. IsFailure returns false for both.
	ErrAlreadyExists = newCoded(CodeAlreadyExists, "already exists")
	ErrScheduled     = newCoded(CodeScheduled, "scheduled")

	ErrCreate         = newCoded(CodeCreateError, "create error")
	ErrModify         = newCoded(CodeModifyError, "modify error")
	ErrControl        = newCoded(CodeControlError, "control error")
	ErrDelete         = newCoded(CodeDeleteError, "delete error")
	ErrQuery          = newCoded(CodeQueryError, "query error")
	ErrIO             = newCoded(CodeIOError, "i/o error")
	ErrExternal       = newCoded(CodeExternalError, "external program error")
	ErrInvalidState   = newCoded(CodeInvalidState, "invalid state transition")
	ErrNotFound       = newCoded(CodeNotFound, "not found")
	ErrNotAllowed     = newCoded(CodeNotAllowed, "not allowed")
	ErrNotSupported   = newCoded(CodeNotSupported, "not supported")
	ErrNotValidated   = newCoded(CodeNotValidated, "checksum validation failed")
	ErrNotTrusted     = newCoded(CodeNotTrusted, "secret mismatch")
	ErrStillWorking   = newCoded(CodeStillWorking, "operation already in progress")
	ErrPasswordDenied = newCoded(CodePasswordDenied, "password denied")
	ErrUsage          = newCoded(CodeUsageError, "usage error")
	ErrNotImplemented = newCoded(CodeNotImplemented, "not implemented")
)

// ErrAborted is reported when a transfer is cancelled cooperatively. It maps
// to CodeIOError on the wire but stays distinguishable with errors.Is.
var ErrAborted = fmt.Errorf("transfer aborted: %w", ErrIO)

// ErrLocalIO is a filesystem failure on the local side of a transfer:
// staging files, cache directories, renames. It carries CodeIOError like
// transport failures but is not transient, since retrying a download does
// not fix a disk that cannot be written.
var ErrLocalIO = fmt.Errorf("local %w", ErrIO)

// FromCode returns the sentinel error for a wire code, or nil for CodeOk.
// Unknown codes map to ErrExternal.
func FromCode(code Code) error {
	switch code {
	case CodeOk:
		return nil
	case CodeAlreadyExists:
		return ErrAlreadyExists
	case CodeScheduled:
		return ErrScheduled
	case CodeCreateError:
		return ErrCreate
	case CodeModifyError:
		return ErrModify
	case CodeControlError:
		return ErrControl
	case CodeDeleteError:
		return ErrDelete
	case CodeQueryError:
		return ErrQuery
	case CodeIOError:
		return ErrIO
	case CodeInvalidState:
		return ErrInvalidState
	case CodeNotFound:
		return ErrNotFound
	case CodeNotAllowed:
		return ErrNotAllowed
	case CodeNotSupported:
		return ErrNotSupported
	case CodeNotValidated:
		return ErrNotValidated
	case CodeNotTrusted:
		return ErrNotTrusted
	case CodeStillWorking:
		return ErrStillWorking
	case CodePasswordDenied:
		return ErrPasswordDenied
	case CodeUsageError:
		return ErrUsage
	case CodeNotImplemented:
		return ErrNotImplemented
	default:
		return ErrExternal
	}
}

// GetCode extracts the result code from an error chain. A nil error is
// CodeOk; an error that carries no code is CodeExternalError.
func GetCode(err error) Code {
	if err == nil {
		return CodeOk
	}
	var coded interface{ Code() Code }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeExternalError
}

// IsFailure reports whether err represents an actual failure rather than an
// informational result (nil, ErrScheduled, ErrAlreadyExists).
func IsFailure(err error) bool {
	return GetCode(err) < 0
}

// IsTransient reports whether the failure is worth retrying: transport
// I/O and external-program failures. Checksum mismatches, state errors
// and local filesystem failures are not transient.
func IsTransient(err error) bool {
	if errors.Is(err, ErrLocalIO) {
		return false
	}
	return errors.Is(err, ErrIO) || errors.Is(err, ErrExternal)
}
