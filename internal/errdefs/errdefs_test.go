package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeRoundTrip(t *testing.T) {
	codes := []Code{
		CodeAlreadyExists, CodeScheduled, CodeCreateError, CodeModifyError,
		CodeControlError, CodeDeleteError, CodeQueryError, CodeIOError,
		CodeInvalidState, CodeNotFound, CodeNotAllowed, CodeNotSupported,
		CodeNotValidated, CodeNotTrusted, CodeStillWorking,
		CodePasswordDenied, CodeUsageError, CodeNotImplemented,
	}
	for _, c := range codes {
		if got := GetCode(FromCode(c)); got != c {
			t.Errorf("GetCode(FromCode(%d)) = %d, want %d", c, got, c)
		}
	}
	if FromCode(CodeOk) != nil {
		t.Error("FromCode(CodeOk) != nil")
	}
}

func TestGetCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("download disk image: %w", ErrNotValidated)
	if got := GetCode(err); got != CodeNotValidated {
		t.Errorf("GetCode = %d, want %d", got, CodeNotValidated)
	}
	if !errors.Is(err, ErrNotValidated) {
		t.Error("wrapped error is not ErrNotValidated")
	}
}

func TestGetCodeUnknownError(t *testing.T) {
	if got := GetCode(errors.New("boom")); got != CodeExternalError {
		t.Errorf("GetCode = %d, want %d", got, CodeExternalError)
	}
	if got := GetCode(nil); got != CodeOk {
		t.Errorf("GetCode(nil) = %d, want 0", got)
	}
}

func TestInformationalResultsAreNotFailures(t *testing.T) {
	if IsFailure(ErrAlreadyExists) {
		t.Error("ErrAlreadyExists reported as failure")
	}
	if IsFailure(ErrScheduled) {
		t.Error("ErrScheduled reported as failure")
	}
	if !IsFailure(ErrInvalidState) {
		t.Error("ErrInvalidState not reported as failure")
	}
}

func TestTransientClassification(t *testing.T) {
	if !IsTransient(ErrIO) || !IsTransient(ErrExternal) {
		t.Error("I/O and external errors must be transient")
	}
	if IsTransient(ErrNotValidated) {
		t.Error("checksum mismatch must not be transient")
	}
	if !IsTransient(ErrAborted) {
		t.Error("aborted transfers surface as transient I/O")
	}
	if IsTransient(ErrLocalIO) {
		t.Error("local filesystem failures must not be transient")
	}
	if IsTransient(fmt.Errorf("create staging file: %w", ErrLocalIO)) {
		t.Error("wrapped local failures must not be transient")
	}
}

func TestLocalIOKeepsIOCode(t *testing.T) {
	if got := GetCode(ErrLocalIO); got != CodeIOError {
		t.Errorf("GetCode(ErrLocalIO) = %d, want %d", got, CodeIOError)
	}
	if !errors.Is(ErrLocalIO, ErrIO) {
		t.Error("ErrLocalIO does not unwrap to ErrIO")
	}
}
