package hv

import (
	"errors"
	"fmt"

	"github.com/cernvm/libcernvm/internal/errdefs"
	"github.com/cernvm/libcernvm/internal/log"
	"github.com/cernvm/libcernvm/internal/logfields"
)

// SessionError attaches the operation and session identity to a failure
// crossing the package boundary.
type SessionError struct {
	Op   string
	UUID string
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.UUID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func makeSessionError(s *Session, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SessionError
	if errors.As(err, &se) {
		return err
	}
	e := &SessionError{Op: op, UUID: s.UUID, Err: err}
	if errdefs.IsFailure(err) {
		log.L.WithFields(map[string]interface{}{
			logfields.SessionUUID: s.UUID,
			logfields.Operation:   op,
		}).WithError(err).Error("session operation failed")
	}
	return e
}

// invalidTransition reports an illegal state-machine transition without
// side effects.
func invalidTransition(s *Session, op string, from State) error {
	return makeSessionError(s, op,
		fmt.Errorf("cannot %s while %s: %w", op, from, errdefs.ErrInvalidState))
}
