package state

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrResultNotFound    = errors.New("result not found")
	ErrPartitionNotFound = errors.New("partition not found")
	ErrDispatchNotFound  = errors.New("dispatch not found")

	ErrTaskAlreadyExists    = errors.New("task already exists")
	ErrResultAlreadyExists  = errors.New("result already exists")
	ErrSessionAlreadyExists = errors.New("session already exists")

	// ErrSubmissionClosed is returned when a session no longer accepts
	// submissions from the requesting actor.
	ErrSubmissionClosed = errors.New("session does not accept new tasks")

	// ErrIntegrity indicates an operation expected to affect exactly one row
	// affected more. It guards against silent key-collision bugs and is not
	// retryable.
	ErrIntegrity = errors.New("integrity violation")
)

// InvalidTransitionError reports a session transition attempted from an
// incompatible status.
type InvalidTransitionError struct {
	SessionID string
	From      string
	To        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s cannot move from %s to %s", e.SessionID, e.From, e.To)
}

// IsBenignConflict reports whether err is a zero-match conditional update,
// which callers treat as a lost race rather than a failure.
func IsBenignConflict(err error) bool {
	return errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrResultNotFound) || errors.Is(err, ErrSessionNotFound)
}
