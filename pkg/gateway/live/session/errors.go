package session

import (
	"errors"
	"fmt"
)

// ErrNotActive is returned for operations that need a streaming session.
var ErrNotActive = errors.New("session: not active")

var (
	errBackpressure = errors.New("live outbound backpressure")
	errComplete     = errors.New("conversation completed by client")
)

// Error is a session failure. Op names the stage that failed (connect,
// decode, transcription, outbound, persist, abort, switch) and Err carries the cause.
type Error struct {
	ConversationID string
	Op             string
	Err            error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session %s %s: %v", e.ConversationID, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// failure is a degraded-finalize cause: the single error message sent to the
// client plus the underlying error.
type failure struct {
	op      string
	code    string
	message string
	err     error
}
