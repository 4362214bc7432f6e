package detect

import (
	"errors"
	"fmt"
)

var (
	ErrNoReasoner    = errors.New("detect: no reasoner configured")
	ErrEmptyResponse = errors.New("detect: empty model response")
	ErrMalformed     = errors.New("detect: malformed model response")
)

// Error is a failure of the reasoning collaborator. Callers log it and carry
// on without the result.
type Error struct {
	Op  string // "detect", "summarize", "beautify"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("detect %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
