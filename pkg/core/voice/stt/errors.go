package stt

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrStreamClosed is returned when writing to a stream after Close.
	ErrStreamClosed = errors.New("stt: stream closed")

	// ErrUnknownProvider is returned by New for an unregistered provider name.
	ErrUnknownProvider = errors.New("stt: unknown provider")

	// ErrMissingCredentials is returned by New when required credentials are absent.
	ErrMissingCredentials = errors.New("stt: missing credentials")
)

// Error is a backend failure. Op is one of "connect", "send", "finalize" or
// "receive"; connect failures are the ones retried by callers.
type Error struct {
	Provider  string
	Op        string
	Status    int
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("stt %s %s (status %d): %s", e.Provider, e.Op, e.Status, msg)
	}
	return fmt.Sprintf("stt %s %s: %s", e.Provider, e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsConnectError reports whether err is a provider connection failure.
func IsConnectError(err error) bool {
	var sttErr *Error
	return errors.As(err, &sttErr) && sttErr.Op == "connect"
}

// IsRetryable reports whether err is a provider failure worth retrying.
func IsRetryable(err error) bool {
	var sttErr *Error
	return errors.As(err, &sttErr) && sttErr.Retryable
}

func connectError(provider string, status int, msg string, cause error) *Error {
	return &Error{
		Provider:  provider,
		Op:        "connect",
		Status:    status,
		Message:   msg,
		Retryable: status == 0 || status == http.StatusTooManyRequests || status >= 500,
		Cause:     cause,
	}
}
