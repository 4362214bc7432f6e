package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-go/oto-voiceapi/pkg/gateway/auth"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/lease"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/sessions"
	"github.com/vango-go/oto-voiceapi/pkg/store"
)

// Type categorizes errors.
type Type string

const (
	TypeInvalidRequest Type = "invalid_request_error"
	TypeAuthentication Type = "authentication_error"
	TypePermission     Type = "permission_error"
	TypeNotFound       Type = "not_found_error"
	TypeConflict       Type = "conflict_error"
	TypeRateLimit      Type = "rate_limit_error"
	TypeAPI            Type = "api_error"
	TypeOverloaded     Type = "overloaded_error"
)

// Error is the JSON error body of every non-websocket failure.
type Error struct {
	Type      Type   `json:"type"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type Envelope struct {
	Error *Error `json:"error"`
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return &Error{Type: TypeAuthentication, Message: "missing or invalid API key", RequestID: requestID}, http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return &Error{Type: TypePermission, Message: "conversation belongs to another user", RequestID: requestID}, http.StatusForbidden
	case errors.Is(err, auth.ErrArchived):
		return &Error{Type: TypeConflict, Message: "conversation is archived", Code: "conversation_archived", RequestID: requestID}, http.StatusConflict
	case errors.Is(err, store.ErrInvalidID):
		return &Error{Type: TypeInvalidRequest, Message: "conversation id must be a UUID", Param: "id", RequestID: requestID}, http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return &Error{Type: TypeNotFound, Message: "conversation not found", RequestID: requestID}, http.StatusNotFound
	case errors.Is(err, lease.ErrHeld), errors.Is(err, sessions.ErrDuplicate):
		return &Error{Type: TypeConflict, Message: "conversation is already streaming", Code: "conversation_streaming", RequestID: requestID}, http.StatusConflict
	case errors.Is(err, sessions.ErrNotLive):
		return &Error{Type: TypeNotFound, Message: "conversation is not streaming", Code: "conversation_not_streaming", RequestID: requestID}, http.StatusNotFound
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &Error{
		Type:      TypeAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t Type) int {
	switch t {
	case TypeInvalidRequest:
		return http.StatusBadRequest
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypePermission:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeOverloaded:
		return 529
	case TypeAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
