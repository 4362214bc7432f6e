package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
	"github.com/vango-go/oto-voiceapi/pkg/core/voice/transcription"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/apierror"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/auth"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/session"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/sessions"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/mw"
)

const maxSwitchBodyBytes = 4 << 10

// ProviderHandler handles POST /conversation/{id}/provider. It moves a live
// conversation to another speech-to-text backend without interrupting the
// client's stream.
type ProviderHandler struct {
	Logger    *slog.Logger
	Sessions  *sessions.Tracker
	Providers ProviderLookup
}

type switchProviderRequest struct {
	Provider string `json:"provider"`
}

type switchProviderResponse struct {
	ConversationID string `json:"conversation_id"`
	Provider       string `json:"provider"`
}

func (h ProviderHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, r, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	conversationID, err := conversationIDFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthenticated)
		return
	}

	var req switchProviderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSwitchBodyBytes)).Decode(&req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "request body must be a json object"})
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	if name == "" {
		writeAPIError(w, r, http.StatusBadRequest, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "provider is required", Param: "provider"})
		return
	}

	handle, ok := h.Sessions.Lookup(conversationID)
	if !ok || handle.SwitchProvider == nil {
		writeError(w, r, sessions.ErrNotLive)
		return
	}
	if handle.UserID != p.UserID {
		writeError(w, r, auth.ErrForbidden)
		return
	}

	provider, err := h.lookup(name)
	if err != nil {
		code := "provider_unavailable"
		if errors.Is(err, stt.ErrUnknownProvider) {
			code = "unknown_provider"
		}
		writeAPIError(w, r, http.StatusBadRequest, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: err.Error(), Param: "provider", Code: code})
		return
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.logger().With("conversation_id", conversationID, "request_id", reqID, "provider", provider.Name())
	if err := handle.SwitchProvider(r.Context(), provider); err != nil {
		if errors.Is(err, session.ErrNotActive) || errors.Is(err, transcription.ErrInvalidState) {
			writeAPIError(w, r, http.StatusConflict, &apierror.Error{Type: apierror.TypeConflict, Message: "conversation is not streaming", Code: "conversation_not_streaming"})
			return
		}
		logger.Error("switch stt provider", "err", err)
		writeAPIError(w, r, http.StatusBadGateway, &apierror.Error{Type: apierror.TypeAPI, Message: "provider switch failed", Code: "provider_switch_failed"})
		return
	}
	logger.Info("stt provider switched by request")

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(switchProviderResponse{ConversationID: conversationID, Provider: provider.Name()})
}

func (h ProviderHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.Logger
}

func (h ProviderHandler) lookup(name string) (stt.Provider, error) {
	if h.Providers == nil {
		return nil, stt.ErrUnknownProvider
	}
	return h.Providers(name)
}
