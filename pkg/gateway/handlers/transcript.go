package handlers

import (
	"errors"
	"net/http"

	"github.com/vango-go/oto-voiceapi/pkg/core/voice/transcription"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/apierror"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/auth"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/config"
	"github.com/vango-go/oto-voiceapi/pkg/store"
)

var contentTypes = map[transcription.Format]string{
	transcription.FormatPlain: "text/plain; charset=utf-8",
	transcription.FormatSRT:   "application/x-subrip; charset=utf-8",
	transcription.FormatVTT:   "text/vtt; charset=utf-8",
}

// TranscriptHandler renders a stored transcript as plain text, SRT or VTT.
type TranscriptHandler struct {
	Config     config.Config
	Authorizer auth.Authorizer
}

func (h TranscriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	format, err := transcription.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: err.Error(), Param: "format"})
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

	c, exists, err := h.Authorizer.AuthorizeConversation(r.Context(), p, conversationID)
	if err != nil && !errors.Is(err, auth.ErrArchived) {
		writeError(w, r, err)
		return
	}
	if !exists {
		writeError(w, r, store.ErrNotFound)
		return
	}

	body, err := transcription.Render(format, c.Segments, transcription.SubtitleOptions{
		MaxGap:         h.Config.SubtitleMaxGap,
		MaxCueDuration: h.Config.SubtitleMaxCue,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if body == "" && c.Transcript != "" && format == transcription.FormatPlain {
		body = c.Transcript
	}

	w.Header().Set("Content-Type", contentTypes[format])
	if format != transcription.FormatPlain {
		w.Header().Set("Content-Disposition", `attachment; filename="`+conversationID+`.`+string(format)+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
