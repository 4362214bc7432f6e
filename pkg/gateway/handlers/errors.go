package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/oto-voiceapi/pkg/gateway/apierror"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/protocol"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/mw"
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	ae, status := apierror.FromError(err, reqID)
	mw.WriteJSONError(w, status, ae)
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, ae *apierror.Error) {
	if ae.RequestID == "" {
		ae.RequestID, _ = mw.RequestIDFrom(r.Context())
	}
	mw.WriteJSONError(w, status, ae)
}

// writeWSError reports a failure that happens after the upgrade but before a
// session owns the connection, then closes it.
func writeWSError(conn *websocket.Conn, code, message string, closeCode int) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsErrorWriteTimeout))
	_ = conn.WriteJSON(protocol.Error(code, message))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, message), time.Now().Add(wsErrorWriteTimeout))
}

const wsErrorWriteTimeout = 2 * time.Second
