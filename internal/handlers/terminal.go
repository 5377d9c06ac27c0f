package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/gluk-w/sandboxd/internal/logutil"
	"github.com/gluk-w/sandboxd/internal/middleware"
	"github.com/gluk-w/sandboxd/internal/terminal"
	"github.com/go-chi/chi/v5"
)

// TerminalWS handles GET /api/v1/sessions/{id}/ws.
//
// Query parameters:
//   - cols, rows: initial terminal size (default 80x24)
//   - api_key: shared key, checked by middleware
//
// Attach failures are reported as WebSocket close codes after the upgrade so
// browser clients can read them.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] accept websocket for session %s: %v", logutil.SanitizeForLog(sessionID), err)
		return
	}
	defer ws.CloseNow()

	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))

	conn, err := TermProxy.Attach(r.Context(), terminal.AttachRequest{
		SessionID: sessionID,
		ClientID:  middleware.ClientID(r),
		Conn:      ws,
		Rows:      rows,
		Cols:      cols,
	})
	if err != nil {
		code, reason := terminal.CloseCode(err)
		log.Printf("[terminal] attach session %s rejected: %v", logutil.SanitizeForLog(sessionID), err)
		ws.Close(code, reason)
		return
	}
	conn.Serve(r.Context())
}
