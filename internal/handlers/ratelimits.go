package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gluk-w/sandboxd/internal/admission"
	"github.com/go-chi/chi/v5"
)

func ListRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clients": Admission.List(),
		"limits":  Admission.Limits(),
	})
}

func GetRateLimit(w http.ResponseWriter, r *http.Request) {
	view, ok := Admission.Get(chi.URLParam(r, "clientId"))
	if !ok {
		writeError(w, http.StatusNotFound, "Client not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	if !Admission.Reset(clientID) {
		writeError(w, http.StatusNotFound, "Client not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "clientId": clientID})
}

type adjustRequest struct {
	WindowDurationMs *int64 `json:"windowDuration,omitempty"`
	MaxRequests      *int   `json:"maxRequests,omitempty"`
}

// AdjustRateLimit accepts a window (milliseconds) and maximum but only resets
// the client's counters; limits are process-wide.
func AdjustRateLimit(w http.ResponseWriter, r *http.Request) {
	var body adjustRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	params := admission.AdjustParams{MaxRequests: body.MaxRequests}
	if body.WindowDurationMs != nil {
		d := time.Duration(*body.WindowDurationMs) * time.Millisecond
		params.WindowDuration = &d
	}

	clientID := chi.URLParam(r, "clientId")
	if !Admission.Adjust(clientID, params) {
		writeError(w, http.StatusNotFound, "Client not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"clientId": clientID,
		"applied":  false,
		"limits":   Admission.Limits(),
	})
}
