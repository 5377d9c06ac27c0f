package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/sandboxd/internal/admission"
	"github.com/gluk-w/sandboxd/internal/environments"
	"github.com/gluk-w/sandboxd/internal/logutil"
	"github.com/gluk-w/sandboxd/internal/middleware"
	"github.com/gluk-w/sandboxd/internal/orchestrator"
	"github.com/gluk-w/sandboxd/internal/sessions"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	ToolPair    string `json:"toolPair"`
	Environment string `json:"environment,omitempty"`
}

type createSessionResponse struct {
	SessionID   string    `json:"sessionId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ToolPair    string    `json:"toolPair"`
	Environment string    `json:"environment"`
}

type sessionResponse struct {
	SessionID      string     `json:"sessionId"`
	Status         string     `json:"status"`
	ToolPair       string     `json:"toolPair"`
	Environment    string     `json:"environment"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// CreateSession handles POST /api/v1/sessions.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	clientID := middleware.ClientID(r)
	snap, err := SessionMgr.Create(r.Context(), sessions.CreateRequest{
		ToolPair:    body.ToolPair,
		Environment: body.Environment,
		ClientID:    clientID,
	})
	if err != nil {
		writeCreateError(w, clientID, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:   snap.SessionID,
		ExpiresAt:   snap.ExpiresAt,
		ToolPair:    snap.ToolPair,
		Environment: snap.Environment,
	})
}

func writeCreateError(w http.ResponseWriter, clientID string, err error) {
	var denial *admission.Denial
	switch {
	case errors.As(err, &denial):
		secs := int(math.Ceil(denial.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"detail":     denial.Error(),
			"code":       string(denial.Reason),
			"retryAfter": secs,
		})
	case errors.Is(err, sessions.ErrCircuitOpen):
		writeCodedError(w, http.StatusServiceUnavailable, "circuit_open", err.Error())
	case errors.Is(err, environments.ErrUnknownEnvironment):
		writeCodedError(w, http.StatusBadRequest, "unknown_tool_pair", err.Error())
	case errors.Is(err, sessions.ErrEngineUnavailable):
		writeCodedError(w, http.StatusServiceUnavailable, "engine_unavailable", "Container engine unavailable")
	case errors.Is(err, sessions.ErrCreateTimeout):
		writeCodedError(w, http.StatusServiceUnavailable, "create_timeout", "Session creation timed out")
	case errors.Is(err, orchestrator.ErrResourceExhausted):
		writeCodedError(w, http.StatusServiceUnavailable, "resource_exhausted", "No capacity for a new session")
	default:
		log.Printf("[session-mgr] create for client %s failed: %v", logutil.SanitizeForLog(clientID), err)
		writeCodedError(w, http.StatusInternalServerError, "create_failed", "Failed to create session")
	}
}

// GetSession handles GET /api/v1/sessions/{id}.
func GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := SessionMgr.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:      snap.SessionID,
		Status:         string(snap.State),
		ToolPair:       snap.ToolPair,
		Environment:    snap.Environment,
		CreatedAt:      snap.CreatedAt,
		ExpiresAt:      snap.ExpiresAt,
		LastActivityAt: snap.LastActivityAt,
		EndedAt:        snap.EndedAt,
	})
}

// DeleteSession handles DELETE /api/v1/sessions/{id}. It always answers 204.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := SessionMgr.Destroy(r.Context(), chi.URLParam(r, "id")); err != nil {
		log.Printf("[session-mgr] destroy %s: %v", logutil.SanitizeForLog(chi.URLParam(r, "id")), err)
	}
	w.WriteHeader(http.StatusNoContent)
}
