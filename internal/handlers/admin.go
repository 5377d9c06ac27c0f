package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gluk-w/sandboxd/internal/database"
	"github.com/gluk-w/sandboxd/internal/logging"
	"github.com/gluk-w/sandboxd/internal/orchestrator"
	"github.com/gluk-w/sandboxd/internal/sessions"
)

type adminSession struct {
	sessions.Snapshot
	Attached bool `json:"attached"`
}

func AdminListSessions(w http.ResponseWriter, r *http.Request) {
	list := SessionMgr.List()
	out := make([]adminSession, 0, len(list))
	for _, s := range list {
		_, attached := TermProxy.Connection(s.SessionID)
		out = append(out, adminSession{Snapshot: s, Attached: attached})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":    out,
		"active":      SessionMgr.ActiveCount(),
		"connections": TermProxy.Count(),
	})
}

type adminUnit struct {
	orchestrator.UnitInfo
	Owned bool `json:"owned"`
}

func AdminListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := Units.ListUnits(r.Context())
	if err != nil {
		log.Printf("[admin] list units: %v", err)
		writeCodedError(w, http.StatusServiceUnavailable, "engine_unavailable", "Failed to list units")
		return
	}
	out := make([]adminUnit, 0, len(units))
	for _, u := range units {
		out = append(out, adminUnit{UnitInfo: u, Owned: SessionMgr.OwnsUnit(u.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func AdminListAudit(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeError(w, http.StatusNotFound, "Audit log is disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := database.ListEvents(r.URL.Query().Get("session"), limit)
	if err != nil {
		log.Printf("[admin] list audit events: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v, err := strconv.Atoi(r.URL.Query().Get("lines")); err == nil && v > 0 {
		lines = v
	}
	if lines > 5000 {
		lines = 5000
	}
	text, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": logging.Enabled(),
		"logs":    text,
	})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}
	log.Printf("[admin] server log cleared")
	w.WriteHeader(http.StatusNoContent)
}

type circuitRequest struct {
	Maintenance bool   `json:"maintenance"`
	Reason      string `json:"reason"`
}

// SetCircuit toggles maintenance mode.
func SetCircuit(w http.ResponseWriter, r *http.Request) {
	var body circuitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	reason := ""
	if body.Maintenance {
		reason = body.Reason
		if reason == "" {
			reason = "scheduled maintenance"
		}
	}
	Breaker.SetMaintenance(reason)
	writeJSON(w, http.StatusOK, Breaker.GetStatus())
}
