package handlers

import (
	"net/http"

	"github.com/gluk-w/sandboxd/internal/database"
)

// GetStatus handles GET /api/v1/status.
func GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Breaker.GetStatus())
}

// ListEnvironments handles GET /api/v1/environments.
func ListEnvironments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"environments": Envs.Environments(),
		"toolPairs":    Envs.ToolPairs(),
	})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if database.DB != nil {
		dbStatus = "disconnected"
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	engine := Breaker.Engine()
	engineStatus := "connected"
	if !engine.Healthy {
		engineStatus = "unavailable"
	}

	status := "healthy"
	if !engine.Healthy || dbStatus == "disconnected" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"engine":          engineStatus,
		"database":        dbStatus,
		"active_sessions": SessionMgr.ActiveCount(),
		"connections":     TermProxy.Count(),
	})
}
