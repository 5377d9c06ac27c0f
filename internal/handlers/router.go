package handlers

import (
	"net/http"

	"github.com/gluk-w/sandboxd/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP surface. apiKey, when set, gates every route
// except /health. Client identity is the TCP peer address unless
// trustProxyHeaders is set.
func NewRouter(apiKey string, trustProxyHeaders bool) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	if trustProxyHeaders {
		r.Use(chimw.RealIP)
	}

	// Health (no auth)
	r.Get("/health", HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(apiKey))

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/status", GetStatus)
			r.Get("/environments", ListEnvironments)

			r.Post("/sessions", CreateSession)
			r.Get("/sessions/{id}", GetSession)
			r.Delete("/sessions/{id}", DeleteSession)
			r.Get("/sessions/{id}/ws", TerminalWS)
		})

		// Rate limit administration
		r.Route("/rate-limits", func(r chi.Router) {
			r.Get("/", ListRateLimits)
			r.Get("/{clientId}", GetRateLimit)
			r.Post("/{clientId}/reset", ResetRateLimit)
			r.Post("/{clientId}/adjust", AdjustRateLimit)
		})

		// Monitoring
		r.Route("/admin", func(r chi.Router) {
			r.Get("/sessions", AdminListSessions)
			r.Get("/units", AdminListUnits)
			r.Get("/audit", AdminListAudit)
			r.Get("/logs", GetServerLogs)
			r.Delete("/logs", ClearServerLogs)
			r.Post("/circuit", SetCircuit)
		})
	})
	return r
}
