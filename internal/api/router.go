package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opskit/inquest/internal/api/handlers"
	"github.com/opskit/inquest/internal/api/middleware"
	"github.com/opskit/inquest/internal/config"
	"github.com/opskit/inquest/internal/store"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, s store.Store, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API key auth (no-op unless INQUEST_API_KEYS is set)
	r.Use(middleware.NewAPIKeyAuth().Middleware)

	// Health & info
	r.Get("/health", healthHandler(s))
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Coordinator message ingestion
		r.Post("/messages", h.PostMessage)

		// Investigations
		r.Route("/investigations", func(r chi.Router) {
			r.Get("/", h.ListInvestigations)
			r.Route("/{investigationId}", func(r chi.Router) {
				r.Get("/", h.GetInvestigation)
				r.Get("/plan", h.GetPlan)
				r.Get("/context", h.GetContext)
				r.Get("/results", h.GetResults)
				r.Post("/cancel", h.CancelInvestigation)
			})
		})

		// Registered worker capabilities
		r.Get("/workers", h.ListWorkers)
	})

	return r
}

func healthHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status":  "degraded",
				"service": "inquest-engine",
				"error":   err.Error(),
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": "inquest-engine",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "inquest-engine",
		})
	}
}
