package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// registerAPIRoutes registers all API endpoints on the given router
func registerAPIRoutes(r chi.Router, h *Handler) {
	// Conversion
	r.Post("/convert", h.Convert)
	r.Get("/status/{jobID}", h.Status)
	r.Get("/download/{fileID}", h.Download)
	r.Post("/metadata", h.Metadata)

	// Job control
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{jobID}/stream", h.JobStream)
	r.Delete("/jobs/{jobID}", h.CancelJob)

	// Misc
	r.Get("/stats", h.Stats)
	r.Post("/stats/reset-session", h.ResetSession)
	r.Get("/history", h.History)
}

// NewRouter creates a new HTTP router with all API endpoints
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		registerAPIRoutes(r, h)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return r
}
