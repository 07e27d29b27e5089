package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router for the CSV upload API.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no identity required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api/csv", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", h.HandleCreateUpload)
			r.Get("/", h.HandleListUploads)

			r.Route("/{uploadID}", func(r chi.Router) {
				r.Get("/", h.HandleGetUpload)
				r.Delete("/", h.HandleDeleteUpload)
				r.Get("/progress", h.HandleGetProgress)
				r.Get("/data", h.HandleQueryRows)
			})
		})
	})

	return r
}
