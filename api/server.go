/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for a frontend

ROUTE GROUPS:
  /health                         Liveness and store ping
  /metrics                        Prometheus scrape endpoint (optional)
  /api/buildings/*                Buildings, imports, periods
  /api/fixtures/*                 Demo data sets

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if h.ExposeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/buildings", func(r chi.Router) {
			r.Post("/", h.CreateBuilding)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetBuilding)

				// Imports
				r.Post("/units", h.ImportUnits)
				r.Post("/services", h.ImportServices)
				r.Post("/costs", h.ImportCosts)
				r.Post("/meters", h.ImportMeters)
				r.Post("/readings", h.ImportReadings)
				r.Post("/parameters", h.ImportParameters)
				r.Post("/occupancy", h.ImportOccupancy)
				r.Post("/advances", h.ImportAdvances)
				r.Post("/payments", h.ImportPayments)
				r.Delete("/years/{year}/inputs", h.DeleteYearInputs)

				// Periods
				r.Route("/periods/{year}", func(r chi.Router) {
					r.Get("/", h.GetPeriod)
					r.Post("/", h.EnsurePeriod)
					r.Post("/calculate", h.Calculate)
					r.Get("/preview", h.Preview)
				})
			})
		})

		// Fixture routes
		r.Route("/fixtures", func(r chi.Router) {
			r.Get("/", h.ListFixtures)
			r.Get("/current", h.GetCurrentFixture)
			r.Post("/load", h.LoadFixture)
		})
	})

	return r
}
