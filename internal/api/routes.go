package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes builds the router. The webhook endpoint stays outside /api:
// the provider authenticates with its payload signature, not a session.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://platewatch.io", "http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Post("/webhooks/email", h.EmailWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Get("/manifests/{id}", h.GetManifest)
		r.Get("/recalls/{key}", h.GetRecall)
		r.Put("/recalls/{key}/overlay", h.UpdateOverlay)
		r.Get("/queues", h.ListQueues)
		r.Post("/queues/{id}/cancel", h.CancelQueue)
		r.Post("/subscribers", h.UpsertSubscriber)
		r.Post("/sync", h.TriggerSync)
		r.Post("/dispatch", h.TriggerDispatch)
	})

	return r
}
