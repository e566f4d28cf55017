/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog request line (carries the request ID)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin dashboard

ROUTE GROUPS:
  /api/budgets/*            Envelope lifecycle and drift report
  /api/grievances/*         Tasks, assignment, completion, confirmation
  /api/resource-requests/*  Request approval, delivery, refetch
  /api/audit                Audit trail
  /api/scenarios/*          Demo data

AUTHORIZATION:
  Identity arrives in X-Actor-ID / X-Actor-Role from the gateway. Mutations
  that move envelope money require the admin role.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logger and actor checks
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

type RouterOptions struct {
	AllowedOrigins []string
	Log            zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerActorID, headerActorRole},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/audit", h.QueryAudit)

		r.Route("/budgets", func(r chi.Router) {
			r.Get("/", h.ListEnvelopes)
			r.Get("/active", h.GetActiveEnvelope)
			r.Get("/active/drift", h.GetDrift)
			r.Get("/{id}", h.GetEnvelope)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/", h.CreateEnvelope)
				r.Post("/{id}/activate", h.ActivateEnvelope)
				r.Post("/{id}/close", h.CloseEnvelope)
				r.Post("/{id}/archive", h.ArchiveEnvelope)
			})
		})

		r.Route("/grievances", func(r chi.Router) {
			r.Get("/", h.ListGrievances)
			r.Get("/{id}", h.GetGrievance)

			r.Group(func(r chi.Router) {
				r.Use(requireActor)
				r.Post("/", h.CreateGrievance)
				r.Post("/{id}/start", h.StartWork)
				r.Post("/{id}/expenses", h.RecordSpend)
				r.Post("/{id}/complete", h.CompleteTask)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/confirm-all", h.ConfirmAll)
				r.Post("/{id}/assign", h.AssignGrievance)
				r.Post("/{id}/confirm", h.ConfirmGrievance)
			})
		})

		r.Route("/resource-requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Get("/{id}", h.GetRequest)
			r.With(requireActor).Post("/", h.SubmitRequest)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/{id}/approve", h.ApproveRequest)
				r.Post("/{id}/reject", h.RejectRequest)
				r.Post("/{id}/dispatch", h.DispatchRequest)
				r.Post("/{id}/deliver", h.DeliverRequest)
				r.Post("/{id}/refetch", h.RefetchRequest)
			})
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.With(requireAdmin).Post("/load", h.LoadScenario)
		})
	})

	return r
}
