/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/accounts/*       Accounts, their purchases, emissions and subscriptions
  /api/purchases/*      Purchase lifecycle and items
  /api/emissions/*      Emission corrections
  /api/club/*           Club sweep
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus metrics
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/points-ledger/observability"
)

// NewRouter creates a new router with all routes configured. metrics may be
// nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, logger *zap.Logger, metrics http.Handler) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Get("/purchases", h.ListPurchases)
				r.Post("/purchases", h.CreatePurchase)

				r.Get("/emissions", h.ListEmissions)
				r.Post("/emissions", h.RecordEmission)
				r.Get("/emissions/usage", h.GetUsage)
				r.Get("/emissions/usage/all", h.GetAllUsage)

				r.Get("/subscriptions", h.ListSubscriptions)
				r.Post("/subscriptions", h.Subscribe)
				r.Get("/subscriptions/{program}", h.GetSubscription)
				r.Post("/subscriptions/{program}/renew", h.RenewSubscription)
				r.Get("/subscriptions/{program}/status", h.GetSubscriptionStatus)
				r.Put("/subscriptions/{program}/status", h.SetSubscriptionStatus)
			})
		})

		// Purchase routes
		r.Route("/purchases/{id}", func(r chi.Router) {
			r.Get("/", h.GetPurchase)
			r.Post("/close", h.ClosePurchase)
			r.Post("/cancel", h.CancelPurchase)
			r.Post("/items", h.CreateItem)
			r.Put("/items/{itemID}", h.UpdateItem)
			r.Post("/items/{itemID}/release", h.ReleaseItem)
			r.Post("/items/{itemID}/cancel", h.CancelItem)
		})

		// Emission routes
		r.Route("/emissions", func(r chi.Router) {
			r.Patch("/{id}", h.CorrectEmission)
			r.Delete("/{id}", h.DeleteEmission)
		})

		// Club routes
		r.Post("/club/sweep", h.RunSweep)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
