/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request logging (RequestLogger)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /healthz              Liveness (public)
  /api/auth/login       Admin login (public)
  /api/customers/*      Customer directory and history
  /api/transactions/*   Purchases
  /api/redemptions      Point redemption
  /api/lots             Lot listing
  /api/admin/*          Dashboard and manual expiry

  Everything under /api except login requires a bearer token.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token issuing and verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", auth.Login)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			// Customer routes
			r.Route("/customers", func(r chi.Router) {
				r.Get("/", h.ListCustomers)
				r.Post("/", h.CreateCustomer)
				r.Get("/{id}", h.GetCustomer)
				r.Put("/{id}", h.UpdateCustomer)
				r.Delete("/{id}", h.DeleteCustomer)
				r.Get("/{id}/balance", h.GetBalance)
				r.Get("/{id}/lots", h.GetCustomerLots)
				r.Get("/{id}/transactions", h.GetCustomerTransactions)
				r.Get("/{id}/redemptions", h.GetCustomerRedemptions)
				r.Post("/{id}/reconcile", h.ReconcileCustomer)
			})

			// Transaction routes
			r.Route("/transactions", func(r chi.Router) {
				r.Post("/", h.CreateTransaction)
				r.Get("/{id}", h.GetTransaction)
				r.Delete("/{id}", h.DeleteTransaction)
			})

			r.Post("/redemptions", h.RedeemPoints)
			r.Get("/lots", h.ListLots)

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Get("/dashboard", h.Dashboard)
				r.Post("/expire", h.TriggerExpiry)
			})
		})
	})

	return r
}
