/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client IP from X-Forwarded-For / X-Real-IP (firewall rules key on it)
  3. RequestLogger: One zap line per request
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for frontends
  6. ResolveUser:   Acting user from X-User-ID (API routes only)

ROUTE GROUPS:
  /api/firewall/*   Moderation
  /api/balances/*   Ledger
  /api/users/*      Users and their prestige
  /api/contents/*   Contents, votes and their prestige
  /api/rewards      Daily reward
  /metrics          Prometheus
  /healthz          Liveness

SECURITY NOTE:
  Authentication is done upstream. The X-User-ID header is trusted.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins allows any origin.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
	}))

	r.Get("/healthz", h.Health)
	r.Method("GET", "/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.ResolveUser)

		// Moderation routes
		r.Route("/firewall/{eventId}", func(r chi.Router) {
			r.Get("/", h.GetFirewallEvent)
			r.Post("/review", h.ReviewFirewallEvent)
		})

		// Ledger routes
		r.Route("/balances", func(r chi.Router) {
			r.Get("/entries", h.ListEntries)
			r.Post("/entries", h.CreateEntry)
			r.Post("/entries/{entryId}/undo", h.UndoEntry)
			r.Get("/{balanceType}/{recipientId}", h.GetBalance)
		})

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Post("/{id}/activate", h.ActivateUser)
			r.Get("/{id}/prestige", h.GetUserPrestige)
		})

		// Content routes
		r.Route("/contents", func(r chi.Router) {
			r.Post("/", h.CreateContent)
			r.Post("/{id}/tabcoins", h.VoteContent)
			r.Get("/{id}/prestige", h.GetContentPrestige)
		})

		r.Post("/rewards", h.CreateReward)
	})

	return r
}
