/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  unique id per request
  2. Logger:     request logging
  3. Recoverer:  panic recovery (500 instead of crash)
  4. Metrics:    request counter and latency histogram per route pattern
  5. CORS:       cross-origin requests for the web client

ROUTE GROUPS:
  /healthz, /metrics    Liveness and Prometheus scrape, no auth
  /api/plans            Public catalogue
  /api/signup, /api/me  Bearer token required
  /api/admin/*          Bearer token with role=admin

SEE ALSO:
  - handlers.go: handler implementations
  - auth.go: token verification
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alarab/profit-engine/metrics"
)

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/plans", h.ListPlans)

		// User routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser)

			r.Post("/signup", h.Signup)
			r.Route("/me", func(r chi.Router) {
				r.Get("/account", h.GetMyAccount)
				r.Get("/activity", h.GetMyActivity)
				r.Get("/investments", h.ListMyInvestments)
				r.Post("/investments", h.Purchase)
				r.Post("/investments/{id}/claim", h.ClaimInvestment)
				r.Post("/claim", h.ClaimAll)
				r.Get("/referrals", h.GetMyReferrals)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)

			r.Post("/deposits/approved", h.ApproveDeposit)
			r.Post("/withdrawals/approved", h.ApproveWithdrawal)
			r.Post("/plans", h.SavePlan)
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/users/{id}/account", h.GetUserAccount)
		})
	})

	return r
}

// instrument records request count and latency by route pattern, so that
// path parameters do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
