/*
server.go - HTTP router and middleware configuration

PURPOSE:

	Configures the HTTP router (chi), middleware stack, and route definitions.
	This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
 1. RequestID:     Unique ID per request for tracing
 2. RequestLogger: One logrus entry per request, tagged with the request id
 3. Recoverer:     Panic recovery (500 instead of crash)
 4. CORS:          Cross-origin requests for the admin portal
 5. Authenticate:  Bearer token on every /api route except /api/health

ROUTE GROUPS:

	/api/customers/*      Reseller tree, commissions, fees, notifications
	/api/users/*          User to customer mapping, margin breakdown
	/api/links/*          Pricing links, approval, snapshots, versions
	/api/snapshots/*      Batch regeneration (admin)
	/api/lifecycle/*      Contract lifecycle run (admin)
	/api/settlements/*    Consolidation (admin), listing, export
	/api/settings/*       Portal settings
	/api/jobs/*           Job run history
	/api/scenarios/*      Demo scenarios (admin)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification and RequireAdmin
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Verifier checks bearer tokens. Nil disables authentication.
	Verifier       *JWTVerifier
	AllowedOrigins []string
	Log            logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Log
	if log == nil {
		log = discardLogger()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(opts.Verifier))

			// Customer routes
			r.Route("/customers", func(r chi.Router) {
				r.Get("/", h.ListCustomers)
				r.Get("/{id}", h.GetCustomer)
				r.Get("/{id}/ancestors", h.GetAncestors)
				r.Get("/{id}/commission", h.ResolveCommission)
				r.Get("/{id}/fees", h.GetContractedFees)
				r.Get("/{id}/notifications", h.ListNotifications)
				r.Post("/{id}/notifications/read-all", h.MarkAllNotificationsRead)

				r.Group(func(r chi.Router) {
					r.Use(RequireAdmin)
					r.Post("/", h.SaveCustomer)
					r.Put("/{id}/commission", h.SetCommission)
					r.Delete("/{id}/commission", h.ClearCommission)
					r.Put("/{id}/fees", h.SetContractedFees)
				})
			})

			// User routes
			r.Route("/users", func(r chi.Router) {
				r.Get("/{id}/margin", h.GetMarginBreakdown)
				r.With(RequireAdmin).Get("/{id}/customers", h.ListUserCustomers)
				r.With(RequireAdmin).Post("/{id}/customers", h.AssignUser)
			})

			// Pricing link routes
			r.Route("/links", func(r chi.Router) {
				r.Get("/", h.ListLinks)
				r.Get("/{id}", h.GetLink)
				r.Get("/{id}/snapshots", h.GetLiveSnapshots)
				r.Get("/{id}/versions", h.GetVersionHistory)

				r.Group(func(r chi.Router) {
					r.Use(RequireAdmin)
					r.Post("/", h.CreateLink)
					r.Post("/{id}/approve", h.ApproveLink)
					r.Post("/{id}/reject", h.RejectLink)
					r.Post("/{id}/snapshots/regenerate", h.RegenerateLink)
				})
			})

			r.With(RequireAdmin).Post("/snapshots/regenerate", h.RegenerateAll)
			r.With(RequireAdmin).Post("/lifecycle/run", h.RunLifecycle)

			// Settlement routes
			r.Route("/settlements", func(r chi.Router) {
				r.Get("/", h.ListSettlements)
				r.Get("/export", h.ExportSettlements)
				r.With(RequireAdmin).Post("/consolidate", h.ConsolidateSettlements)
			})

			r.Post("/notifications/{id}/read", h.MarkNotificationRead)

			// Settings routes
			r.Route("/settings", func(r chi.Router) {
				r.Get("/margin-split", h.GetMarginSplit)
				r.With(RequireAdmin).Put("/margin-split", h.UpdateMarginSplit)
			})

			r.Get("/jobs/runs", h.ListJobRuns)

			// Scenario routes
			r.Route("/scenarios", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		})
	})

	return r
}

// RequestLogger logs one entry per request with status, size and latency.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := log.WithFields(logrus.Fields{
					"component":   "http",
					"request_id":  middleware.GetReqID(r.Context()),
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
				})
				switch {
				case ww.Status() >= http.StatusInternalServerError:
					entry.Warn("request failed")
				default:
					entry.Debug("request served")
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
