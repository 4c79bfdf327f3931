/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Origin IP from X-Forwarded-For / X-Real-IP (sealed into consent)
  3. Logger:     slog request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the kiosk and back-office frontends
  6. Identity:   Actor and tenant from the session provider (under /api only)

ROUTE GROUPS:
  /healthz              Liveness + storage ping
  /api/products/*       Catalog, balances, stock movements
  /api/workers/*        Worker registry
  /api/requests/*       Request workflow
  /api/deliveries/*     Direct issuance
  /api/reports/*        Low stock, expiry, valuation
  /api/audit            Audit log query
  /api/admin/*          Reconciliation
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log()))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			HeaderActorID, HeaderTenantID, HeaderActorRole},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Identity)

		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Get("/{id}", h.GetProduct)
			r.Put("/{id}", h.UpdateProduct)
			r.Post("/{id}/deactivate", h.DeactivateProduct)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/movements", h.GetMovements)
			r.Post("/{id}/receipts", h.ReceiveStock)
			r.Post("/{id}/adjustments", h.AdjustStock)
		})

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", h.ListWorkers)
			r.Post("/", h.RegisterWorker)
			r.Get("/{id}", h.GetWorker)
		})

		r.Get("/stock", h.ListStock)

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.SubmitRequest)
			r.Get("/{id}", h.GetRequest)
			r.Get("/{id}/audit", h.GetRequestAudit)
			r.Get("/{id}/verify", h.VerifyRequest)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
			r.Post("/{id}/separate", h.BeginSeparation)
			r.Post("/{id}/debit", h.DebitStock)
			r.Post("/{id}/deliver", h.MarkDelivered)
			r.Post("/{id}/confirm", h.ConfirmReceipt)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", h.ListDeliveries)
			r.Post("/", h.IssueDelivery)
			r.Get("/{id}", h.GetDelivery)
			r.Get("/{id}/verify", h.VerifyDelivery)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/low-stock", h.LowStockReport)
			r.Get("/expiring", h.ExpiringReport)
			r.Get("/valuation", h.ValuationReport)
		})

		r.Get("/audit", h.QueryAudit)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.TriggerReconcile)
			r.Get("/reconcile/last", h.LastReconcile)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				level := slog.LevelInfo
				if ww.Status() >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				log.Log(r.Context(), level, "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
					"remote_ip", r.RemoteAddr,
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
