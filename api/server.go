/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     Structured request logging + Prometheus request metrics
  4. CORS:       Cross-origin requests for the regulator and supplier UIs

ROUTE GROUPS:
  /api/compliance-periods/*   Period resolver
  /api/organizations/*        Balances, transactions, coverage, exports
  /api/agreements/*           Agreement issuance
  /api/transfers/*            Credit transfer approval
  /api/penalty-credits/*      Penalty credit approval
  /api/history/*              Status transitions
  /api/assessments            Compliance-year close
  /metrics                    Prometheus scrape endpoint
  /healthz                    Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeva/credit-engine/metrics"
)

// DefaultCORSOrigins is used when no origins are configured.
var DefaultCORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = DefaultCORSOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/compliance-periods", func(r chi.Router) {
			r.Get("/", h.FindCompliancePeriod)
			r.Get("/{year}", h.GetCompliancePeriod)
		})

		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", h.ListOrganizations)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/balance.xlsx", h.ExportBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/coverage", h.CheckCoverage)
		})

		r.Post("/agreements/{id}/issue", h.IssueAgreement)
		r.Post("/transfers/{id}/approve", h.ApproveTransfer)
		r.Post("/penalty-credits/{id}/approve", h.ApprovePenaltyCredit)
		r.Get("/history/{type}/{id}", h.GetHistory)
		r.Post("/assessments", h.CloseComplianceYear)
	})

	return r
}

// requestLogger logs every request with slog and records request metrics
// labelled by route pattern.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", elapsed,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
