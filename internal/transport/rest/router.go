package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creatorhub/membership-billing/internal/billing"
	"github.com/creatorhub/membership-billing/internal/transport/middleware"
	"github.com/creatorhub/membership-billing/internal/transport/swagger"
)

// RegisterAllRoutes wires the HTTP surface. Webhook routes stay outside
// the auth group: providers authenticate with signatures, not bearer
// tokens.
func RegisterAllRoutes(router *chi.Mux, db *sql.DB, auth *middleware.Auth, billingHandler *billing.Handler, webhookHandler *billing.WebhookHandler, registry *prometheus.Registry, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))

	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	router.Handle("/swagger/*", swagger.Handler())

	if registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if webhookHandler != nil {
			r.Post("/webhooks/{gateway}", webhookHandler.Receive)
		}

		if billingHandler != nil && auth != nil {
			r.Group(func(pr chi.Router) {
				pr.Use(auth.Middleware)

				pr.Route("/billing/upgrades", func(br chi.Router) {
					br.Post("/", billingHandler.InitiateUpgrade)
					br.Get("/{transactionID}", billingHandler.GetUpgradeStatus)
				})
			})
		}
	})
}
