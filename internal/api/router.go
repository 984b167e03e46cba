/**
 * @description
 * HTTP router setup for the settlement-service using go-chi/chi.
 */
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the auth and CORS settings of the router.
type RouterConfig struct {
	MerchantJWTSecret string
	InternalAPIKey    string
	AllowedOrigins    []string
}

// NewRouter creates a new Chi router and registers settlement routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(MerchantAuthMiddleware(cfg.MerchantJWTSecret))
		r.Post("/transactions", h.handleAddTransaction)
		r.Get("/transactions", h.handleListTransactions)
		r.Get("/transactions/{hash}", h.handleGetTransaction)
		r.Delete("/transactions/{hash}", h.handleStopMonitoring)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/payments/{id}/completed", h.handlePaymentCompleted)
		r.Post("/payments/{id}/status-changed", h.handlePaymentStatusChanged)
		r.Post("/invoices/{id}/reconcile", h.handleReconcileInvoice)
	})

	return r
}
