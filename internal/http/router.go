package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ticket-purchase-saga/internal/observability"
	"github.com/robertarktes/ticket-purchase-saga/internal/rateLimit"
)

func NewRouter(h *Handlers, rl *rateLimit.RateLimiter, logger observability.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(CorrelationIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(rl))

		r.Route("/orders", func(r chi.Router) {
			r.With(IdempotencyKeyMiddleware).Post("/", h.CreateOrder)
			r.Get("/", h.ListOrders)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/cancel", h.CancelOrder)
		})

		r.Route("/payments", func(r chi.Router) {
			r.With(IdempotencyKeyMiddleware).Post("/charge", h.Charge)
			r.Post("/webhook", h.Webhook)
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/refund", h.Refund)
			r.Post("/{id}/status", h.UpdateStatus)
			r.Get("/order/{orderId}", h.PaymentsByOrder)
		})
	})

	return r
}
