package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ride-coordination/internal/idempotency"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/robertarktes/ride-coordination/internal/rateLimit"
)

type RouterConfig struct {
	Auth          *Authenticator
	RateLimiter   *rateLimit.RateLimiter
	RatePerMinute int
	Idempotency   *idempotency.Idempotency
	CallbackToken string
}

func SetupRouter(h *Handlers, logger observability.Logger, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware)
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.With(CallbackTokenMiddleware(cfg.CallbackToken)).Post("/v1/payments/callback", h.PaymentCallback)

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(cfg.Auth))
		if cfg.RateLimiter != nil {
			r.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.RatePerMinute))
		}
		if cfg.Idempotency != nil {
			r.Use(cfg.Idempotency.Middleware(func(req *http.Request) string {
				return mustUser(req).String()
			}))
		}

		r.Post("/v1/rides", h.CreateRide)
		r.Get("/v1/rides/{id}", h.GetRide)
		r.Get("/v1/rides/{id}/bookings", h.ListBookings)
		r.Post("/v1/rides/{id}/bookings", h.RequestBooking)
		r.Post("/v1/rides/{id}/transition", h.TransitionRide)
		r.Get("/v1/rides/{id}/presence", h.Presence)
		r.Get("/v1/rides/{id}/locations", h.SubscribeLocations)
		r.Get("/v1/rides/{id}/locations/share", h.ShareLocation)
		r.Delete("/v1/rides/{id}/locations/me", h.StopSharing)

		r.Post("/v1/bookings/{id}/resolve", h.ResolveRequest)
		r.Post("/v1/bookings/{id}/cancel", h.CancelBooking)
	})

	return r
}
