package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"entitlement-service/internal/config"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/usecase"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server exposes the client REST API and the processor webhook.
type Server struct {
	cfg           config.HTTPConfig
	users         usecase.UserUseCase
	purchases     usecase.PurchaseUseCase
	subscriptions usecase.SubscriptionUseCase
	reconcile     usecase.ReconcileUseCase
	entitlements  usecase.EntitlementUseCase
	auth          *Authenticator
	limiter       Limiter
	checks        map[string]HealthCheck
	log           *zerolog.Logger
	now           func() time.Time
}

func NewServer(
	cfg config.HTTPConfig,
	users usecase.UserUseCase,
	purchases usecase.PurchaseUseCase,
	subscriptions usecase.SubscriptionUseCase,
	reconcile usecase.ReconcileUseCase,
	entitlements usecase.EntitlementUseCase,
	auth *Authenticator,
	limiter Limiter,
	logger *zerolog.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 10 * time.Second
	}
	l := logger.With().Str("component", "http").Logger()
	return &Server{
		cfg:           cfg,
		users:         users,
		purchases:     purchases,
		subscriptions: subscriptions,
		reconcile:     reconcile,
		entitlements:  entitlements,
		auth:          auth,
		limiter:       limiter,
		checks:        map[string]HealthCheck{},
		log:           &l,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// AddHealthCheck registers a dependency check for GET /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(s.log), Recover(s.log), RequestLog(s.log))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.With(Timeout(s.cfg.WebhookTimeout)).Post("/webhooks/payments", s.handleWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(Timeout(s.cfg.RequestTimeout), Authenticate(s.auth, s.users, s.log))

		r.Get("/entitlements", s.handleEntitlements)
		r.Get("/programs/{id}/access", s.handleProgramAccess)
		r.With(RequireTier(model.TierPremium, s.entitlements, s.log)).Get("/premium/ping", s.handlePremiumPing)
		r.Put("/me/telegram", s.handleLinkTelegram)

		r.Route("/purchases", func(r chi.Router) {
			r.Get("/", s.handleListPurchases)
			r.Get("/{id}", s.handleGetPurchase)
			r.Group(func(r chi.Router) {
				r.Use(RateLimit(s.limiter, "purchases", s.cfg.RateLimit, s.log))
				r.Post("/", s.handleCheckout)
				r.Post("/{id}/confirm", s.handleConfirmPurchase)
				r.Post("/{id}/refund", s.handleRefund)
			})
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/current", s.handleCurrentSubscription)
			r.Group(func(r chi.Router) {
				r.Use(RateLimit(s.limiter, "subscriptions", s.cfg.RateLimit, s.log))
				r.Post("/", s.handleSubscribe)
				r.Patch("/{id}/tier", s.handleChangeTier)
				r.Post("/{id}/cancel", s.handleCancel)
				r.Post("/{id}/reactivate", s.handleReactivate)
			})
		})
	})
	return r
}

// HTTPServer wraps Router in an http.Server listening on cfg.Port.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body[name] = "down"
			s.log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			continue
		}
		body[name] = "ok"
	}
	writeJSON(w, status, body)
}
