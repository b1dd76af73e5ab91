// Package gateway exposes the payment-intent API: the merchant REST surface,
// the operator admin surface with its live websocket feed, and the probe
// endpoints. Handlers stay thin; every domain decision lives in the engine.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"parapay/engine"
	"parapay/feed"
	"parapay/store"
)

// ChainStatus is the slice of the chain client the health probe needs.
type ChainStatus interface {
	Head(ctx context.Context) (uint64, time.Time, error)
}

// Waker nudges the webhook dispatcher after an operator re-arms an event.
type Waker interface {
	Wake()
}

// PayoutRunner triggers a payout batch; an empty merchant ID means every
// merchant whose schedule is due.
type PayoutRunner interface {
	Run(ctx context.Context, merchantID string) (int, error)
}

// JobTrigger fires a named scheduler job out of band.
type JobTrigger interface {
	Trigger(ctx context.Context, name string) (bool, error)
}

// Config wires the server to the rest of the process. Engine, Store and
// JWTSecret are mandatory; everything else degrades gracefully when absent
// so tests can run slices of the surface.
type Config struct {
	Engine    *engine.Engine
	Store     *store.Store
	Chain     ChainStatus
	Feed      *feed.Hub
	Webhooks  Waker
	Payouts   PayoutRunner
	Jobs      JobTrigger
	JWTSecret string
	RateRPS   float64
	RateBurst int
	CORS      CORSConfig
	Logger    *slog.Logger
}

// Server carries the handler dependencies. Routers are built per listener by
// PublicHandler and AdminHandler.
type Server struct {
	engine    *engine.Engine
	store     *store.Store
	chain     ChainStatus
	feed      *feed.Hub
	webhooks  Waker
	payouts   PayoutRunner
	jobs      JobTrigger
	jwtSecret []byte
	limiter   *visitorLimiter
	cors      CORSConfig
	logger    *slog.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("gateway: engine required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("gateway: store required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("gateway: JWT secret required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    cfg.Engine,
		store:     cfg.Store,
		chain:     cfg.Chain,
		feed:      cfg.Feed,
		webhooks:  cfg.Webhooks,
		payouts:   cfg.Payouts,
		jobs:      cfg.Jobs,
		jwtSecret: []byte(cfg.JWTSecret),
		limiter:   newVisitorLimiter(cfg.RateRPS, cfg.RateBurst),
		cors:      cfg.CORS,
		logger:    logger,
	}, nil
}

// PublicHandler serves merchants: payment-intent CRUD behind API-key auth
// plus the unauthenticated liveness probe.
func (s *Server) PublicHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLog(s.logger))
	r.Use(recoverPanics(s.logger))
	r.Use(corsHandler(s.cors))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1/payment-intents", func(r chi.Router) {
		r.Use(s.merchantAuth)
		r.Use(s.rateLimit)
		r.Post("/", s.handleCreateIntent)
		r.Get("/", s.handleListIntents)
		r.Get("/{id}", s.handleGetIntent)
		r.Post("/{id}/confirm", s.handleConfirmIntent)
		r.Post("/{id}/cancel", s.handleCancelIntent)
		r.Post("/{id}/refund", s.handleRefundIntent)
	})

	return otelhttp.NewHandler(r, "parapay.public")
}

// AdminHandler serves operators: reconcile tooling, webhook re-arm, manual
// payout and job triggers, the live stream, plus /metrics and /healthz.
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLog(s.logger))
	r.Use(recoverPanics(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/intents/reconcile-required", s.handleReconcileRequired)
		r.Post("/intents/{id}/reconcile-ack", s.handleReconcileAck)
		r.Post("/webhooks/{id}/retry", s.handleWebhookRetry)
		r.Post("/payouts/run", s.handlePayoutRun)
		r.Post("/jobs/{name}/run", s.handleJobRun)
		r.Get("/stream", s.handleStream)
	})

	return otelhttp.NewHandler(r, "parapay.admin")
}
