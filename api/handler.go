package api

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/raid-guild/split-facilitator-go/auth"
	"github.com/raid-guild/split-facilitator-go/metrics"
	"github.com/raid-guild/split-facilitator-go/storage"
	"github.com/raid-guild/split-facilitator-go/types"
)

// Verifier verifies payment requests and reserves their nonces.
type Verifier interface {
	Verify(ctx context.Context, req types.PaymentRequest) (common.Address, error)
}

// Settler executes payments on the ledger.
type Settler interface {
	Settle(ctx context.Context, req types.PaymentRequest) (string, error)
	SettleSponsored(ctx context.Context, facilitatorKey *ecdsa.PrivateKey, serialized string) (string, error)
	SettleSplit(ctx context.Context, sourceKey *ecdsa.PrivateKey, assetID string, recipients []types.SplitRecipient) (types.SplitResult, error)
}

// SplitLookup reads split records written by the watchers.
type SplitLookup interface {
	GetSplitBySource(ctx context.Context, sourceSignature string) (*storage.SplitRecord, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the facilitator HTTP API.
type Handler struct {
	verifier Verifier
	settler  Settler
	splits   SplitLookup
	health   Pinger
	auth     *auth.Authenticator
	limiter  *RateLimiter
	kinds    []types.SupportedKind
	logger   *slog.Logger
	metrics  *metrics.FacilitatorMetrics
}

// Option customises the handler.
type Option func(*Handler)

// WithAuthenticator guards the payment endpoints with API key authentication.
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithRateLimiter applies a per-client rate limit to the payment endpoints.
func WithRateLimiter(l *RateLimiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithSplitLookup enables GET /splits/{sourceSignature}.
func WithSplitLookup(s SplitLookup) Option {
	return func(h *Handler) { h.splits = s }
}

// WithHealthCheck adds a dependency checked by GET /healthz.
func WithHealthCheck(p Pinger) Option {
	return func(h *Handler) { h.health = p }
}

// WithSupported sets the kinds reported by GET /supported.
func WithSupported(kinds ...types.SupportedKind) Option {
	return func(h *Handler) { h.kinds = append([]types.SupportedKind(nil), kinds...) }
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.FacilitatorMetrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New creates the HTTP handler.
func New(verifier Verifier, settler Settler, opts ...Option) *Handler {
	h := &Handler{
		verifier: verifier,
		settler:  settler,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/supported", h.Supported)
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		if h.limiter != nil {
			protected.Use(h.limiter.Middleware)
		}
		protected.Use(h.authenticate)

		protected.Post("/verify", h.Verify)
		protected.Post("/settle", h.Settle)
		protected.Post("/settle/sponsored", h.SettleSponsored)
		protected.Post("/settle/split", h.SettleSplit)
		protected.Get("/splits/{sourceSignature}", h.GetSplit)
	})

	return otelhttp.NewHandler(r, "split-facilitator")
}

// Server wraps the router in an http.Server with the usual timeouts.
func (h *Handler) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		// Authenticate request
		if err := h.auth.Authenticate(r); err != nil {
			h.writeError(w, err, 0)
			return
		}

		next.ServeHTTP(w, r)
	})
}
