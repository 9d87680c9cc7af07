package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/solenrich/service/config"
	"github.com/brojonat/solenrich/service/db"
	"github.com/brojonat/solenrich/service/enrich"
	"github.com/brojonat/solenrich/service/metrics"
	natspkg "github.com/brojonat/solenrich/service/nats"
	"github.com/brojonat/solenrich/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Store is the persistence surface the handlers need.
type Store interface {
	UpsertEnrichedTransaction(ctx context.Context, tx *enrich.EnrichedTransaction) (*db.StoredTransaction, error)
	UpsertEnrichedTransactions(ctx context.Context, txs []enrich.EnrichedTransaction) (int, error)
	GetEnrichedTransaction(ctx context.Context, signature string) (*db.StoredTransaction, error)
	ListEnrichedTransactions(ctx context.Context, params db.ListEnrichedTransactionsParams) ([]*db.StoredTransaction, error)
}

// Deduper reports whether a delivery was already seen.
type Deduper interface {
	SeenBatch(ctx context.Context, signatures []string) ([]bool, error)
	Forget(ctx context.Context, signature string) error
}

// Publisher fans enriched transactions out to subscribers.
type Publisher interface {
	PublishEnrichedBatch(ctx context.Context, events []*natspkg.EnrichedEvent) error
}

// TransactionFetcher loads a raw transaction from an RPC node.
type TransactionFetcher interface {
	FetchRawTransaction(ctx context.Context, signature string) (*enrich.RawTransaction, error)
}

// Dependencies are the collaborators of the server. Only Enricher is
// required; routes whose collaborator is nil answer 503.
type Dependencies struct {
	Enricher  *enrich.Enricher
	Store     Store
	Deduper   Deduper
	Publisher Publisher
	Solana    TransactionFetcher
	Scheduler temporal.Scheduler
	Stream    *SSEPublisher
}

// Server represents the HTTP server for the enrichment service.
type Server struct {
	addr    string
	cfg     *config.Config
	deps    Dependencies
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(cfg *config.Config, deps Dependencies, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.WebhookRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.WebhookRateLimit), cfg.WebhookRateBurst)
	}

	return &Server{
		addr:    cfg.ServerAddr,
		cfg:     cfg,
		deps:    deps,
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// Handler builds the routed handler, wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Ingest
	route("POST /api/v1/webhooks", "/api/v1/webhooks",
		rateLimitMiddleware(s.limiter, s.metrics, s.logger)(
			handleWebhook(s.deps, s.cfg.MaxBatchSize, s.metrics, s.logger)))
	route("POST /api/v1/backfill/{signature}", "/api/v1/backfill/{signature}",
		handleBackfillSignature(s.deps, s.logger))

	// Queries
	route("GET /api/v1/transactions/{signature}", "/api/v1/transactions/{signature}",
		handleGetTransaction(s.deps.Store, s.logger))
	route("GET /api/v1/transactions", "/api/v1/transactions",
		handleListTransactions(s.deps.Store, s.logger))
	route("GET /api/v1/registry", "/api/v1/registry",
		handleGetRegistry(s.deps.Enricher.Registry()))

	// Backfill schedules
	route("POST /api/v1/backfill-schedules", "/api/v1/backfill-schedules",
		handleUpsertBackfillSchedule(s.deps.Scheduler, s.logger))
	route("DELETE /api/v1/backfill-schedules/{address}", "/api/v1/backfill-schedules/{address}",
		handleDeleteBackfillSchedule(s.deps.Scheduler, s.logger))

	// SSE streaming endpoints (if SSE publisher is configured)
	if s.deps.Stream != nil {
		mux.Handle("GET /api/v1/stream/transactions/{type}", handleStreamTransactions(s.deps.Stream, s.metrics, s.logger))
		mux.Handle("GET /api/v1/stream/transactions", handleStreamTransactions(s.deps.Stream, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.deps.Stream != nil {
		s.deps.Stream.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects requests with 429 once the limiter is
// exhausted. A nil limiter disables limiting.
func rateLimitMiddleware(limiter *rate.Limiter, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				if m != nil {
					m.RecordRateLimited()
				}
				logger.Warn("webhook delivery rate limited", "remote_addr", r.RemoteAddr)
				w.Header().Set("Retry-After", "1")
				writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
