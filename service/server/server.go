package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/splitledger/service/config"
	"github.com/brojonat/splitledger/service/metrics"
	"github.com/brojonat/splitledger/service/split"
	"github.com/brojonat/splitledger/service/temporal"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	correlationHeader      = "X-Correlation-Id"
	maxCorrelationIDLength = 128
)

// Indexer indexes the events of one split contract.
type Indexer interface {
	IndexSplitTransactions(ctx context.Context, req split.IndexRequest) (*split.IndexResult, error)
}

// Reconciler links indexed payments to receipts.
type Reconciler interface {
	Reconcile(ctx context.Context, req split.ReconcileRequest) (*split.ReconciliationResult, error)
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Config     *config.Config
	Store      split.Store
	Indexer    Indexer
	Reconciler Reconciler
	Scheduler  temporal.Scheduler       // optional: schedule routes are disabled when nil
	Starter    temporal.WorkflowStarter // optional: async webhooks run inline when nil
	Stream     *LedgerStream            // optional: SSE routes are disabled when nil
	Metrics    *metrics.Metrics         // optional
	Logger     *slog.Logger
}

// Server represents the HTTP server for the split ledger.
type Server struct {
	addr     string
	deps     Deps
	resolver *split.Resolver
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config == nil {
		deps.Config = &config.Config{}
	}
	return &Server{
		addr:     addr,
		deps:     deps,
		resolver: split.NewResolver(deps.Store, deps.Logger),
		logger:   deps.Logger,
	}
}

// Handler builds the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	d := s.deps
	mux := http.NewServeMux()

	observer := metrics.NewRouteObserver(d.Metrics, s.logger, correlationID)
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, observer.Wrap(name, h))
	}

	route("POST /api/split/webhook", "split_webhook", handleSplitWebhook(d.Indexer, d.Reconciler, d.Starter, d.Metrics, s.logger))
	route("GET /api/split/webhook", "split_webhook_health", handleServiceHealth("split-indexer-webhook"))
	route("POST /api/split/index", "split_index", handleIndexSplit(d.Indexer, s.logger))
	route("POST /api/split/reconcile", "split_reconcile", handleReconcile(d.Reconciler, s.logger))
	route("GET /api/split/reconcile", "split_reconcile_health", handleServiceHealth("split-reconcile"))
	route("GET /api/split/find-by-address", "split_find_by_address", handleFindByAddress(s.resolver, s.logger))
	route("GET /api/split/transactions", "split_transactions", handleListTransactions(d.Store, s.logger))
	route("POST /api/split/bindings", "split_bindings", handleUpsertBinding(s.resolver, s.logger))
	route("POST /api/split/dedupe", "split_dedupe", handleDedupe(s.resolver, s.logger))

	if d.Scheduler != nil {
		route("POST /api/split/schedules", "split_schedule_upsert", handleUpsertSchedule(d.Store, d.Scheduler, d.Config, s.logger))
		route("DELETE /api/split/schedules/{splitAddress}", "split_schedule_delete", handleDeleteSchedule(d.Scheduler, s.logger))
	} else {
		s.logger.Warn("scheduler not configured, schedule endpoints disabled")
	}

	if d.Stream != nil {
		route("GET /api/split/stream/{splitAddress}", "split_stream", handleStreamTransactions(d.Stream, s.logger))
		route("GET /api/split/stream", "split_stream_all", handleStreamTransactions(d.Stream, s.logger))
	} else {
		s.logger.Warn("ledger stream not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(correlationMiddleware(mux))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // indexing a cold split can take a while
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

	// Close the stream first so SSE clients disconnect
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
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+correlationHeader)
		w.Header().Set("Access-Control-Expose-Headers", correlationHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type contextKey int

const correlationKey contextKey = iota

// correlationMiddleware tags every request and response with a correlation id,
// reusing the caller's id when it sends a usable one.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" || len(id) > maxCorrelationIDLength {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

// correlationID returns the request's correlation id.
func correlationID(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey).(string); ok {
		return id
	}
	return ""
}
