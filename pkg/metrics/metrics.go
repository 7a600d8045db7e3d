// Package metrics exposes the Prometheus metrics of the repo analyzer.
// All metrics are defined in their respective packages (pipeline, client,
// cache, ratelimit) to maintain modularity and avoid circular dependencies.
//
// This package documents them and serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the analyzer.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the registry read by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// NewMux returns a mux serving /metrics and /health.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Server serves NewMux on an address for the lifetime of a run.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
	done   chan error
}

// NewServer creates a metrics server listening on addr (e.g. ":9090").
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewMux(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
		done:   make(chan error, 1),
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("Serving metrics")
	go func() {
		err := s.srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
		s.done <- err
	}()
}

// Shutdown stops the server and waits for it to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics Documentation
//
// Pipeline Metrics (pkg/pipeline):
//   - pipeline_fetches_total{outcome} (Counter): Fetches by outcome (ok, failed, cancelled)
//   - pipeline_fetches_in_flight (Gauge): Fetches currently holding a semaphore permit
//   - pipeline_queue_depth (Gauge): Entries waiting in the queue
//   - pipeline_items_processed_total (Counter): Records acknowledged by the consumer
//   - pipeline_processor_failures_total{processor} (Counter): Processor errors and panics
//   - pipeline_fanout_duration_seconds (Histogram): Time to run all processors for one record
//   - pipeline_runs_total{result} (Counter): Runs by result (completed, interrupted, failed)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - github_rate_limit_remaining (Gauge): Requests remaining in the current window
//   - github_rate_limit_blocks_total (Counter): Requests blocked on an exhausted window
//   - github_rate_limit_throttles_total (Counter): Requests delayed on a low window
//
// Cache Metrics (pkg/cache):
//   - github_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - github_cache_misses_total (Counter): Cache misses
//   - github_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - github_304_responses_total (Counter): 304 Not Modified responses
//   - github_conditional_requests_total (Counter): Conditional requests sent
//   - github_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - github_requests_total{status} (Counter): Requests by HTTP status, cache_hit, rate_limited or network_error
//   - github_request_duration_seconds (Histogram): Request duration including cache lookups
//   - github_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Example Prometheus Queries:
//
//   # Fetch failure ratio
//   sum(rate(pipeline_fetches_total{outcome="failed"}[5m])) / sum(rate(pipeline_fetches_total[5m]))
//
//   # Rate limit status
//   github_rate_limit_remaining < 10
//
//   # P95 fan-out latency
//   histogram_quantile(0.95, rate(pipeline_fanout_duration_seconds_bucket[5m]))
//
//   # Cache Hit Rate
//   sum(rate(github_cache_hits_total[5m])) /
//   (sum(rate(github_cache_hits_total[5m])) + sum(rate(github_cache_misses_total[5m])))
