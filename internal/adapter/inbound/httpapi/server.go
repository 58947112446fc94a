package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentguard/agentguard/internal/service"
)

// Server is the decision API listener.
type Server struct {
	addr            string
	handler         *ResponseHandler
	metricsEnabled  bool
	registry        *prometheus.Registry
	logger          *slog.Logger
	shutdownTimeout time.Duration
	server          *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics enables the /metrics endpoint on the given registry.
func WithMetrics(reg *prometheus.Registry) ServerOption {
	return func(s *Server) {
		s.metricsEnabled = true
		s.registry = reg
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.shutdownTimeout = d }
}

// NewServer builds the decision API server.
func NewServer(addr string, coordinator *service.Coordinator, logger *slog.Logger, metrics *Metrics, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:            addr,
		handler:         NewResponseHandler(coordinator, logger, metrics),
		logger:          logger,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRegistry creates a Prometheus registry with the standard process
// and Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/approvals/response", s.handler.HandleResponse)
	mux.HandleFunc("/v1/approvals/pending", s.handler.HandlePending)
	mux.HandleFunc("/v1/approvals/stats", s.handler.HandleStats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metricsEnabled && s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("decision API listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
