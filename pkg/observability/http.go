package observability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics, health probes and any extra
// routes mounted by the agent over HTTP
type MetricsServer struct {
	addr   string
	logger *zap.Logger
	mux    *http.ServeMux
	server *http.Server

	mu    sync.RWMutex
	ready func() error
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(addr string, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{
		addr:   addr,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	ms.mux.Handle("/metrics", promhttp.Handler())
	ms.mux.HandleFunc("/health", healthHandler)
	ms.mux.HandleFunc("/ready", ms.readyHandler)

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ms
}

// Handle mounts an additional route. It must be called before Start.
func (ms *MetricsServer) Handle(pattern string, handler http.Handler) {
	ms.mux.Handle(pattern, handler)
}

// SetReadyCheck installs the function consulted by /ready
func (ms *MetricsServer) SetReadyCheck(check func() error) {
	ms.mu.Lock()
	ms.ready = check
	ms.mu.Unlock()
}

// Handler returns the server's root handler
func (ms *MetricsServer) Handler() http.Handler {
	return ms.mux
}

// Start binds the listen address and serves in the background
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server",
		zap.String("address", ms.addr),
	)

	ln, err := net.Listen("tcp", ms.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ms.addr, err)
	}

	go func() {
		if err := ms.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			ms.logger.Error("Metrics server error",
				zap.Error(err),
			)
		}
	}()

	return nil
}

// Stop stops the metrics server gracefully
func (ms *MetricsServer) Stop(ctx context.Context) error {
	ms.logger.Info("Stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ms.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	return nil
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler reports 503 until the ready check passes
func (ms *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	check := ms.ready
	ms.mu.RUnlock()

	if check != nil {
		if err := check(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}
