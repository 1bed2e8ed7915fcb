package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry with the Go runtime and process collectors
// already registered.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// MetricsServer exposes /metrics over plain HTTP on a separate listener from
// the mTLS endpoint.
type MetricsServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewMetricsServer builds the metrics endpoint. It does not listen.
func NewMetricsServer(addr string, registry *prometheus.Registry, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", MetricsHandler(registry))
	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "metrics"),
	}
}

// Serve accepts scrapes on listener until ctx is cancelled.
func (m *MetricsServer) Serve(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.server.Serve(listener)
	}()
	m.logger.Info("Metrics endpoint listening", "address", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := m.server.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

// ListenAndServe listens on the configured address and calls Serve.
func (m *MetricsServer) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return err
	}
	return m.Serve(ctx, listener)
}
