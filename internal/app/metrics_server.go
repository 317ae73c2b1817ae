package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var metricsShutdownTimeout = 5 * time.Second

// healthHandler reports liveness and logs the request.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// startMetricsServer initializes and runs the metrics HTTP server, exposing
// the Prometheus registry at /metrics and liveness at /health.
func (a *App) startMetricsServer(port int, registry *prometheus.Registry) {
	a.logger.Debug("Configuring metrics server.")
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", port)
	a.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		a.logger.Info("📈 Metrics server starting", "address", fmt.Sprintf("http://localhost%s/metrics", addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed unexpectedly", "error", err)
		}
	}()
}

func (a *App) closeMetricsServer(ctx context.Context) {
	if a.httpServer == nil {
		a.logger.Debug("Metrics server was not running.")
		return
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, metricsShutdownTimeout)
	defer cancel()

	a.logger.Info("📈 Shutting down metrics server...")
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Metrics server shutdown failed", "error", err)
		return
	}
	a.logger.Debug("Metrics server shut down gracefully.")
}
