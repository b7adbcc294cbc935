package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Serve runs handler on addr, and the Prometheus handler on metricsAddr when
// set, until ctx is cancelled. Shutdown waits up to 10 seconds for
// in-flight requests.
func Serve(ctx context.Context, addr, metricsAddr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              metricsAddr,
			Handler:           NewMetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	if serveErr == nil {
		logger.Info("shutdown complete")
	}
	return serveErr
}
