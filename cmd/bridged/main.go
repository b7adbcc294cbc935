// Command bridged serves the authenticated-check API: requests carrying an
// ID token whose nonce names a session key are answered with that key's
// principal and the token subject.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/config"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/server"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/validator"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireServer()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	h, err := newHandler(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("bridged starting", "addr", cfg.Address, "issuer", cfg.IssuerBaseURL, "audience", cfg.Audience)
	if err := server.Serve(ctx, cfg.Address, cfg.MetricsAddress, h.Router(), logger); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// newHandler wires the validator and API server the same way for main and
// its tests.
func newHandler(cfg config.Config, logger *slog.Logger) (*server.Handler, error) {
	keys := validator.NewJWKSCache(cfg.IssuerBaseURL, cfg.JWKSURL, &http.Client{Timeout: 10 * time.Second}, 10*time.Second, logger)
	v := validator.New(validator.Config{
		Issuer:   cfg.IssuerBaseURL,
		Audience: cfg.Audience,
		Leeway:   cfg.TokenLeeway,
	}, keys, logger)
	return server.New(cfg, v, logger)
}
