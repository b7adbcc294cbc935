// Command issuerd runs the reference delegation issuer behind the ledger
// HTTP transport, for local development against bridgectl.
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
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/issuer"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/ledger"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/server"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/storage"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/validator"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireIssuer()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "issuerd: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("issuerd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, opts, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	h, iss, err := newHandler(ctx, cfg, store, logger, opts...)
	if err != nil {
		return err
	}
	go iss.RunPruner(ctx, cfg.IssuerSignatureTTL)

	logger.Info("issuerd starting", "addr", cfg.Address, "canister", cfg.IssuerCanisterID)
	return server.Serve(ctx, cfg.Address, cfg.MetricsAddress, h.Router(), logger)
}

// openStore returns the Postgres registry when ISSUER_DB_DSN is set and the
// in-memory one otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.IssuerStore, []server.Option, func(), error) {
	if cfg.IssuerDBDSN == "" {
		logger.Warn("ISSUER_DB_DSN not set; user registry is in memory and lost on restart")
		return storage.NewMemory(), nil, func() {}, nil
	}
	pg, err := storage.NewPostgres(cfg.IssuerDBDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := storage.MigratePostgres(ctx, pg.DB()); err != nil {
		_ = pg.Close()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}
	closeStore := func() {
		if err := pg.Close(); err != nil {
			logger.Warn("close registry failed", "error", err)
		}
	}
	return pg, []server.Option{server.WithReadyCheck("registry", pg.Ping)}, closeStore, nil
}

func newHandler(ctx context.Context, cfg config.Config, store storage.IssuerStore, logger *slog.Logger, opts ...server.Option) (*server.Handler, *issuer.Issuer, error) {
	canister, err := principal.FromText(cfg.IssuerCanisterID)
	if err != nil {
		return nil, nil, fmt.Errorf("BRIDGE_ISSUER_CANISTER_ID: %w", err)
	}

	keys := validator.NewJWKSCache(cfg.IssuerBaseURL, cfg.JWKSURL, &http.Client{Timeout: 10 * time.Second}, 10*time.Second, logger)
	v := validator.New(validator.Config{
		Issuer:   cfg.IssuerBaseURL,
		Audience: cfg.Audience,
		Leeway:   cfg.TokenLeeway,
		MaxAge:   cfg.IssuerMaxTokenAge,
	}, keys, logger)

	iss, err := issuer.New(ctx, issuer.Config{
		CanisterID:   canister,
		Salt:         cfg.IssuerSalt,
		SignatureTTL: cfg.IssuerSignatureTTL,
	}, v, store, logger)
	if err != nil {
		return nil, nil, err
	}

	opts = append(opts, server.WithRoute("/api/v2/", ledger.NewHandler(iss.Canister(), logger)))
	h, err := server.New(cfg, v, logger, opts...)
	if err != nil {
		return nil, nil, err
	}
	return h, iss, nil
}
