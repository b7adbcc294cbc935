package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/authorize"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/ledger"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/login"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/session"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/storage"
)

// openSession opens the configured slot backend and the session over it.
// The caller closes the returned session.
func openSession(ctx context.Context) (*session.Session, error) {
	mode, err := session.ParseKeyMode(cfg.KeyMode)
	if err != nil {
		return nil, err
	}

	var slots storage.SlotStore
	switch cfg.SessionBackend {
	case "memory":
		slots = storage.NewMemorySlots()
	case "sqlite":
		if err := os.MkdirAll(cfg.SessionPath, 0o700); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
		slots, err = storage.NewSQLiteSlots(filepath.Join(cfg.SessionPath, "session.db"))
	default:
		slots, err = storage.NewFileSlots(cfg.SessionPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open session storage: %w", err)
	}

	sess, err := session.Open(ctx, session.NewStore(slots, logger), mode, logger)
	if err != nil {
		_ = slots.Close()
		return nil, err
	}
	if sess.Degraded() {
		fmt.Fprintln(os.Stderr, "warning: session storage unavailable; state will not survive this command")
	}
	return sess, nil
}

// newLoginClient wires the loopback OIDC flow and the remote issuer.
func newLoginClient(sess *session.Session) (*login.Client, error) {
	canister, err := principal.FromText(cfg.IssuerCanisterID)
	if err != nil {
		return nil, fmt.Errorf("BRIDGE_ISSUER_CANISTER_ID: %w", err)
	}
	provider := authorize.NewLoopbackProvider(authorize.LoopbackConfig{
		Issuer:     cfg.IssuerBaseURL,
		ClientID:   cfg.OIDCClientID,
		Scopes:     cfg.OIDCScopes,
		Audience:   cfg.Audience,
		OpenURL:    openBrowser,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
	}, logger)
	agent := ledger.NewAgent(ledger.AgentConfig{Host: cfg.LedgerHost, Timeout: cfg.RequestTimeout}, logger)
	return login.New(sess, authorize.NewClient(provider, logger), ledger.NewIssuerClient(agent, canister), logger), nil
}

// openBrowser prints the authorization URL and tries to open it.
func openBrowser(u string) error {
	fmt.Fprintf(os.Stderr, "%s %s\n", label("Open to log in:"), u)
	var c *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		c = exec.Command("open", u)
	case "windows":
		c = exec.Command("rundll32", "url.dll,FileProtocolHandler", u)
	default:
		c = exec.Command("xdg-open", u)
	}
	if err := c.Start(); err != nil {
		logger.Debug("could not launch browser", "error", err)
		return nil
	}
	go func() { _ = c.Wait() }()
	return nil
}

// commandContext bounds a non-interactive command.
func commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 2*cfg.RequestTimeout+5*time.Second)
}
