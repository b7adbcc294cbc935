// Package login acquires and restores delegation identities: it binds the
// session key to an ID token, has the issuer sign a delegation to that key
// and verifies the result before handing it out.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/authorize"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/delegation"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/ledger"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/nonce"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/session"
)

var (
	// ErrNoSessionIdentity means login was attempted without an open session.
	ErrNoSessionIdentity = errors.New("no session identity")
	// ErrDelegationNotFound means the issuer had no delegation to hand out.
	ErrDelegationNotFound = errors.New("delegation not found")
	// ErrNotLoggedIn is returned by calls that need a Ready identity.
	ErrNotLoggedIn = errors.New("not logged in")

	ErrInvalidDelegation   = delegation.ErrInvalidDelegation
	ErrAuthorizationDenied = authorize.ErrAuthorizationDenied
	ErrAuthorizationFailed = authorize.ErrAuthorizationFailed
)

// Authorizer obtains an ID token bound to a nonce; *authorize.Client
// satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, nonce string) (string, error)
	ClearSession(ctx context.Context) error
}

// Client runs login attempts for one session. Attempts are serialized:
// a second Login waits for the first to finish.
type Client struct {
	session *session.Session
	auth    Authorizer
	issuer  ledger.DelegationIssuer
	now     func() time.Time
	logger  *slog.Logger

	// sem admits one attempt at a time; waiters honour their context.
	sem chan struct{}

	mu       sync.Mutex
	state    State
	identity *delegation.Identity
	lastErr  error
}

// New returns a Client. A nil logger uses slog.Default().
func New(sess *session.Session, auth Authorizer, issuer ledger.DelegationIssuer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		session: sess,
		auth:    auth,
		issuer:  issuer,
		now:     time.Now,
		logger:  logger,
		sem:     make(chan struct{}, 1),
	}
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the client to Failed, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Identity returns the Ready identity, or nil when there is none or it has
// expired.
func (c *Client) Identity() *delegation.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil || !c.identity.Valid(c.now()) {
		return nil
	}
	return c.identity
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("login state", "state", s.String())
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.sem }

// Restore moves straight to Ready when the session holds a persisted chain
// that still verifies for the current session key. A stale chain is
// discarded and ok is false.
func (c *Client) Restore(ctx context.Context) (id *delegation.Identity, ok bool, err error) {
	if err := c.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer c.release()

	if c.session == nil || c.session.Key() == nil {
		return nil, false, ErrNoSessionIdentity
	}
	chain := c.session.StoredChain()
	if chain == nil {
		return nil, false, nil
	}
	id, err = delegation.NewIdentity(c.session.Key(), chain, c.now())
	if err != nil {
		c.logger.Info("discarding stored delegation", "reason", err)
		if derr := c.session.DiscardChain(ctx); derr != nil {
			c.logger.Warn("could not discard stored delegation", "error", derr)
		}
		return nil, false, nil
	}

	c.mu.Lock()
	c.identity, c.state, c.lastErr = id, Ready, nil
	c.mu.Unlock()
	c.logger.Info("restored delegation", "principal", id.Principal().String(), "expires_at", id.ExpiresAt().Format(time.RFC3339))
	return id, true, nil
}

// Login runs one attempt to completion. A cancelled authorization returns
// an error wrapping ErrAuthorizationDenied and leaves the client Idle; every
// other failure leaves it Failed. A failed attempt drops any previous
// identity from the client; a persisted chain is left in place for Restore.
func (c *Client) Login(ctx context.Context) (*delegation.Identity, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	start := c.now()
	id, err := c.login(ctx)
	loginDuration.Observe(time.Since(start).Seconds())
	loginOutcomes.WithLabelValues(outcome(err)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.identity, c.state, c.lastErr = id, Ready, nil
	case errors.Is(err, ErrAuthorizationDenied):
		c.identity, c.state, c.lastErr = nil, Idle, nil
	default:
		c.identity, c.state, c.lastErr = nil, Failed, err
	}
	return id, err
}

func (c *Client) login(ctx context.Context) (*delegation.Identity, error) {
	if c.session == nil {
		return nil, ErrNoSessionIdentity
	}
	key, err := c.session.BeginLogin(ctx)
	if errors.Is(err, session.ErrClosed) {
		return nil, ErrNoSessionIdentity
	}
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}

	c.setState(AwaitingAuthorization)
	jwt, err := c.auth.Authorize(ctx, nonce.Encode(key.PublicKeyDER()))
	if err != nil {
		return nil, err
	}

	c.setState(AwaitingDelegationPrep)
	prep, err := c.issuer.PrepareDelegation(ctx, key, jwt)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare_delegation: %w", ErrAuthorizationFailed, err)
	}

	c.setState(AwaitingDelegationFetch)
	res, err := c.issuer.GetDelegation(ctx, key, jwt, prep.Expiration)
	if err != nil {
		return nil, fmt.Errorf("%w: get_delegation: %w", ErrDelegationNotFound, err)
	}
	var signed delegation.SignedDelegation
	switch r := res.(type) {
	case ledger.SignedDelegationResult:
		signed = r.SignedDelegation
	case ledger.NoSuchDelegation:
		return nil, fmt.Errorf("%w: issuer has no delegation for expiration %d", ErrDelegationNotFound, prep.Expiration)
	default:
		return nil, fmt.Errorf("%w: unexpected get_delegation result %T", ErrDelegationNotFound, res)
	}

	c.setState(Validating)
	if signed.Delegation.Expiration != prep.Expiration {
		return nil, fmt.Errorf("%w: expiration %d differs from prepared %d", ErrInvalidDelegation, signed.Delegation.Expiration, prep.Expiration)
	}
	chain := delegation.NewChain(prep.UserKey, signed)
	id, err := delegation.NewIdentity(key, chain, c.now())
	if err != nil {
		return nil, err
	}
	if err := c.session.Commit(ctx, key, chain, jwt); err != nil {
		return nil, fmt.Errorf("persist delegation: %w", err)
	}

	c.logger.Info("login complete",
		"principal", id.Principal().String(),
		"session_principal", key.Principal().String(),
		"expires_at", id.ExpiresAt().Format(time.RFC3339),
	)
	return id, nil
}

// Logout drops the identity, tears down the session and ends the provider
// session. A provider failure is logged, not returned.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	c.identity, c.state, c.lastErr = nil, Idle, nil
	c.mu.Unlock()

	if c.session == nil {
		return ErrNoSessionIdentity
	}
	if err := c.session.Teardown(ctx); err != nil {
		return fmt.Errorf("teardown session: %w", err)
	}
	if err := c.auth.ClearSession(ctx); err != nil {
		c.logger.Warn("could not clear provider session", "error", err)
	}
	return nil
}

// Authenticated probes the issuer with the Ready identity and returns the
// subject it attributes the call to.
func (c *Client) Authenticated(ctx context.Context) (model.AuthenticatedReply, error) {
	id := c.Identity()
	if id == nil {
		return model.AuthenticatedReply{}, ErrNotLoggedIn
	}
	return c.issuer.Authenticated(ctx, id)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAuthorizationDenied):
		return "denied"
	case errors.Is(err, ErrDelegationNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidDelegation):
		return "invalid"
	case errors.Is(err, ErrAuthorizationFailed):
		return "authorization_failed"
	default:
		return "error"
	}
}
