// Package authorize drives the OIDC authorize step that binds a session key
// to an ID token through the nonce parameter.
package authorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrAuthorizationDenied means the user cancelled or the provider refused.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrAuthorizationFailed means a network or protocol failure.
	ErrAuthorizationFailed = errors.New("authorization failed")
)

// Request carries the authorization parameters the client controls.
type Request struct {
	Nonce string
}

// Credentials is the provider's answer to a successful authorization.
type Credentials struct {
	IDToken     string
	AccessToken string
	ExpiresIn   int
}

// Provider is the external OIDC collaborator. Authorize runs the interactive
// flow and blocks until it completes or ctx ends.
type Provider interface {
	Authorize(ctx context.Context, req Request) (Credentials, error)
	ClearSession(ctx context.Context) error
}

// ProviderFunc adapts a function to Provider with a no-op ClearSession.
type ProviderFunc func(ctx context.Context, req Request) (Credentials, error)

func (f ProviderFunc) Authorize(ctx context.Context, req Request) (Credentials, error) {
	return f(ctx, req)
}

func (f ProviderFunc) ClearSession(context.Context) error { return nil }

// StaticToken is a Provider that always returns the same ID token, for
// environments where the token is obtained out of band.
func StaticToken(idToken string) Provider {
	return ProviderFunc(func(ctx context.Context, _ Request) (Credentials, error) {
		return Credentials{IDToken: idToken}, nil
	})
}

// Client wraps a Provider and normalises its failures into the two
// authorization error classes. It never retries.
type Client struct {
	provider Provider
	logger   *slog.Logger
}

// NewClient returns a Client. A nil logger uses slog.Default().
func NewClient(p Provider, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{provider: p, logger: logger}
}

// Authorize requests an ID token bound to nonce. Errors wrap
// ErrAuthorizationDenied or ErrAuthorizationFailed.
func (c *Client) Authorize(ctx context.Context, nonce string) (string, error) {
	if nonce == "" {
		return "", fmt.Errorf("%w: empty nonce", ErrAuthorizationFailed)
	}
	creds, err := c.provider.Authorize(ctx, Request{Nonce: nonce})
	if err != nil {
		err = classify(err)
		c.logger.Info("authorization ended without token", "error", err)
		return "", err
	}
	if creds.IDToken == "" {
		return "", fmt.Errorf("%w: provider returned no id token", ErrAuthorizationFailed)
	}
	return creds.IDToken, nil
}

// ClearSession ends the provider-side session.
func (c *Client) ClearSession(ctx context.Context) error {
	if err := c.provider.ClearSession(ctx); err != nil {
		return fmt.Errorf("%w: clear session: %v", ErrAuthorizationFailed, err)
	}
	return nil
}

// classify maps provider errors onto the taxonomy. Caller cancellation is a
// denial; a deadline is a failure.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrAuthorizationDenied), errors.Is(err, ErrAuthorizationFailed):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrAuthorizationDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}
}
