// Package validator authenticates API requests that carry an OIDC ID token
// whose nonce claim binds the token to a session public key.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/nonce"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
)

var (
	// ErrInvalidToken covers signature, algorithm, issuer, audience and expiry failures.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingNonce is returned when the token carries no nonce claim.
	ErrMissingNonce = errors.New("missing nonce")
	// ErrInvalidNonce is returned when the nonce does not decode to a principal.
	ErrInvalidNonce = nonce.ErrInvalidNonce
)

// Config selects which tokens are accepted.
type Config struct {
	// Issuer is compared against the iss claim when non-empty.
	Issuer string
	// Audience must appear in the aud claim.
	Audience string
	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration
	// MaxAge rejects tokens whose iat is older than this when non-zero.
	MaxAge time.Duration
}

// Identity is the authenticated caller derived from a validated token.
type Identity struct {
	// Principal is derived from the nonce claim.
	Principal principal.Principal
	// Subject is the token's sub claim.
	Subject string
	// Nonce is the raw nonce claim.
	Nonce     string
	Issuer    string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Validator verifies RS256 ID tokens against a KeySource.
type Validator struct {
	cfg    Config
	keys   KeySource
	now    func() time.Time
	logger *slog.Logger
}

// New returns a Validator. A nil logger uses slog.Default().
func New(cfg Config, keys KeySource, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cfg: cfg, keys: keys, now: time.Now, logger: logger}
}

// Validate verifies raw and returns the identity it authenticates. Errors
// wrap ErrInvalidToken, ErrMissingNonce or ErrInvalidNonce.
func (v *Validator) Validate(ctx context.Context, raw string) (Identity, error) {
	id, err := v.validate(ctx, raw)
	nonceValidationCount.WithLabelValues(resultLabel(err)).Inc()
	return id, err
}

func (v *Validator) validate(ctx context.Context, raw string) (Identity, error) {
	// A token without a nonce can never authenticate a session, so it is
	// rejected before any key lookup.
	unverified := jwtlib.MapClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(raw, unverified); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if n, _ := unverified["nonce"].(string); n == "" {
		return Identity{}, ErrMissingNonce
	}

	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodRS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithLeeway(v.cfg.Leeway),
		jwtlib.WithTimeFunc(v.now),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(v.cfg.Audience))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(v.cfg.Issuer))
	}

	claims := jwtlib.MapClaims{}
	_, err := jwtlib.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		return v.keys.Key(ctx, kid)
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	iss, _ := claims.GetIssuer()
	id := Identity{Subject: sub, Issuer: iss}
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		id.ExpiresAt = exp.Time
	}
	if iat, _ := claims.GetIssuedAt(); iat != nil {
		id.IssuedAt = iat.Time
	}
	if v.cfg.MaxAge > 0 {
		if id.IssuedAt.IsZero() || v.now().Sub(id.IssuedAt) > v.cfg.MaxAge+v.cfg.Leeway {
			return Identity{}, fmt.Errorf("%w: token older than %s", ErrInvalidToken, v.cfg.MaxAge)
		}
	}

	id.Nonce, _ = claims["nonce"].(string)
	p, err := nonce.DecodeToPrincipal(id.Nonce)
	if err != nil {
		return Identity{}, err
	}
	id.Principal = p
	return id, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrMissingNonce):
		return "missing_nonce"
	case errors.Is(err, ErrInvalidNonce):
		return "invalid_nonce"
	default:
		return "invalid_token"
	}
}

type ctxKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity attached by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
