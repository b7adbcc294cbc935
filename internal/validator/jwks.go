package validator

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// KeySource resolves a JWT key id to a verification key.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// JWKSCache is a read-through cache of an issuer's published signing keys.
// Lookups of known key ids only take a read lock. An unknown key id triggers
// a refresh; concurrent refreshes are collapsed and lookups of other key ids
// keep reading the current set while the fetch is in flight.
type JWKSCache struct {
	issuer      string
	jwksURL     string
	client      *http.Client
	minInterval time.Duration
	logger      *slog.Logger

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey

	refreshMu   sync.Mutex
	lastRefresh time.Time
}

// NewJWKSCache returns a cache for the given issuer. When jwksURL is empty it
// is discovered from the issuer's openid-configuration on first refresh.
// minInterval limits refreshes caused by unknown key ids; zero disables the
// limit.
func NewJWKSCache(issuer, jwksURL string, client *http.Client, minInterval time.Duration, logger *slog.Logger) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JWKSCache{
		issuer:      issuer,
		jwksURL:     jwksURL,
		client:      client,
		minInterval: minInterval,
		logger:      logger,
		keys:        make(map[string]*rsa.PublicKey),
	}
}

// Key returns the RSA public key for kid, refreshing the set once on a miss.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	if err := c.refresh(ctx, kid); err != nil {
		return nil, err
	}
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("key id %q not found in JWKS", kid)
}

func (c *JWKSCache) lookup(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok
}

func (c *JWKSCache) refresh(ctx context.Context, kid string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// another caller may have fetched the key while we waited
	if _, ok := c.lookup(kid); ok {
		return nil
	}
	if c.minInterval > 0 && !c.lastRefresh.IsZero() && time.Since(c.lastRefresh) < c.minInterval {
		return fmt.Errorf("key id %q unknown and JWKS refreshed %s ago", kid, time.Since(c.lastRefresh).Round(time.Millisecond))
	}

	fetched, err := c.fetch(ctx)
	c.lastRefresh = time.Now()
	if err != nil {
		jwksRefreshes.WithLabelValues("failure").Inc()
		c.logger.Warn("jwks refresh failed", "issuer", c.issuer, "error", err)
		return err
	}
	jwksRefreshes.WithLabelValues("success").Inc()

	// keys are only ever added by the issuer; keep what we already had
	c.mu.Lock()
	for id, k := range fetched {
		c.keys[id] = k
	}
	n := len(c.keys)
	c.mu.Unlock()

	c.logger.Debug("jwks refreshed", "issuer", c.issuer, "keys", n)
	return nil
}

func (c *JWKSCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	if c.jwksURL == "" {
		u, err := c.discover(ctx)
		if err != nil {
			return nil, err
		}
		c.jwksURL = u
	}

	body, err := c.get(ctx, c.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use == "enc" || k.KeyID == "" {
			continue
		}
		if pub, ok := k.Key.(*rsa.PublicKey); ok {
			keys[k.KeyID] = pub
		}
	}
	return keys, nil
}

func (c *JWKSCache) discover(ctx context.Context) (string, error) {
	if c.issuer == "" {
		return "", fmt.Errorf("no JWKS URL and no issuer to discover it from")
	}
	body, err := c.get(ctx, strings.TrimSuffix(c.issuer, "/")+"/.well-known/openid-configuration")
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.JWKSURI == "" {
		return "", fmt.Errorf("oidc discovery: missing jwks_uri")
	}
	return doc.JWKSURI, nil
}

func (c *JWKSCache) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
