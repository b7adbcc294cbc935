// Package oidctest runs an in-process OIDC provider for tests: RS256 signing
// keys published through a JWKS endpoint, discovery, and an auto-approving
// authorization-code + PKCE flow that echoes the requested nonce.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultSubject is the sub claim issued by the authorize flow unless changed.
const DefaultSubject = "user-42"

type signingKey struct {
	id   string
	priv *rsa.PrivateKey
}

type pendingCode struct {
	nonce       string
	challenge   string
	redirectURI string
	clientID    string
	subject     string
}

// Provider is a test OIDC provider served by an httptest.Server.
type Provider struct {
	Server   *httptest.Server
	Audience string

	mu      sync.Mutex
	keys    []signingKey
	codes   map[string]pendingCode
	subject string
	deny    bool

	jwksFetches atomic.Int64
}

// New starts a provider whose tokens carry aud=audience. The server is
// closed when the test ends.
func New(t testing.TB, audience string) *Provider {
	t.Helper()
	p := &Provider{Audience: audience, codes: make(map[string]pendingCode), subject: DefaultSubject}
	p.RotateKey(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /.well-known/jwks.json", p.handleJWKS)
	mux.HandleFunc("GET /authorize", p.handleAuthorize)
	mux.HandleFunc("POST /oauth/token", p.handleToken)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer is the iss claim value, with trailing slash.
func (p *Provider) Issuer() string { return p.Server.URL + "/" }

// JWKSURL is the provider's key set endpoint.
func (p *Provider) JWKSURL() string { return p.Server.URL + "/.well-known/jwks.json" }

// JWKSFetches counts JWKS requests served so far.
func (p *Provider) JWKSFetches() int { return int(p.jwksFetches.Load()) }

// SetSubject changes the sub claim issued by the authorize flow.
func (p *Provider) SetSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subject = sub
}

// SetDeny makes the authorize endpoint answer with error=access_denied.
func (p *Provider) SetDeny(deny bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deny = deny
}

// RotateKey appends a new signing key; later tokens are signed with it and
// earlier keys stay published.
func (p *Provider) RotateKey(t testing.TB) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	id := uuid.NewString()
	p.mu.Lock()
	p.keys = append(p.keys, signingKey{id: id, priv: priv})
	p.mu.Unlock()
	return id
}

// Mint signs claims with the current key. iss, aud, iat and exp are filled
// in when absent.
func (p *Provider) Mint(t testing.TB, claims jwtlib.MapClaims) string {
	t.Helper()
	signed, err := p.sign(claims)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return signed
}

// Token mints an ID token for sub carrying nonce, valid for ttl.
func (p *Provider) Token(t testing.TB, sub, nonce string, ttl time.Duration) string {
	t.Helper()
	return p.Mint(t, p.claims(sub, nonce, ttl))
}

// IssueToken is Token for callers off the test goroutine: it returns the
// signing error instead of failing the test.
func (p *Provider) IssueToken(sub, nonce string, ttl time.Duration) (string, error) {
	return p.sign(p.claims(sub, nonce, ttl))
}

func (p *Provider) claims(sub, nonce string, ttl time.Duration) jwtlib.MapClaims {
	c := jwtlib.MapClaims{"sub": sub, "exp": time.Now().Add(ttl).Unix()}
	if nonce != "" {
		c["nonce"] = nonce
	}
	return c
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"jwks_uri":                              p.JWKSURL(),
		"authorization_endpoint":                p.Server.URL + "/authorize",
		"token_endpoint":                        p.Server.URL + "/oauth/token",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksFetches.Add(1)
	p.mu.Lock()
	set := jose.JSONWebKeySet{}
	for _, k := range p.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.priv.PublicKey,
			KeyID:     k.id,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, set)
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" || q.Get("response_type") != "code" {
		http.Error(w, "invalid authorization request", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "pkce required", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	deny, sub := p.deny, p.subject
	code := uuid.NewString()
	if !deny {
		p.codes[code] = pendingCode{
			nonce:       q.Get("nonce"),
			challenge:   q.Get("code_challenge"),
			redirectURI: redirect.String(),
			clientID:    q.Get("client_id"),
			subject:     sub,
		}
	}
	p.mu.Unlock()

	params := redirect.Query()
	params.Set("state", q.Get("state"))
	if deny {
		params.Set("error", "access_denied")
		params.Set("error_description", "user cancelled login")
	} else {
		params.Set("code", code)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	code := r.PostForm.Get("code")
	p.mu.Lock()
	pc, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	switch {
	case !ok, pc.redirectURI != r.PostForm.Get("redirect_uri"), pc.clientID != r.PostForm.Get("client_id"):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	case base64.RawURLEncoding.EncodeToString(sum[:]) != pc.challenge:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce mismatch"})
		return
	}

	idToken, err := p.sign(p.claims(pc.subject, pc.nonce, time.Hour))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": uuid.NewString(),
		"id_token":     idToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (p *Provider) sign(claims jwtlib.MapClaims) (string, error) {
	now := time.Now()
	defaults := jwtlib.MapClaims{
		"iss": p.Issuer(),
		"aud": p.Audience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range defaults {
		if _, ok := claims[k]; !ok {
			claims[k] = v
		}
	}
	p.mu.Lock()
	key := p.keys[len(p.keys)-1]
	p.mu.Unlock()

	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	tok.Header["kid"] = key.id
	s, err := tok.SignedString(key.priv)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
