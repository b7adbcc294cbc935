package authorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// LoopbackConfig configures an authorization-code + PKCE flow that receives
// the redirect on a loopback listener.
type LoopbackConfig struct {
	// Issuer is the OIDC issuer base URL used for discovery.
	Issuer   string
	ClientID string
	Scopes   []string
	// Audience is sent as the audience parameter when non-empty.
	Audience string
	// OpenURL presents the authorization URL to the user.
	OpenURL    func(url string) error
	HTTPClient *http.Client
}

type discoveryDoc struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// LoopbackProvider is a Provider for command-line clients.
type LoopbackProvider struct {
	cfg    LoopbackConfig
	logger *slog.Logger

	mu        sync.Mutex
	discovery *discoveryDoc
}

// NewLoopbackProvider returns a LoopbackProvider. A nil OpenURL logs the URL.
func NewLoopbackProvider(cfg LoopbackConfig, logger *slog.Logger) *LoopbackProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid"}
	}
	if cfg.OpenURL == nil {
		cfg.OpenURL = func(u string) error {
			logger.Info("open this URL to log in", "url", u)
			return nil
		}
	}
	return &LoopbackProvider{cfg: cfg, logger: logger}
}

func (p *LoopbackProvider) discover(ctx context.Context) (*discoveryDoc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discovery != nil {
		return p.discovery, nil
	}

	u := strings.TrimSuffix(p.cfg.Issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}
	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, fmt.Errorf("oidc discovery: missing endpoints")
	}
	p.discovery = &doc
	return &doc, nil
}

// oauthConfig builds the client configuration for one attempt. Public
// clients send client_id in the form body instead of basic auth.
func (p *LoopbackProvider) oauthConfig(doc *discoveryDoc, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: p.cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      p.cfg.Scopes,
	}
}

type callbackResult struct {
	code string
	err  error
}

// Authorize runs the flow and blocks until the redirect arrives or ctx ends.
func (p *LoopbackProvider) Authorize(ctx context.Context, req Request) (Credentials, error) {
	doc, err := p.discover(ctx)
	if err != nil {
		return Credentials{}, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return Credentials{}, fmt.Errorf("listen for redirect: %w", err)
	}
	conf := p.oauthConfig(doc, fmt.Sprintf("http://%s/callback", ln.Addr().String()))
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback", func(w http.ResponseWriter, r *http.Request) {
		res := callbackFrom(r.URL.Query(), state)
		if res.err != nil {
			http.Error(w, "Login did not complete. You can close this window.", http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "Login complete. You can close this window.")
		}
		select {
		case results <- res:
		default:
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", req.Nonce),
	}
	if p.cfg.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", p.cfg.Audience))
	}
	if err := p.cfg.OpenURL(conf.AuthCodeURL(state, opts...)); err != nil {
		return Credentials{}, fmt.Errorf("open authorization url: %w", err)
	}

	var res callbackResult
	select {
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	case res = <-results:
	}
	if res.err != nil {
		return Credentials{}, res.err
	}
	return p.exchange(ctx, conf, res.code, verifier)
}

func callbackFrom(q url.Values, state string) callbackResult {
	switch {
	case q.Get("state") != state:
		return callbackResult{err: fmt.Errorf("%w: state mismatch", ErrAuthorizationFailed)}
	case q.Get("error") == "access_denied" || q.Get("error") == "login_required":
		return callbackResult{err: fmt.Errorf("%w: %s", ErrAuthorizationDenied, q.Get("error_description"))}
	case q.Get("error") != "":
		return callbackResult{err: fmt.Errorf("%w: %s: %s", ErrAuthorizationFailed, q.Get("error"), q.Get("error_description"))}
	case q.Get("code") == "":
		return callbackResult{err: fmt.Errorf("%w: callback without code", ErrAuthorizationFailed)}
	}
	return callbackResult{code: q.Get("code")}
}

func (p *LoopbackProvider) exchange(ctx context.Context, conf *oauth2.Config, code, verifier string) (Credentials, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == "access_denied" {
			return Credentials{}, fmt.Errorf("%w: %s", ErrAuthorizationDenied, rerr.ErrorDescription)
		}
		return Credentials{}, fmt.Errorf("token exchange: %w", err)
	}

	creds := Credentials{AccessToken: tok.AccessToken}
	creds.IDToken, _ = tok.Extra("id_token").(string)
	if !tok.Expiry.IsZero() {
		creds.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	return creds, nil
}

// ClearSession opens the provider's end-session endpoint when it has one.
func (p *LoopbackProvider) ClearSession(ctx context.Context) error {
	doc, err := p.discover(ctx)
	if err != nil {
		return err
	}
	if doc.EndSessionEndpoint == "" {
		return nil
	}
	return p.cfg.OpenURL(doc.EndSessionEndpoint + "?" + url.Values{"client_id": {p.cfg.ClientID}}.Encode())
}
