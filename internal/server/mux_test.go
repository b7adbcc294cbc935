package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/config"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/nonce"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/testutil/oidctest"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/validator"
)

const testAudience = "bridge-api"

func newTestServer(t *testing.T, cfg config.Config, opts ...Option) (*httptest.Server, *oidctest.Provider) {
	t.Helper()
	p := oidctest.New(t, testAudience)
	v := validator.New(validator.Config{Issuer: p.Issuer(), Audience: testAudience},
		validator.NewJWKSCache(p.Issuer(), p.JWKSURL(), nil, 0, nil), nil)
	h, err := New(cfg, v, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts, p
}

func getAuthenticated(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url+"/authenticated", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /authenticated error: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d want %d", resp.StatusCode, http.StatusOK)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ok" {
		t.Fatalf("body = %q want %q", string(b), "ok")
	}
}

func TestAuthenticated_Success(t *testing.T) {
	ts, p := newTestServer(t, config.Config{})
	session := identity.Generate()
	token := p.Token(t, "user-42", nonce.Encode(session.PublicKeyDER()), time.Hour)

	var first model.AuthenticatedResponseDTO
	for i := 0; i < 2; i++ {
		resp, body := getAuthenticated(t, ts.URL, token)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d body=%s", resp.StatusCode, string(body))
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content type = %q", ct)
		}
		if resp.Header.Get("X-Correlation-Id") == "" {
			t.Fatal("missing correlation id")
		}
		var dto model.AuthenticatedResponseDTO
		if err := json.Unmarshal(body, &dto); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if i == 0 {
			first = dto
			continue
		}
		if dto != first {
			t.Fatalf("repeated request differs: %+v vs %+v", dto, first)
		}
	}

	if first.SessionPrincipal != session.Principal().String() {
		t.Fatalf("session_principal = %q want %q", first.SessionPrincipal, session.Principal().String())
	}
	if first.UserSub != "user-42" {
		t.Fatalf("user_sub = %q", first.UserSub)
	}
}

func TestAuthenticated_Unauthorized(t *testing.T) {
	ts, p := newTestServer(t, config.Config{})
	session := identity.Generate()
	n := nonce.Encode(session.PublicKeyDER())

	cases := map[string]string{
		"missing header": "",
		"garbage":        "not-a-jwt",
		"expired":        p.Token(t, "user-42", n, -time.Minute),
		"no nonce":       p.Token(t, "user-42", "", time.Hour),
		"bad nonce":      p.Token(t, "user-42", "zz", time.Hour),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			resp, body := getAuthenticated(t, ts.URL, token)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d want 401", resp.StatusCode)
			}
			if len(body) != 0 {
				t.Fatalf("body = %q want empty", string(body))
			}
		})
	}
}

func TestAuthenticated_MethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{})

	resp, err := http.Post(ts.URL+"/authenticated", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d want 405", resp.StatusCode)
	}
}

func TestAuthenticated_RateLimited(t *testing.T) {
	ts, p := newTestServer(t, config.Config{RateLimitRPS: 0.001, RateLimitBurst: 1})
	token := p.Token(t, "user-42", nonce.Encode(identity.Generate().PublicKeyDER()), time.Hour)

	if resp, _ := getAuthenticated(t, ts.URL, token); resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, body := getAuthenticated(t, ts.URL, token)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d want 429", resp.StatusCode)
	}
	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil || env.Error.Code != "BRIDGE_RATE_LIMITED" {
		t.Fatalf("unexpected body %s (%v)", string(body), err)
	}
}

func TestReady(t *testing.T) {
	var down atomic.Bool
	ts, _ := newTestServer(t, config.Config{}, WithReadyCheck("registry", func(context.Context) error {
		if !down.Load() {
			return nil
		}
		return errors.New("connection refused")
	}))

	resp, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d want 200", resp.StatusCode)
	}

	down.Store(true)
	resp, err = http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d want 503", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{CORSOrigins: []string{"https://app.example"}})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/authenticated", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("allow origin = %q", got)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		t.Fatal("preflight reached the token validator")
	}
}

func TestExtraRouteAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{}, WithRoute("/api/v2/", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	resp, err := http.Get(ts.URL + "/api/v2/status")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d want 418", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}

func TestNew_RequiresValidator(t *testing.T) {
	if _, err := New(config.Config{}, nil, nil); err == nil {
		t.Fatal("New accepted a nil validator")
	}
}
