package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/config"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/nonce"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/testutil/oidctest"
)

// This is an integration-style test that wires the same components main()
// uses, with JWKS discovered from a local provider.
func TestBridged_Integration(t *testing.T) {
	p := oidctest.New(t, "bridge-api")
	cfg := config.Config{
		Address:       ":0",
		Audience:      "bridge-api",
		IssuerBaseURL: p.Issuer(),
		SigningAlg:    "RS256",
		TokenLeeway:   time.Second,
	}
	h, err := newHandler(cfg, slog.Default())
	if err != nil {
		t.Fatalf("newHandler: %v", err)
	}
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	session := identity.Generate()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/authenticated", nil)
	req.Header.Set("Authorization", "Bearer "+p.Token(t, oidctest.DefaultSubject, nonce.Encode(session.PublicKeyDER()), time.Hour))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated request error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
	var dto model.AuthenticatedResponseDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dto.SessionPrincipal != session.Principal().String() || dto.UserSub != oidctest.DefaultSubject {
		t.Fatalf("unexpected response %+v", dto)
	}
}
