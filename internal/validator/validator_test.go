package validator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/nonce"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/testutil/oidctest"
)

const audience = "bridge-api"

func newValidator(t *testing.T, p *oidctest.Provider) *Validator {
	t.Helper()
	keys := NewJWKSCache(p.Issuer(), p.JWKSURL(), nil, 0, nil)
	return New(Config{Issuer: p.Issuer(), Audience: audience}, keys, nil)
}

func TestValidate_AttachesNoncePrincipal(t *testing.T) {
	p := oidctest.New(t, audience)
	v := newValidator(t, p)
	k := identity.Generate()

	id, err := v.Validate(context.Background(), p.Token(t, "user-42", nonce.Encode(k.PublicKeyDER()), time.Hour))
	require.NoError(t, err)
	assert.True(t, id.Principal.Equal(k.Principal()))
	assert.Equal(t, "user-42", id.Subject)
}

func TestValidate_MissingNonce(t *testing.T) {
	p := oidctest.New(t, audience)
	v := newValidator(t, p)

	_, err := v.Validate(context.Background(), p.Token(t, "user-42", "", time.Hour))
	assert.ErrorIs(t, err, ErrMissingNonce)

	// a forged signature does not change the outcome
	other := oidctest.New(t, audience)
	_, err = v.Validate(context.Background(), other.Token(t, "user-42", "", time.Hour))
	assert.ErrorIs(t, err, ErrMissingNonce)
}

func TestValidate_InvalidNonce(t *testing.T) {
	p := oidctest.New(t, audience)
	v := newValidator(t, p)

	for _, n := range []string{"zz", "abc", "00ff"} {
		_, err := v.Validate(context.Background(), p.Token(t, "user-42", n, time.Hour))
		assert.ErrorIs(t, err, ErrInvalidNonce, n)
	}
}

func TestValidate_InvalidToken(t *testing.T) {
	p := oidctest.New(t, audience)
	v := newValidator(t, p)
	n := nonce.Encode(identity.Generate().PublicKeyDER())
	ctx := context.Background()

	cases := map[string]string{
		"expired":      p.Token(t, "user-42", n, -time.Minute),
		"wrong aud":    p.Mint(t, jwtlib.MapClaims{"sub": "u", "nonce": n, "aud": "someone-else"}),
		"wrong iss":    p.Mint(t, jwtlib.MapClaims{"sub": "u", "nonce": n, "iss": "https://evil.example/"}),
		"no sub":       p.Mint(t, jwtlib.MapClaims{"nonce": n}),
		"other signer": oidctest.New(t, audience).Token(t, "user-42", n, time.Hour),
		"garbage":      "not.a.jwt",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(ctx, tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestValidate_RejectsHS256(t *testing.T) {
	p := oidctest.New(t, audience)
	v := newValidator(t, p)
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "u", "aud": audience, "iss": p.Issuer(), "exp": time.Now().Add(time.Hour).Unix(),
		"nonce": nonce.Encode(identity.Generate().PublicKeyDER()),
	})
	tok.Header["kid"] = "x"
	raw, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_MaxAge(t *testing.T) {
	p := oidctest.New(t, audience)
	keys := NewJWKSCache(p.Issuer(), p.JWKSURL(), nil, 0, nil)
	v := New(Config{Audience: audience, MaxAge: 10 * time.Minute}, keys, nil)
	n := nonce.Encode(identity.Generate().PublicKeyDER())

	old := p.Mint(t, jwtlib.MapClaims{"sub": "u", "nonce": n, "iat": time.Now().Add(-time.Hour).Unix()})
	_, err := v.Validate(context.Background(), old)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWKSCache_RefreshOnUnknownKid(t *testing.T) {
	p := oidctest.New(t, audience)
	v := newValidator(t, p)
	n := nonce.Encode(identity.Generate().PublicKeyDER())
	ctx := context.Background()

	_, err := v.Validate(ctx, p.Token(t, "u", n, time.Hour))
	require.NoError(t, err)
	_, err = v.Validate(ctx, p.Token(t, "u", n, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, p.JWKSFetches())

	p.RotateKey(t)
	_, err = v.Validate(ctx, p.Token(t, "u", n, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, p.JWKSFetches())
}

func TestJWKSCache_MinInterval(t *testing.T) {
	p := oidctest.New(t, audience)
	cache := NewJWKSCache(p.Issuer(), p.JWKSURL(), nil, time.Hour, nil)
	ctx := context.Background()

	_, err := cache.Key(ctx, "unknown")
	assert.Error(t, err)
	_, err = cache.Key(ctx, "unknown")
	assert.Error(t, err)
	assert.Equal(t, 1, p.JWKSFetches())
}

func TestJWKSCache_Discovery(t *testing.T) {
	p := oidctest.New(t, audience)
	keys := NewJWKSCache(p.Issuer(), "", nil, 0, nil)
	v := New(Config{Issuer: p.Issuer(), Audience: audience}, keys, nil)

	_, err := v.Validate(context.Background(), p.Token(t, "u", nonce.Encode(identity.Generate().PublicKeyDER()), time.Hour))
	require.NoError(t, err)
}

func TestJWKSCache_ConcurrentReaders(t *testing.T) {
	p := oidctest.New(t, audience)
	v := newValidator(t, p)
	tok := p.Token(t, "u", nonce.Encode(identity.Generate().PublicKeyDER()), time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Validate(context.Background(), tok)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, p.JWKSFetches())
}

func TestMiddleware(t *testing.T) {
	p := oidctest.New(t, audience)
	v := newValidator(t, p)
	k := identity.Generate()

	var got Identity
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad nonce", "Bearer " + p.Token(t, "u", "zz", time.Hour), http.StatusUnauthorized},
		{"valid", "Bearer " + p.Token(t, "user-42", nonce.Encode(k.PublicKeyDER()), time.Hour), http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/authenticated", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				assert.Empty(t, strings.TrimSpace(rec.Body.String()))
			}
		})
	}
	assert.True(t, got.Principal.Equal(k.Principal()))
}
