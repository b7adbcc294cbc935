package login

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/authorize"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/delegation"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/identity"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/issuer"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/ledger"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/nonce"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/principal"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/session"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/storage"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/testutil/oidctest"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/validator"
)

const clientID = "bridge-client"

var canisterID = principal.SelfAuthenticating([]byte("issuer"))

type fixture struct {
	provider *oidctest.Provider
	issuer   *issuer.Issuer
	slots    storage.SlotStore
	session  *session.Session
}

func newFixture(t *testing.T, mode session.KeyMode) *fixture {
	t.Helper()
	p := oidctest.New(t, clientID)
	v := validator.New(validator.Config{Issuer: p.Issuer(), Audience: clientID},
		validator.NewJWKSCache(p.Issuer(), p.JWKSURL(), nil, 0, nil), nil)
	iss, err := issuer.New(context.Background(), issuer.Config{CanisterID: canisterID}, v, storage.NewMemory(), nil)
	require.NoError(t, err)

	slots := storage.NewMemorySlots()
	sess, err := session.Open(context.Background(), session.NewStore(slots, nil), mode, nil)
	require.NoError(t, err)
	return &fixture{provider: p, issuer: iss, slots: slots, session: sess}
}

// tokens mints ID tokens for whatever nonce it is asked for.
func (f *fixture) tokens(sub string, ttl time.Duration) authorize.Provider {
	return authorize.ProviderFunc(func(ctx context.Context, req authorize.Request) (authorize.Credentials, error) {
		tok, err := f.provider.IssueToken(sub, req.Nonce, ttl)
		return authorize.Credentials{IDToken: tok}, err
	})
}

func (f *fixture) client(p authorize.Provider, iss ledger.DelegationIssuer) *Client {
	if iss == nil {
		iss = issuer.Local{Issuer: f.issuer}
	}
	return New(f.session, authorize.NewClient(p, nil), iss, nil)
}

func browser(u string) error {
	resp, err := http.Get(u)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func TestLogin_EndToEnd(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	srv := httptest.NewServer(ledger.NewHandler(f.issuer.Canister(), nil))
	t.Cleanup(srv.Close)

	lp := authorize.NewLoopbackProvider(authorize.LoopbackConfig{
		Issuer: f.provider.Issuer(), ClientID: clientID, OpenURL: browser,
	}, nil)
	remote := ledger.NewIssuerClient(ledger.NewAgent(ledger.AgentConfig{Host: srv.URL}, nil), canisterID)
	c := f.client(lp, remote)
	ctx := context.Background()

	id, err := c.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, Ready, c.State())
	assert.Same(t, f.session.Key(), id.Session())
	assert.True(t, id.Chain().DelegatesTo(f.session.Key().PublicKeyDER()))
	assert.False(t, id.Principal().Equal(f.session.Key().Principal()))

	reply, err := c.Authenticated(ctx)
	require.NoError(t, err)
	assert.Equal(t, oidctest.DefaultSubject, reply.UserSub)
	assert.Equal(t, id.Principal().Bytes(), reply.UserPrincipal)

	tok, err := f.session.IDToken(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
}

func TestLogin_SameSubjectSamePrincipal(t *testing.T) {
	f := newFixture(t, session.PerSession)
	c := f.client(f.tokens("user-42", time.Hour), nil)

	first, err := c.Login(context.Background())
	require.NoError(t, err)
	firstKey := first.Session()
	second, err := c.Login(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, firstKey, second.Session(), "per-session mode uses a fresh key")
	assert.True(t, first.Principal().Equal(second.Principal()))
}

func TestLogin_Denied(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	c := f.client(authorize.ProviderFunc(func(context.Context, authorize.Request) (authorize.Credentials, error) {
		return authorize.Credentials{}, context.Canceled
	}), nil)

	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
	assert.Equal(t, Idle, c.State())
	assert.NoError(t, c.Err())
	assert.Nil(t, c.Identity())
}

// switchable hands out tokens until cancel is set, then reports cancellation.
type switchable struct {
	authorize.Provider
	cancel bool
}

func (s *switchable) Authorize(ctx context.Context, req authorize.Request) (authorize.Credentials, error) {
	if s.cancel {
		return authorize.Credentials{}, context.Canceled
	}
	return s.Provider.Authorize(ctx, req)
}

func TestLogin_CancelledReloginKeepsStoredSession(t *testing.T) {
	for _, mode := range []session.KeyMode{session.PerInstallation, session.PerSession} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode)
			p := &switchable{Provider: f.tokens("user-42", time.Hour)}
			c := f.client(p, nil)
			ctx := context.Background()

			first, err := c.Login(ctx)
			require.NoError(t, err)
			key := f.session.Key()
			require.Same(t, key, first.Session())

			p.cancel = true
			_, err = c.Login(ctx)
			require.ErrorIs(t, err, ErrAuthorizationDenied)
			assert.Equal(t, Idle, c.State())
			assert.Nil(t, c.Identity())

			assert.Same(t, key, f.session.Key())
			require.NotNil(t, f.session.StoredChain())
			assert.True(t, f.session.StoredChain().DelegatesTo(key.PublicKeyDER()))

			// a new process over the same slots picks the session back up
			sess, err := session.Open(ctx, session.NewStore(f.slots, nil), mode, nil)
			require.NoError(t, err)
			id, ok, err := New(sess, authorize.NewClient(p, nil), issuer.Local{Issuer: f.issuer}, nil).Restore(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, id.Principal().Equal(first.Principal()))

			// and so does the same client
			_, ok, err = c.Restore(ctx)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, Ready, c.State())
		})
	}
}

func TestLogin_ProviderFailure(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	c := f.client(authorize.ProviderFunc(func(context.Context, authorize.Request) (authorize.Credentials, error) {
		return authorize.Credentials{}, errors.New("network unreachable")
	}), nil)

	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrAuthorizationFailed)
	assert.Equal(t, Failed, c.State())
	assert.ErrorIs(t, c.Err(), ErrAuthorizationFailed)
}

func TestLogin_TokenForAnotherKey(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	other := identity.Generate()
	c := f.client(authorize.StaticToken(f.provider.Token(t, "user-42", nonce.Encode(other.PublicKeyDER()), time.Hour)), nil)

	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrAuthorizationFailed)
	assert.Equal(t, Failed, c.State())
}

func TestLogin_ExpiredToken(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	c := f.client(f.tokens("user-42", -time.Minute), nil)

	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrAuthorizationFailed)
}

// stubIssuer serves canned results for the fetch step.
type stubIssuer struct {
	ledger.DelegationIssuer
	get func(exp uint64) (ledger.GetDelegationResult, error)
}

func (s stubIssuer) GetDelegation(ctx context.Context, caller ledger.Sender, jwt string, exp uint64) (ledger.GetDelegationResult, error) {
	return s.get(exp)
}

func TestLogin_NoSuchDelegation(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	stub := stubIssuer{
		DelegationIssuer: issuer.Local{Issuer: f.issuer},
		get: func(uint64) (ledger.GetDelegationResult, error) {
			return ledger.NoSuchDelegation{}, nil
		},
	}
	c := f.client(f.tokens("user-42", time.Hour), stub)

	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrDelegationNotFound)
	assert.Equal(t, Failed, c.State())
}

func TestLogin_ForgedDelegation(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	stub := stubIssuer{
		DelegationIssuer: issuer.Local{Issuer: f.issuer},
		get: func(exp uint64) (ledger.GetDelegationResult, error) {
			sd, err := delegation.Sign(identity.Generate(), delegation.Delegation{
				PubKey:     f.session.Key().PublicKeyDER(),
				Expiration: exp,
			})
			return ledger.SignedDelegationResult{SignedDelegation: sd}, err
		},
	}
	c := f.client(f.tokens("user-42", time.Hour), stub)

	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrInvalidDelegation)
	assert.Equal(t, Failed, c.State())
	assert.Nil(t, f.session.StoredChain())
}

func TestRestore(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	c := f.client(f.tokens("user-42", time.Hour), nil)
	ctx := context.Background()
	first, err := c.Login(ctx)
	require.NoError(t, err)

	// a new process over the same slots
	sess, err := session.Open(ctx, session.NewStore(f.slots, nil), session.PerInstallation, nil)
	require.NoError(t, err)
	restored := New(sess, authorize.NewClient(f.tokens("user-42", time.Hour), nil), issuer.Local{Issuer: f.issuer}, nil)

	id, ok, err := restored.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Ready, restored.State())
	assert.True(t, id.Principal().Equal(first.Principal()))

	reply, err := restored.Authenticated(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-42", reply.UserSub)
}

func TestRestore_ExpiredChainDiscarded(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	c := f.client(f.tokens("user-42", time.Hour), nil)
	ctx := context.Background()
	_, err := c.Login(ctx)
	require.NoError(t, err)

	later := New(f.session, nil, issuer.Local{Issuer: f.issuer}, nil)
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, ok, err := later.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Idle, later.State())
	assert.Nil(t, f.session.StoredChain())
}

func TestLogout(t *testing.T) {
	for _, mode := range []session.KeyMode{session.PerInstallation, session.PerSession} {
		f := newFixture(t, mode)
		c := f.client(f.tokens("user-42", time.Hour), nil)
		ctx := context.Background()
		_, err := c.Login(ctx)
		require.NoError(t, err)
		key := f.session.Key()

		require.NoError(t, c.Logout(ctx))
		assert.Equal(t, Idle, c.State())
		assert.Nil(t, c.Identity())
		assert.Nil(t, f.session.StoredChain())
		_, err = c.Authenticated(ctx)
		assert.ErrorIs(t, err, ErrNotLoggedIn)

		if mode == session.PerInstallation {
			assert.Same(t, key, f.session.Key())
		} else {
			assert.Nil(t, f.session.Key())
		}
	}
}

func TestLogin_ClosedSession(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	c := f.client(f.tokens("user-42", time.Hour), nil)
	require.NoError(t, f.session.Close())

	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrNoSessionIdentity)
}

func TestLogin_Serialized(t *testing.T) {
	f := newFixture(t, session.PerInstallation)
	entered := make(chan struct{})
	release := make(chan struct{})
	tok := f.provider.Token(t, "user-42", nonce.Encode(f.session.Key().PublicKeyDER()), time.Hour)
	c := f.client(authorize.ProviderFunc(func(ctx context.Context, req authorize.Request) (authorize.Credentials, error) {
		close(entered)
		<-release
		return authorize.Credentials{IDToken: tok}, nil
	}), nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Login(context.Background())
		done <- err
	}()
	<-entered
	assert.Equal(t, AwaitingAuthorization, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Login(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Ready, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_delegation_fetch", AwaitingDelegationFetch.String())
	assert.Equal(t, "unknown", State(42).String())
}
