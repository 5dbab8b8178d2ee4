package oidc

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/alexjbarnes/oidc-agent/internal/account"
	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/alexjbarnes/oidc-agent/internal/oidc/oidctest"
	"github.com/alexjbarnes/oidc-agent/internal/secret"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	return NewEngine(opts...)
}

func TestResolve_FillsEndpointsFromDiscovery(t *testing.T) {
	p := oidctest.New(t)
	e := testEngine(t)

	a := &account.Account{Name: "alice", IssuerURL: p.Issuer()}
	require.NoError(t, e.Resolve(context.Background(), a))

	assert.Equal(t, p.TokenEndpoint(), a.TokenEndpoint)
	assert.Equal(t, p.AuthorizationEndpoint(), a.AuthorizationEndpoint)
	assert.Equal(t, p.Issuer()+"/register", a.RegistrationEndpoint)
	assert.Equal(t, p.Issuer()+"/revoke", a.RevocationEndpoint)
	assert.Equal(t, p.Issuer()+"/device", a.DeviceAuthorizationEndpoint)
}

func TestResolve_KeepsExplicitEndpoints(t *testing.T) {
	p := oidctest.New(t)
	e := testEngine(t)

	a := &account.Account{Name: "alice", IssuerURL: p.Issuer()}
	a.TokenEndpoint = "https://elsewhere.example.com/token"

	require.NoError(t, e.Resolve(context.Background(), a))
	assert.Equal(t, "https://elsewhere.example.com/token", a.TokenEndpoint)
	assert.Equal(t, p.AuthorizationEndpoint(), a.AuthorizationEndpoint)
}

func TestResolve_NoIssuerNoTokenEndpoint(t *testing.T) {
	e := testEngine(t)

	err := e.Resolve(context.Background(), &account.Account{Name: "alice"})
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestResolve_NoIssuerWithTokenEndpoint(t *testing.T) {
	e := testEngine(t)

	a := &account.Account{Name: "bob"}
	a.TokenEndpoint = "https://idp.example.com/token"

	assert.NoError(t, e.Resolve(context.Background(), a))
}

func TestResolve_DiscoveryFailureWithTokenEndpoint(t *testing.T) {
	srv := httpNotFoundServer(t)
	e := testEngine(t)

	a := &account.Account{Name: "bob", IssuerURL: srv}
	a.TokenEndpoint = "https://idp.example.com/token"

	assert.NoError(t, e.Resolve(context.Background(), a))
}

func TestResolve_DiscoveryFailureWithoutTokenEndpoint(t *testing.T) {
	srv := httpNotFoundServer(t)
	e := testEngine(t)

	err := e.Resolve(context.Background(), &account.Account{Name: "bob", IssuerURL: srv})
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func refreshAccount(p *oidctest.Provider, rt string) *account.Account {
	a := &account.Account{Name: "bob", ClientID: "cli", RefreshToken: secret.New(rt)}
	a.TokenEndpoint = p.TokenEndpoint()

	return a
}

func TestRefresh_UsesCachedTokenWithoutNetwork(t *testing.T) {
	p := oidctest.New(t)
	p.AddRefreshToken("rt1")
	e := testEngine(t)

	a := refreshAccount(p, "rt1")
	require.NoError(t, e.Refresh(context.Background(), a, ForceNewToken))
	assert.Equal(t, "at1", a.AccessToken.Reveal())
	assert.Equal(t, 1, p.TokenCalls())

	require.NoError(t, e.Refresh(context.Background(), a, 10*time.Second))
	assert.Equal(t, "at1", a.AccessToken.Reveal())
	assert.Equal(t, 1, p.TokenCalls())
}

func TestRefresh_RefreshesWhenTooShortLived(t *testing.T) {
	p := oidctest.New(t)
	p.AddRefreshToken("rt1")
	p.ExpiresIn = 60
	e := testEngine(t)

	a := refreshAccount(p, "rt1")
	require.NoError(t, e.Refresh(context.Background(), a, ForceNewToken))

	require.NoError(t, e.Refresh(context.Background(), a, 5*time.Minute))
	assert.Equal(t, "at2", a.AccessToken.Reveal())
	assert.Equal(t, 2, p.TokenCalls())
}

func TestRefresh_ClockControlsValidity(t *testing.T) {
	p := oidctest.New(t)
	p.AddRefreshToken("rt1")
	now := time.Now()
	e := testEngine(t, WithClock(func() time.Time { return now }))

	a := refreshAccount(p, "rt1")
	require.NoError(t, e.Refresh(context.Background(), a, ForceNewToken))

	now = now.Add(2 * time.Hour)
	require.NoError(t, e.Refresh(context.Background(), a, 0))
	assert.Equal(t, 2, p.TokenCalls())
}

func TestRefresh_RotatedRefreshTokenReplacesOld(t *testing.T) {
	p := oidctest.New(t)
	p.AddRefreshToken("rt1")
	p.RotateRefreshTokens = true
	e := testEngine(t)

	a := refreshAccount(p, "rt1")
	require.NoError(t, e.Refresh(context.Background(), a, ForceNewToken))
	assert.Equal(t, "rt1-r1", a.RefreshToken.Reveal())
}

func TestRefresh_RevokedTokenIsProviderError(t *testing.T) {
	p := oidctest.New(t)
	e := testEngine(t)

	err := e.Refresh(context.Background(), refreshAccount(p, "revoked"), ForceNewToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProvider)

	var pe *apperrors.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_grant", pe.Code)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	e := testEngine(t)

	a := &account.Account{Name: "bob"}
	a.TokenEndpoint = "https://idp.example.com/token"

	assert.ErrorIs(t, e.Refresh(context.Background(), a, ForceNewToken), apperrors.ErrArgument)
}

func TestRefresh_UnreachableProviderIsNetworkError(t *testing.T) {
	e := testEngine(t)

	a := &account.Account{Name: "bob", RefreshToken: secret.New("rt")}
	a.TokenEndpoint = "http://127.0.0.1:1/token"

	assert.ErrorIs(t, e.Refresh(context.Background(), a, ForceNewToken), apperrors.ErrNetwork)
}

func TestRefresh_ExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	tok, err := jwt.NewBuilder().Expiration(exp).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)

	assert.True(t, jwtExpiry(string(signed)).Equal(exp))
	assert.True(t, jwtExpiry("opaque-token").IsZero())
	assert.True(t, jwtExpiry("not.a.jwt").IsZero())
}

func TestPassword_Success(t *testing.T) {
	p := oidctest.New(t)
	p.AddUser("alice", "s3cret")
	e := testEngine(t)

	a := &account.Account{Name: "alice", ClientID: "cli", Username: "alice", Password: secret.New("s3cret")}
	a.TokenEndpoint = p.TokenEndpoint()

	require.NoError(t, e.Password(context.Background(), a))
	assert.Equal(t, "at1", a.AccessToken.Reveal())
	assert.Equal(t, "rt-1", a.RefreshToken.Reveal())
	assert.Empty(t, a.Username)
	assert.False(t, a.Password.IsSet())
}

func TestPassword_FailureStillWipesCredentials(t *testing.T) {
	p := oidctest.New(t)
	e := testEngine(t)

	a := &account.Account{Name: "alice", Username: "alice", Password: secret.New("wrong")}
	a.TokenEndpoint = p.TokenEndpoint()

	err := e.Password(context.Background(), a)
	assert.ErrorIs(t, err, apperrors.ErrProvider)
	assert.Empty(t, a.Username)
	assert.False(t, a.Password.IsSet())
}

func TestPassword_MissingCredentials(t *testing.T) {
	e := testEngine(t)

	a := &account.Account{Name: "alice"}
	a.TokenEndpoint = "https://idp.example.com/token"

	assert.ErrorIs(t, e.Password(context.Background(), a), apperrors.ErrArgument)
}

func TestAuthCodeInit_BuildsURLWithState(t *testing.T) {
	e := testEngine(t)

	a := &account.Account{
		Name:         "carol",
		ClientID:     "cli",
		Scope:        "openid offline_access",
		RedirectURIs: []string{"http://localhost:8080/cb"},
	}
	a.AuthorizationEndpoint = "https://idp.example.com/authorize"

	uri, state, err := e.AuthCodeInit(a)
	require.NoError(t, err)
	assert.Len(t, state, 2*stateByteLen)

	u, err := url.Parse(uri)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, state, q.Get("state"))
	assert.Equal(t, "cli", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "http://localhost:8080/cb", q.Get("redirect_uri"))
	assert.Equal(t, "openid offline_access", q.Get("scope"))

	_, state2, err := e.AuthCodeInit(a)
	require.NoError(t, err)
	assert.NotEqual(t, state, state2)
}

func TestAuthCodeInit_NoRedirectURIs(t *testing.T) {
	e := testEngine(t)

	a := &account.Account{Name: "carol"}
	a.AuthorizationEndpoint = "https://idp.example.com/authorize"

	_, _, err := e.AuthCodeInit(a)
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestExchangeCode(t *testing.T) {
	p := oidctest.New(t)
	p.AddCode("the-code", "http://localhost:8080/cb")
	e := testEngine(t)

	a := &account.Account{Name: "carol", ClientID: "cli", RedirectURIs: []string{"http://localhost:8080/cb"}}
	a.TokenEndpoint = p.TokenEndpoint()

	require.NoError(t, e.ExchangeCode(context.Background(), a, "the-code", ""))
	assert.Equal(t, "rt-1", a.RefreshToken.Reveal())

	err := e.ExchangeCode(context.Background(), a, "the-code", "")
	assert.ErrorIs(t, err, apperrors.ErrProvider)
}

func TestExchangeCode_EmptyCode(t *testing.T) {
	e := testEngine(t)
	err := e.ExchangeCode(context.Background(), &account.Account{Name: "carol"}, "", "")
	assert.ErrorIs(t, err, apperrors.ErrArgument)
}

func TestDeviceFlow(t *testing.T) {
	p := oidctest.New(t)
	e := testEngine(t)

	a := &account.Account{Name: "dave", ClientID: "cli", IssuerURL: p.Issuer()}
	require.NoError(t, e.Resolve(context.Background(), a))

	da, err := e.DeviceInit(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "device-1", da.DeviceCode)
	assert.Equal(t, "ABCD-EFGH", da.UserCode)

	p.ApproveDevice(da.DeviceCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, e.DeviceToken(ctx, a, da))
	assert.True(t, a.RefreshToken.IsSet())
	assert.True(t, a.AccessToken.IsSet())
}

func TestDeviceInit_NoEndpoint(t *testing.T) {
	e := testEngine(t)
	_, err := e.DeviceInit(context.Background(), &account.Account{Name: "dave"})
	assert.ErrorIs(t, err, apperrors.ErrConfig)
}

func TestRevoke(t *testing.T) {
	p := oidctest.New(t)
	p.AddRefreshToken("rt1")
	e := testEngine(t)

	a := refreshAccount(p, "rt1")
	a.RevocationEndpoint = p.Issuer() + "/revoke"

	require.NoError(t, e.Revoke(context.Background(), a))
	assert.Equal(t, []string{"rt1"}, p.Revoked())

	err := e.Refresh(context.Background(), a, ForceNewToken)
	assert.ErrorIs(t, err, apperrors.ErrProvider)
}

func TestRevoke_ProviderFailure(t *testing.T) {
	p := oidctest.New(t)
	p.RevokeStatus = http.StatusServiceUnavailable
	e := testEngine(t)

	a := refreshAccount(p, "rt1")
	a.RevocationEndpoint = p.Issuer() + "/revoke"

	err := e.Revoke(context.Background(), a)
	assert.ErrorIs(t, err, apperrors.ErrProvider)
	assert.Empty(t, p.Revoked())
}

func TestRevoke_NoEndpoint(t *testing.T) {
	e := testEngine(t)
	a := &account.Account{Name: "bob", RefreshToken: secret.New("rt")}
	assert.ErrorIs(t, e.Revoke(context.Background(), a), apperrors.ErrConfig)
}

func TestOAuth2Config_AuthStyle(t *testing.T) {
	e := testEngine(t)

	public := e.oauth2Config(&account.Account{ClientID: "cli"}, "")
	assert.Equal(t, "cli", public.ClientID)
	assert.Empty(t, public.ClientSecret)

	confidential := e.oauth2Config(&account.Account{ClientID: "cli", ClientSecret: secret.New("sec"), Scope: "openid email"}, "http://cb")
	assert.Equal(t, "sec", confidential.ClientSecret)
	assert.Equal(t, []string{"openid", "email"}, confidential.Scopes)
	assert.Equal(t, "http://cb", confidential.RedirectURL)
	assert.NotEqual(t, public.Endpoint.AuthStyle, confidential.Endpoint.AuthStyle)
}
