// Package oidc drives the OAuth2 and OpenID Connect flows for loaded
// accounts: refresh, resource-owner password, authorization code,
// device authorization, dynamic client registration and revocation.
//
// Engine methods operate on an account copy owned by the caller and
// never hold locks across network calls.
package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/oidc-agent/internal/account"
	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/alexjbarnes/oidc-agent/internal/secret"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

const (
	// ForceNewToken makes Refresh skip the cached access token.
	ForceNewToken time.Duration = -1

	// stateByteLen is the entropy of an authorization-code state; the
	// hex encoding is twice as long.
	stateByteLen = 16

	// DefaultClientName prefixes the client_name sent on registration.
	DefaultClientName = "oidc-agent"
)

// Engine obtains tokens for accounts.
type Engine struct {
	httpClient *http.Client
	discovery  *Discovery
	logger     *slog.Logger
	now        func() time.Time
	clientName string
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient sets the client used for all provider requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithDiscovery sets the metadata resolver.
func WithDiscovery(d *Discovery) Option {
	return func(e *Engine) {
		e.discovery = d
	}
}

// WithClientName sets the client_name prefix used for registration.
func WithClientName(name string) Option {
	return func(e *Engine) {
		e.clientName = name
	}
}

// NewEngine creates a flow engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:     slog.Default(),
		now:        time.Now,
		clientName: DefaultClientName,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.httpClient == nil {
		e.httpClient = NewHTTPClient(DefaultHTTPTimeout)
	}

	if e.discovery == nil {
		e.discovery = NewDiscovery(e.httpClient, e.logger, DefaultDiscoveryTTL)
	}

	return e
}

// Resolve fills the account's endpoints from issuer discovery.
// Explicitly configured endpoints are kept. An account without an
// issuer must name its token endpoint.
func (e *Engine) Resolve(ctx context.Context, a *account.Account) error {
	if a.IssuerURL == "" {
		if a.TokenEndpoint == "" {
			return fmt.Errorf("%w: account %q has neither issuer_url nor token_endpoint", apperrors.ErrConfig, a.Name)
		}

		return nil
	}

	md, err := e.discovery.Discover(ctx, a.IssuerURL)
	if err != nil {
		if a.TokenEndpoint != "" {
			e.logger.Warn("issuer discovery failed, using configured token endpoint",
				slog.String("account", a.Name),
				slog.String("error", err.Error()),
			)

			return nil
		}

		return fmt.Errorf("account %q: %w", a.Name, err)
	}

	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&a.TokenEndpoint, md.TokenEndpoint)
	fill(&a.AuthorizationEndpoint, md.AuthorizationEndpoint)
	fill(&a.RegistrationEndpoint, md.RegistrationEndpoint)
	fill(&a.RevocationEndpoint, md.RevocationEndpoint)
	fill(&a.DeviceAuthorizationEndpoint, md.DeviceAuthorizationEndpoint)

	return nil
}

// Refresh makes sure a holds an access token valid for at least
// minValid. A cached token that qualifies is kept without a network
// call; ForceNewToken always exchanges the refresh token.
func (e *Engine) Refresh(ctx context.Context, a *account.Account, minValid time.Duration) error {
	if minValid >= 0 && a.AccessTokenValidFor(e.now(), minValid) {
		return nil
	}

	if !a.RefreshToken.IsSet() {
		return fmt.Errorf("%w: account %q has no refresh token", apperrors.ErrArgument, a.Name)
	}

	if a.TokenEndpoint == "" {
		return fmt.Errorf("%w: account %q has no token endpoint", apperrors.ErrConfig, a.Name)
	}

	cfg := e.oauth2Config(a, "")
	src := cfg.TokenSource(e.clientContext(ctx), &oauth2.Token{RefreshToken: a.RefreshToken.Reveal()})

	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("refreshing token for %q: %w", a.Name, classify(err))
	}

	e.applyToken(a, tok)
	e.logger.Debug("refreshed access token", slog.String("account", a.Name))

	return nil
}

// Password runs the resource-owner password grant. The account's
// username and password are wiped on every return path.
func (e *Engine) Password(ctx context.Context, a *account.Account) error {
	defer a.ClearCredentials()

	if a.Username == "" || !a.Password.IsSet() {
		return fmt.Errorf("%w: account %q needs username and password for the password flow", apperrors.ErrArgument, a.Name)
	}

	if a.TokenEndpoint == "" {
		return fmt.Errorf("%w: account %q has no token endpoint", apperrors.ErrConfig, a.Name)
	}

	cfg := e.oauth2Config(a, "")

	tok, err := cfg.PasswordCredentialsToken(e.clientContext(ctx), a.Username, a.Password.Reveal())
	if err != nil {
		return fmt.Errorf("password flow for %q: %w", a.Name, classify(err))
	}

	e.applyToken(a, tok)

	return nil
}

// AuthCodeInit builds the authorization URL for the code flow and the
// random state that correlates the redirect back to this account. It
// does not block; the code is exchanged by a later ExchangeCode call.
func (e *Engine) AuthCodeInit(a *account.Account) (string, string, error) {
	if !a.HasRedirectURIs() {
		return "", "", fmt.Errorf("%w: account %q has no redirect_uris configured, the code flow cannot be used", apperrors.ErrConfig, a.Name)
	}

	if a.AuthorizationEndpoint == "" {
		return "", "", fmt.Errorf("%w: account %q has no authorization endpoint", apperrors.ErrConfig, a.Name)
	}

	state := RandomHex(stateByteLen)
	cfg := e.oauth2Config(a, a.RedirectURIs[0])

	return cfg.AuthCodeURL(state), state, nil
}

// ExchangeCode exchanges an authorization code for tokens. An empty
// redirectURI falls back to the first configured one.
func (e *Engine) ExchangeCode(ctx context.Context, a *account.Account, code, redirectURI string) error {
	if code == "" {
		return fmt.Errorf("%w: authorization code is required", apperrors.ErrArgument)
	}

	if redirectURI == "" && a.HasRedirectURIs() {
		redirectURI = a.RedirectURIs[0]
	}

	if a.TokenEndpoint == "" {
		return fmt.Errorf("%w: account %q has no token endpoint", apperrors.ErrConfig, a.Name)
	}

	cfg := e.oauth2Config(a, redirectURI)

	tok, err := cfg.Exchange(e.clientContext(ctx), code)
	if err != nil {
		return fmt.Errorf("exchanging code for %q: %w", a.Name, classify(err))
	}

	e.applyToken(a, tok)

	return nil
}

// DeviceInit starts the device authorization grant.
func (e *Engine) DeviceInit(ctx context.Context, a *account.Account) (*oauth2.DeviceAuthResponse, error) {
	if a.DeviceAuthorizationEndpoint == "" {
		return nil, fmt.Errorf("%w: account %q has no device authorization endpoint", apperrors.ErrConfig, a.Name)
	}

	cfg := e.oauth2Config(a, "")

	da, err := cfg.DeviceAuth(e.clientContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("device authorization for %q: %w", a.Name, classify(err))
	}

	return da, nil
}

// DeviceToken polls the token endpoint until the user approved the
// device authorization, the code expired, or ctx is done.
func (e *Engine) DeviceToken(ctx context.Context, a *account.Account, da *oauth2.DeviceAuthResponse) error {
	if da == nil || da.DeviceCode == "" {
		return fmt.Errorf("%w: device code is required", apperrors.ErrArgument)
	}

	if a.TokenEndpoint == "" {
		return fmt.Errorf("%w: account %q has no token endpoint", apperrors.ErrConfig, a.Name)
	}

	cfg := e.oauth2Config(a, "")

	tok, err := cfg.DeviceAccessToken(e.clientContext(ctx), da)
	if err != nil {
		return fmt.Errorf("device flow for %q: %w", a.Name, classify(err))
	}

	e.applyToken(a, tok)

	return nil
}

// Revoke revokes the account's refresh token (RFC 7009).
func (e *Engine) Revoke(ctx context.Context, a *account.Account) error {
	if a.RevocationEndpoint == "" {
		return fmt.Errorf("%w: provider of %q has no revocation endpoint", apperrors.ErrConfig, a.Name)
	}

	if !a.RefreshToken.IsSet() {
		return fmt.Errorf("%w: account %q has no refresh token to revoke", apperrors.ErrArgument, a.Name)
	}

	form := url.Values{
		"token":           {a.RefreshToken.Reveal()},
		"token_type_hint": {"refresh_token"},
	}
	if !a.ClientSecret.IsSet() {
		form.Set("client_id", a.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: creating revocation request: %v", apperrors.ErrConfig, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if a.ClientSecret.IsSet() {
		req.SetBasicAuth(url.QueryEscape(a.ClientID), url.QueryEscape(a.ClientSecret.Reveal()))
	}

	status, body, err := do(e.httpClient, req)
	if err != nil {
		return fmt.Errorf("revoking token for %q: %w", a.Name, err)
	}

	if status != http.StatusOK {
		return fmt.Errorf("revoking token for %q: %w", a.Name, providerError(status, body))
	}

	e.logger.Info("revoked refresh token", slog.String("account", a.Name))

	return nil
}

func (e *Engine) oauth2Config(a *account.Account, redirectURI string) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if a.ClientSecret.IsSet() {
		style = oauth2.AuthStyleInHeader
	}

	return &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret.Reveal(),
		Endpoint: oauth2.Endpoint{
			AuthURL:       a.AuthorizationEndpoint,
			TokenURL:      a.TokenEndpoint,
			DeviceAuthURL: a.DeviceAuthorizationEndpoint,
			AuthStyle:     style,
		},
		RedirectURL: redirectURI,
		Scopes:      strings.Fields(a.Scope),
	}
}

func (e *Engine) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

// applyToken stores a token response on the account. A provider that
// does not rotate the refresh token keeps the old one.
func (e *Engine) applyToken(a *account.Account, tok *oauth2.Token) {
	a.AccessToken.Wipe()
	a.AccessToken = secret.New(tok.AccessToken)

	a.AccessTokenExpiresAt = tok.Expiry
	if a.AccessTokenExpiresAt.IsZero() {
		a.AccessTokenExpiresAt = jwtExpiry(tok.AccessToken)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != a.RefreshToken.Reveal() {
		a.RefreshToken.Wipe()
		a.RefreshToken = secret.New(tok.RefreshToken)
	}
}

// jwtExpiry reads the exp claim of a JWT access token without
// verifying it. Opaque tokens yield the zero time.
func jwtExpiry(accessToken string) time.Time {
	if strings.Count(accessToken, ".") != 2 {
		return time.Time{}
	}

	tok, err := jwt.ParseInsecure([]byte(accessToken))
	if err != nil {
		return time.Time{}
	}

	return tok.Expiration()
}
