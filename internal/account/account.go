// Package account holds the OIDC account model and the in-memory
// registry of loaded accounts.
package account

import (
	"slices"
	"time"

	"github.com/alexjbarnes/oidc-agent/internal/secret"
)

// Endpoints are the provider URLs an account talks to. Explicitly
// configured values win over discovered ones.
type Endpoints struct {
	TokenEndpoint               string `json:"token_endpoint,omitempty" validate:"omitempty,url"`
	AuthorizationEndpoint       string `json:"authorization_endpoint,omitempty" validate:"omitempty,url"`
	RegistrationEndpoint        string `json:"registration_endpoint,omitempty" validate:"omitempty,url"`
	RevocationEndpoint          string `json:"revocation_endpoint,omitempty" validate:"omitempty,url"`
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty" validate:"omitempty,url"`
}

// Account is an OIDC client configuration plus its session state.
// Access token, expiry and used state are session-only and never
// serialized.
type Account struct {
	Name      string `json:"name" validate:"required"`
	IssuerURL string `json:"issuer_url,omitempty" validate:"omitempty,url"`
	Endpoints

	ClientID     string       `json:"client_id,omitempty"`
	ClientSecret secret.Value `json:"client_secret,omitzero"`
	Scope        string       `json:"scope,omitempty"`
	RedirectURIs []string     `json:"redirect_uris,omitempty" validate:"omitempty,dive,url"`

	Username string       `json:"username,omitempty"`
	Password secret.Value `json:"password,omitzero"`

	RefreshToken secret.Value `json:"refresh_token,omitzero"`

	AccessToken          secret.Value `json:"-"`
	AccessTokenExpiresAt time.Time    `json:"-"`
	UsedState            string       `json:"-"`
}

// Clone returns a deep copy; secrets in the copy are wiped independently.
func (a *Account) Clone() *Account {
	c := *a
	c.RedirectURIs = slices.Clone(a.RedirectURIs)
	c.ClientSecret = a.ClientSecret.Clone()
	c.Password = a.Password.Clone()
	c.RefreshToken = a.RefreshToken.Clone()
	c.AccessToken = a.AccessToken.Clone()

	return &c
}

// ClearCredentials drops the resource-owner username and password.
func (a *Account) ClearCredentials() {
	a.Username = ""
	a.Password.Wipe()
}

// Wipe overwrites every secret held by the account.
func (a *Account) Wipe() {
	a.ClearCredentials()
	a.ClientSecret.Wipe()
	a.RefreshToken.Wipe()
	a.AccessToken.Wipe()
	a.AccessTokenExpiresAt = time.Time{}
	a.UsedState = ""
}

// HasRedirectURIs reports whether the code flow can be used.
func (a *Account) HasRedirectURIs() bool {
	return len(a.RedirectURIs) > 0
}

// AccessTokenValidFor reports whether the cached access token stays
// valid for at least d after now. An unknown expiry counts as expired.
func (a *Account) AccessTokenValidFor(now time.Time, d time.Duration) bool {
	if !a.AccessToken.IsSet() || a.AccessTokenExpiresAt.IsZero() {
		return false
	}

	return !now.Add(d).After(a.AccessTokenExpiresAt)
}
