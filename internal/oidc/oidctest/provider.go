// Package oidctest provides an in-process OpenID provider for tests.
package oidctest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Provider is a fake OpenID provider backed by httptest. It serves
// discovery, token, device authorization, registration and revocation
// endpoints. Access tokens are issued as at1, at2, ...
type Provider struct {
	Server *httptest.Server

	mu            sync.Mutex
	refreshTokens map[string]bool
	users         map[string]string
	codes         map[string]string
	deviceCodes   map[string]bool

	// ExpiresIn is sent with every token response; 0 omits it.
	ExpiresIn int
	// RotateRefreshTokens issues a new refresh token on every refresh.
	RotateRefreshTokens bool
	// OmitRefreshToken leaves refresh_token out of token responses.
	OmitRefreshToken bool
	// RevokeStatus is the revocation endpoint status; 0 means 200.
	RevokeStatus int
	// RegisterHandler serves the registration endpoint when set.
	RegisterHandler http.HandlerFunc
	// DisableDevice removes the device endpoint from discovery.
	DisableDevice bool

	tokenCalls    int
	issued        int
	revoked       []string
	lastTokenForm map[string][]string
}

// New starts a provider that is closed with the test.
func New(t *testing.T) *Provider {
	t.Helper()

	p := &Provider{
		refreshTokens: make(map[string]bool),
		users:         make(map[string]string),
		codes:         make(map[string]string),
		deviceCodes:   make(map[string]bool),
		ExpiresIn:     3600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("POST /device", p.handleDevice)
	mux.HandleFunc("POST /register", p.handleRegister)
	mux.HandleFunc("POST /revoke", p.handleRevoke)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	return p
}

// Issuer returns the issuer URL.
func (p *Provider) Issuer() string { return p.Server.URL }

// TokenEndpoint returns the token endpoint URL.
func (p *Provider) TokenEndpoint() string { return p.Server.URL + "/token" }

// AuthorizationEndpoint returns the authorization endpoint URL.
func (p *Provider) AuthorizationEndpoint() string { return p.Server.URL + "/authorize" }

// AddRefreshToken makes rt acceptable for the refresh grant.
func (p *Provider) AddRefreshToken(rt string) {
	p.mu.Lock()
	p.refreshTokens[rt] = true
	p.mu.Unlock()
}

// AddUser accepts username and password for the password grant.
func (p *Provider) AddUser(username, password string) {
	p.mu.Lock()
	p.users[username] = password
	p.mu.Unlock()
}

// AddCode accepts an authorization code issued for redirectURI.
func (p *Provider) AddCode(code, redirectURI string) {
	p.mu.Lock()
	p.codes[code] = redirectURI
	p.mu.Unlock()
}

// ApproveDevice lets the next poll for deviceCode succeed.
func (p *Provider) ApproveDevice(deviceCode string) {
	p.mu.Lock()
	p.deviceCodes[deviceCode] = true
	p.mu.Unlock()
}

// TokenCalls returns how many requests hit the token endpoint.
func (p *Provider) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tokenCalls
}

// Revoked returns the tokens revoked so far.
func (p *Provider) Revoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.revoked...)
}

// LastTokenForm returns the form of the most recent token request.
func (p *Provider) LastTokenForm() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lastTokenForm
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	md := map[string]any{
		"issuer":                 p.Issuer(),
		"authorization_endpoint": p.AuthorizationEndpoint(),
		"token_endpoint":         p.TokenEndpoint(),
		"registration_endpoint":  p.Server.URL + "/register",
		"revocation_endpoint":    p.Server.URL + "/revoke",
	}
	if !p.DisableDevice {
		md["device_authorization_endpoint"] = p.Server.URL + "/device"
	}

	writeJSON(w, http.StatusOK, md)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.tokenCalls++
	p.lastTokenForm = r.PostForm

	switch r.PostForm.Get("grant_type") {
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		if !p.refreshTokens[rt] {
			writeError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid or revoked")
			return
		}

		next := rt
		if p.RotateRefreshTokens {
			delete(p.refreshTokens, rt)
			next = fmt.Sprintf("%s-r%d", rt, p.issued+1)
			p.refreshTokens[next] = true
		}

		p.writeTokenLocked(w, next)
	case "password":
		want, ok := p.users[r.PostForm.Get("username")]
		if !ok || want != r.PostForm.Get("password") {
			writeError(w, http.StatusBadRequest, "invalid_grant", "bad user credentials")
			return
		}

		p.writeTokenLocked(w, p.newRefreshTokenLocked())
	case "authorization_code":
		redirect, ok := p.codes[r.PostForm.Get("code")]
		if !ok || redirect != r.PostForm.Get("redirect_uri") {
			writeError(w, http.StatusBadRequest, "invalid_grant", "unknown code")
			return
		}

		delete(p.codes, r.PostForm.Get("code"))
		p.writeTokenLocked(w, p.newRefreshTokenLocked())
	case "urn:ietf:params:oauth:grant-type:device_code":
		if !p.deviceCodes[r.PostForm.Get("device_code")] {
			writeError(w, http.StatusBadRequest, "authorization_pending", "")
			return
		}

		p.writeTokenLocked(w, p.newRefreshTokenLocked())
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (p *Provider) newRefreshTokenLocked() string {
	rt := fmt.Sprintf("rt-%d", p.issued+1)
	p.refreshTokens[rt] = true

	return rt
}

func (p *Provider) writeTokenLocked(w http.ResponseWriter, refreshToken string) {
	p.issued++

	resp := map[string]any{
		"access_token": fmt.Sprintf("at%d", p.issued),
		"token_type":   "Bearer",
	}
	if p.ExpiresIn > 0 {
		resp["expires_in"] = p.ExpiresIn
	}

	if !p.OmitRefreshToken {
		resp["refresh_token"] = refreshToken
	}

	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleDevice(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":      "device-1",
		"user_code":        "ABCD-EFGH",
		"verification_uri": p.Server.URL + "/activate",
		"expires_in":       600,
		"interval":         1,
	})
}

func (p *Provider) handleRegister(w http.ResponseWriter, r *http.Request) {
	if p.RegisterHandler != nil {
		p.RegisterHandler(w, r)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":     "registered-client",
		"client_secret": "registered-secret",
		"grant_types":   []string{"authorization_code", "refresh_token", "password"},
	})
}

func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.RevokeStatus != 0 && p.RevokeStatus != http.StatusOK {
		writeError(w, p.RevokeStatus, "server_error", "revocation unavailable")
		return
	}

	token := r.PostForm.Get("token")
	delete(p.refreshTokens, token)
	p.revoked = append(p.revoked, token)

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}

	writeJSON(w, status, body)
}
