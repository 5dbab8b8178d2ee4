package oidc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/alexjbarnes/oidc-agent/internal/account"
	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/tidwall/gjson"
)

// RegistrationOutcome classifies a dynamic client registration.
type RegistrationOutcome int

const (
	// RegistrationSucceeded means the client is usable as registered.
	RegistrationSucceeded RegistrationOutcome = iota
	// RegistrationNeedsGrantTypes means a client was created but the
	// provider did not grant everything the agent needs.
	RegistrationNeedsGrantTypes
	// RegistrationFailed means no client was created.
	RegistrationFailed
)

func (o RegistrationOutcome) String() string {
	switch o {
	case RegistrationSucceeded:
		return "succeeded"
	case RegistrationNeedsGrantTypes:
		return "needs_grant_types"
	default:
		return "failed"
	}
}

// requiredGrantTypes are the grants the agent uses for a registered client.
var requiredGrantTypes = []string{"authorization_code", "refresh_token", "password"}

// defaultGrantTypes is what RFC 7591 assumes when grant_types is omitted.
var defaultGrantTypes = []string{"authorization_code"}

// Registration is the result of Register.
type Registration struct {
	Outcome RegistrationOutcome
	// Client is the raw client information response.
	Client   string
	ClientID string
	// Error is the provider's complaint about the first attempt when the
	// second attempt had to be used.
	Error string
	// Remediation tells the user what to ask the provider for.
	Remediation string
	// MissingGrantTypes lists required grants the client lacks.
	MissingGrantTypes []string
}

type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	ResponseTypes           []string `json:"response_types"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	ApplicationType         string   `json:"application_type"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// Register performs dynamic client registration for a. The first
// attempt lets the provider choose grant types; when that is rejected
// the request is retried once with the grant types listed explicitly.
// A *Registration is returned for both success outcomes; full failure
// is reported as an error.
func (e *Engine) Register(ctx context.Context, a *account.Account) (*Registration, error) {
	if a.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("%w: provider of %q does not support dynamic registration", apperrors.ErrConfig, a.Name)
	}

	req := registrationRequest{
		ClientName:              e.clientName + ":" + a.Name,
		RedirectURIs:            a.RedirectURIs,
		ResponseTypes:           []string{"code"},
		Scope:                   a.Scope,
		ApplicationType:         "web",
		TokenEndpointAuthMethod: "client_secret_basic",
	}

	status, body, err := e.postRegistration(ctx, a.RegistrationEndpoint, req)
	if err != nil {
		return nil, fmt.Errorf("registering client for %q: %w", a.Name, err)
	}

	if registrationOK(status, body) {
		reg := &Registration{
			Outcome:  RegistrationSucceeded,
			Client:   string(body),
			ClientID: gjson.GetBytes(body, "client_id").String(),
		}
		e.logger.Info("registered client", slog.String("account", a.Name), slog.String("client_id", reg.ClientID))

		return reg, nil
	}

	first := providerError(status, body)
	e.logger.Debug("registration without grant types rejected, retrying with explicit grant types",
		slog.String("account", a.Name),
		slog.String("error", first.Error()),
	)

	req.GrantTypes = requiredGrantTypes

	status2, body2, err := e.postRegistration(ctx, a.RegistrationEndpoint, req)
	if err != nil {
		return nil, fmt.Errorf("registering client for %q: %w", a.Name, err)
	}

	if !registrationOK(status2, body2) {
		return nil, fmt.Errorf("registering client for %q: %w", a.Name, first)
	}

	reg := &Registration{
		Outcome:  RegistrationSucceeded,
		Client:   string(body2),
		ClientID: gjson.GetBytes(body2, "client_id").String(),
		Error:    first.Error(),
	}

	reg.MissingGrantTypes = missingGrantTypes(body2)
	if len(reg.MissingGrantTypes) > 0 {
		reg.Outcome = RegistrationNeedsGrantTypes
		reg.Remediation = fmt.Sprintf("The client was registered with the resulting config. It is not usable for oidc-agent in that way. "+
			"Please contact the provider to update the client configuration.\nprovider: %s\nclient_id: %s\nadditional needed grant_types: %s",
			providerName(a), reg.ClientID, strings.Join(reg.MissingGrantTypes, ", "))
	}

	e.logger.Info("registered client with explicit grant types",
		slog.String("account", a.Name),
		slog.String("client_id", reg.ClientID),
		slog.String("outcome", reg.Outcome.String()),
	)

	return reg, nil
}

func (e *Engine) postRegistration(ctx context.Context, endpoint string, body registrationRequest) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: encoding registration request: %v", apperrors.ErrArgument, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: creating registration request: %v", apperrors.ErrConfig, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return do(e.httpClient, req)
}

// registrationOK reports whether a registration response carries a
// client. Some providers answer 200 with an error body.
func registrationOK(status int, body []byte) bool {
	if status != http.StatusOK && status != http.StatusCreated {
		return false
	}

	if !gjson.ValidBytes(body) {
		return false
	}

	return !gjson.GetBytes(body, "error").Exists() && gjson.GetBytes(body, "client_id").String() != ""
}

func missingGrantTypes(body []byte) []string {
	granted := defaultGrantTypes

	if gt := gjson.GetBytes(body, "grant_types"); gt.IsArray() {
		granted = nil
		for _, g := range gt.Array() {
			granted = append(granted, g.String())
		}
	}

	var missing []string

	for _, g := range requiredGrantTypes {
		if !slices.Contains(granted, g) {
			missing = append(missing, g)
		}
	}

	return missing
}

func providerName(a *account.Account) string {
	if a.IssuerURL != "" {
		return a.IssuerURL
	}

	return a.RegistrationEndpoint
}
