package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/oidc-agent/internal/account"
	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"golang.org/x/oauth2"
)

// Flow names accepted by Run.
const (
	FlowRefresh  = "refresh"
	FlowPassword = "password"
	FlowCode     = "code"
	FlowDevice   = "device"
)

// FlowResult reports which flow completed. For the code and device
// flows only the first leg has run and the caller must finish it.
type FlowResult struct {
	Flow string

	// AuthURL and State are set when the code flow was initiated.
	AuthURL string
	State   string

	// Device is set when the device flow was initiated.
	Device *oauth2.DeviceAuthResponse
}

// Pending reports whether the flow still needs user interaction.
func (r *FlowResult) Pending() bool {
	return r.Flow == FlowCode || r.Flow == FlowDevice
}

// ParseFlows splits a flow list given as a single string such as
// "refresh password" or "refresh,code".
func ParseFlows(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// Run tries the flows in order. Refresh and password are attempted
// inline and the first success wins. Code and device cannot finish
// inline: reaching one of them initiates it and returns without looking
// at later names. An unknown flow name aborts the whole attempt.
//
// Run does not check that the resulting account holds a refresh token;
// that is up to the caller.
func (e *Engine) Run(ctx context.Context, a *account.Account, flows []string) (*FlowResult, error) {
	attempted := 0

	var lastErr error

	for _, raw := range flows {
		flow := strings.ToLower(strings.TrimSpace(raw))

		var err error

		switch flow {
		case FlowRefresh:
			attempted++
			err = e.Refresh(ctx, a, ForceNewToken)
		case FlowPassword:
			attempted++
			err = e.Password(ctx, a)
		case FlowCode:
			uri, state, err := e.AuthCodeInit(a)
			if err != nil {
				return nil, err
			}

			return &FlowResult{Flow: FlowCode, AuthURL: uri, State: state}, nil
		case FlowDevice:
			da, err := e.DeviceInit(ctx, a)
			if err != nil {
				return nil, err
			}

			return &FlowResult{Flow: FlowDevice, Device: da}, nil
		default:
			return nil, fmt.Errorf("%w: unknown flow %q", apperrors.ErrArgument, raw)
		}

		if err == nil {
			return &FlowResult{Flow: flow}, nil
		}

		e.logger.Debug("flow failed",
			slog.String("account", a.Name),
			slog.String("flow", flow),
			slog.String("error", err.Error()),
		)

		lastErr = err
	}

	// Password material never outlives the attempt, even when the
	// password flow was not requested.
	a.ClearCredentials()

	if attempted == 0 {
		return nil, fmt.Errorf("%w: no flow was requested", apperrors.ErrArgument)
	}

	return nil, fmt.Errorf("%w: %w", apperrors.ErrNoFlowSucceeded, lastErr)
}

