// Package errors defines the error taxonomy shared by the agent's
// components. Callers match with errors.Is; ProviderError carries the
// OAuth error details returned by an identity provider.
package errors

import (
	"errors"
	"fmt"
)

// Request errors.
var (
	ErrArgument  = errors.New("bad request")
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already loaded")
)

// Provider and backend errors.
var (
	ErrProvider = errors.New("provider error")
	ErrNetwork  = errors.New("network error")
	ErrConfig   = errors.New("provider configuration error")
	ErrNoToken  = errors.New("response does not contain a refresh token")
)

// Local errors.
var (
	ErrCrypto          = errors.New("crypto error")
	ErrNoFlowSucceeded = errors.New("no flow was successful")
)

// ProviderError is an OAuth error response from a token, registration,
// device or revocation endpoint.
type ProviderError struct {
	Status      int
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	case e.Code != "":
		return e.Code
	case e.Status != 0:
		return fmt.Sprintf("provider returned status %d", e.Status)
	}

	return ErrProvider.Error()
}

// Is makes every ProviderError match ErrProvider.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}
