package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sentinels() []error {
	return []error{
		ErrArgument,
		ErrNotFound,
		ErrDuplicate,
		ErrProvider,
		ErrNetwork,
		ErrConfig,
		ErrNoToken,
		ErrCrypto,
		ErrNoFlowSucceeded,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range sentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	all := sentinels()
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			assert.NotErrorIs(t, all[i], all[j],
				"sentinel errors should be distinct: %q vs %q", all[i], all[j])
		}
	}
}

func TestProviderError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("refreshing token: %w", &ProviderError{Code: "invalid_grant"})
	assert.ErrorIs(t, err, ErrProvider)
	assert.NotErrorIs(t, err, ErrNetwork)

	var pe *ProviderError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, "invalid_grant", pe.Code)
}

func TestProviderError_Messages(t *testing.T) {
	tests := []struct {
		err  *ProviderError
		want string
	}{
		{&ProviderError{Code: "invalid_grant", Description: "token revoked"}, "invalid_grant: token revoked"},
		{&ProviderError{Code: "invalid_client"}, "invalid_client"},
		{&ProviderError{Status: 502}, "provider returned status 502"},
		{&ProviderError{}, "provider error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
