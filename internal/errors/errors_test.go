package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError_WireShape(t *testing.T) {
	payload, err := json.Marshal(ErrInvalidKey)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))

	assert.Equal(t, false, decoded["ok"])
	assert.Equal(t, "Invalid license key", decoded["error"])
	assert.Equal(t, "INVALID_KEY", decoded["code"])
	assert.NotContains(t, decoded, "StatusCode", "HTTP status never leaks into the body")
}

func TestIs_MatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("activation: %w", ErrLicenseRevoked)
	assert.True(t, errors.Is(wrapped, ErrLicenseRevoked))
	assert.False(t, errors.Is(wrapped, ErrLicenseExpired))

	// Same code, different message still matches.
	custom := New(http.StatusForbidden, "LICENSE_REVOKED", "different text")
	assert.True(t, errors.Is(custom, ErrLicenseRevoked))
}

func TestFromError(t *testing.T) {
	t.Run("typed error passes through", func(t *testing.T) {
		assert.Equal(t, ErrInvalidToken, FromError(fmt.Errorf("check: %w", ErrInvalidToken)))
	})

	t.Run("untyped error becomes opaque 500", func(t *testing.T) {
		apiErr := FromError(errors.New("pg: connection refused"))
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		assert.NotContains(t, apiErr.Message, "pg:", "internal detail must not leak")
	})
}

func TestRateLimited(t *testing.T) {
	apiErr := RateLimited("Too many activation attempts. Please try again in 15 minutes.")
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "RATE_LIMITED", apiErr.Code)
}
