package apierr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceErrorUnwrapAndMessage(t *testing.T) {
	underlying := errors.New("boom")
	err := Wrap(ErrCodeDatabaseError, "query failed", http.StatusInternalServerError, underlying)

	assert.ErrorIs(t, err, underlying)
	assert.Contains(t, err.Error(), "query failed")
	assert.Contains(t, err.Error(), "boom")
}

func TestWithDetailsAccumulates(t *testing.T) {
	err := InvalidInput("rule_type", "unknown").WithDetails("attempt", 2)
	require.Equal(t, "rule_type", err.Details["field"])
	require.Equal(t, 2, err.Details["attempt"])
}

func TestGetServiceErrorAndHTTPStatus(t *testing.T) {
	err := RateLimitExceeded(100, "hourly")
	wrapped := Internal("handler failed", err)

	svcErr := GetServiceError(wrapped)
	require.NotNil(t, svcErr)
	assert.Equal(t, ErrCodeInternal, svcErr.Code)
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(wrapped))

	assert.True(t, IsServiceError(err))
	assert.False(t, IsServiceError(errors.New("plain")))
}
