package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", New(KindNetwork, CodeNetwork, "dial"), true},
		{"timeout", New(KindTimeout, CodeTimeout, "slow"), true},
		{"auth", New(KindAuth, CodeUnauthorized, "nope"), false},
		{"signature", New(KindSignature, CodeInvalidSignature, "bad"), false},
		{"validation", New(KindValidation, CodeInvalidAPIKey, "short"), false},
		{"crypto", New(KindCrypto, CodeDecryption, "tag"), false},
		{"venue 5xx", &Error{Kind: KindVenue, Code: CodeUnknown, Status: http.StatusBadGateway}, true},
		{"venue 4xx", &Error{Kind: KindVenue, Code: CodeUnknown, Status: http.StatusBadRequest}, false},
		{"wrapped network", fmt.Errorf("fetch: %w", New(KindNetwork, CodeNetwork, "reset")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestRateLimited(t *testing.T) {
	err := RateLimited(1500 * time.Millisecond)

	e, ok := As(fmt.Errorf("wrap: %w", err))
	require.True(t, ok)
	assert.Equal(t, KindRateLimit, e.Kind)
	assert.Equal(t, CodeRateLimited, e.Code)
	assert.Equal(t, 1500*time.Millisecond, e.RetryAfter)
	assert.Contains(t, e.Detail, "2 seconds")
}
