package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-gpt-bot-go/internal/config"
	"github.com/tg-gpt-bot-go/pkg/logger"
)

func TestUserRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}, logger.Discard())

	assert.True(t, rl.Allow(1))
	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))
	assert.True(t, rl.Allow(2), "limits are per user")
}

func TestUserRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{Enabled: false}, logger.Discard())
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow(1))
	}
}

func TestUserRateLimiter_Prune(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1}, logger.Discard())
	rl.Allow(1)
	rl.Allow(2)

	assert.Equal(t, 0, rl.prune(time.Now()))
	assert.Equal(t, 2, rl.prune(time.Now().Add(2*time.Hour)))
}

func TestValidatePrompt(t *testing.T) {
	assert.NoError(t, ValidatePrompt("hello"))
	assert.ErrorIs(t, ValidatePrompt("   "), ErrEmptyPrompt)
	assert.ErrorIs(t, ValidatePrompt(strings.Repeat("я", MaxPromptRunes+1)), ErrPromptTooLong)
	assert.NoError(t, ValidatePrompt(strings.Repeat("я", MaxPromptRunes)))
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := func(ctx context.Context) error { return errors.New("db down") }
	rec = httptest.NewRecorder()
	healthHandler(failing)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}
