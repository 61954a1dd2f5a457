package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/tg-gpt-bot-go/internal/config"
	"golang.org/x/time/rate"
)

// MaxPromptRunes bounds a single prompt
const MaxPromptRunes = 4096

var (
	ErrEmptyPrompt   = errors.New("prompt is empty")
	ErrPromptTooLong = errors.New("prompt is too long")
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(userID int64) bool
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter implements per-user rate limiting
type UserRateLimiter struct {
	enabled  bool
	limiters map[int64]*userLimiter
	mu       sync.Mutex
	rpm      int
	burst    int
	idle     time.Duration
	logger   *logrus.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) *UserRateLimiter {
	if !cfg.Enabled {
		return &UserRateLimiter{enabled: false}
	}

	return &UserRateLimiter{
		enabled:  true,
		limiters: make(map[int64]*userLimiter),
		rpm:      cfg.RequestsPerMinute,
		burst:    cfg.Burst,
		idle:     time.Hour,
		logger:   logger,
	}
}

// Allow checks if a user is allowed to make a request
func (r *UserRateLimiter) Allow(userID int64) bool {
	if !r.enabled {
		return true
	}

	r.mu.Lock()
	ul, exists := r.limiters[userID]
	if !exists {
		// Rate per second = RPM / 60
		ul = &userLimiter{limiter: rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)}
		r.limiters[userID] = ul
	}
	ul.lastSeen = time.Now()
	r.mu.Unlock()

	allowed := ul.limiter.Allow()
	if !allowed {
		r.logger.WithField("user_id", userID).Warn("Rate limit exceeded")
	}
	return allowed
}

// Run drops limiters idle for longer than an hour until ctx is done
func (r *UserRateLimiter) Run(ctx context.Context, interval time.Duration) {
	if !r.enabled {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.prune(now)
		}
	}
}

func (r *UserRateLimiter) prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, ul := range r.limiters {
		if now.Sub(ul.lastSeen) > r.idle {
			delete(r.limiters, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.WithField("removed", removed).Debug("Pruned idle rate limiters")
	}
	return removed
}

// ValidatePrompt rejects empty or oversized prompts
func ValidatePrompt(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	if n := utf8.RuneCountInString(text); n > MaxPromptRunes {
		return fmt.Errorf("%w: %d characters", ErrPromptTooLong, n)
	}
	return nil
}
