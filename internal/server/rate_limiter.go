package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/config"
)

// rateLimiter admits up to Burst inbound messages at once and one more every
// RefillInterval/Burst after that. It tracks the theoretical arrival time of
// the next message instead of a token count.
type rateLimiter struct {
	mu        sync.Mutex
	spacing   time.Duration
	tolerance time.Duration
	tat       time.Time
	now       func() time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	spacing := interval / time.Duration(burst)
	if spacing <= 0 {
		spacing = time.Nanosecond
	}
	return &rateLimiter{
		spacing:   spacing,
		tolerance: spacing * time.Duration(burst-1),
		now:       time.Now,
	}
}

// take admits one message. When it refuses, retryAfter is how long until the
// next message would be admitted.
func (rl *rateLimiter) take() (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	tat := rl.tat
	if tat.Before(now) {
		tat = now
	}
	if allowAt := tat.Add(-rl.tolerance); now.Before(allowAt) {
		return false, allowAt.Sub(now)
	}
	rl.tat = tat.Add(rl.spacing)
	return true, 0
}
