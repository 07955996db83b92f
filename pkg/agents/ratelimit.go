package agents

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// LimiterConfig tunes the per-tenant token bucket and its backoff.
type LimiterConfig struct {
	Capacity    int           // bucket size
	RefillRate  float64       // tokens per second
	BackoffBase time.Duration // first backoff after a throttled response
	BackoffCap  time.Duration // backoff never exceeds this
	Jitter      float64       // fraction of the delay randomized, 0..1
	MaxAttempts int           // throttled retries before ErrRateLimitExceeded
}

// DefaultLimiterConfig matches the upstream agent pool's published limits.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Capacity:    10,
		RefillRate:  2,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  30 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 5,
	}
}

// Limiter is a token bucket with exponential backoff on upstream throttling.
// Shared across all phase executions of one tenant.
type Limiter struct {
	mu sync.Mutex

	config              LimiterConfig
	tokens              float64
	lastRefill          time.Time
	consecutiveFailures int
	backoffUntil        time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a full bucket with the given configuration.
func NewLimiter(config LimiterConfig) *Limiter {
	if config.Capacity <= 0 {
		config.Capacity = 1
	}

	if config.RefillRate <= 0 {
		config.RefillRate = 1
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	return &Limiter{
		config:     config,
		tokens:     float64(config.Capacity),
		lastRefill: time.Now(),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until a token is available and any active backoff window
// has passed, or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait := l.nextWait()
		if wait == 0 {
			return nil
		}

		err := l.sleep(ctx, wait)
		if err != nil {
			return err
		}
	}
}

// nextWait refills the bucket and either consumes a token (returning 0) or
// reports how long to wait before trying again.
func (l *Limiter) nextWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if now.Before(l.backoffUntil) {
		return l.backoffUntil.Sub(now)
	}

	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.config.RefillRate

	if l.tokens > float64(l.config.Capacity) {
		l.tokens = float64(l.config.Capacity)
	}

	l.lastRefill = now

	if l.tokens >= 1 {
		l.tokens--

		return 0
	}

	deficit := 1 - l.tokens

	return time.Duration(deficit / l.config.RefillRate * float64(time.Second))
}

// HandleRateLimitedResponse empties the bucket and arms exponential backoff
// for the next acquisition.
func (l *Limiter) HandleRateLimitedResponse() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = 0
	l.consecutiveFailures++

	delay := l.backoffDelayLocked()
	if l.config.Jitter > 0 {
		// Jitter only ever shortens the delay, so the cap still holds.
		delay -= time.Duration(rand.Float64() * l.config.Jitter * float64(delay))
	}

	l.backoffUntil = l.now().Add(delay)
}

// ResetOnSuccess clears the consecutive-failure counter after any
// successful upstream call.
func (l *Limiter) ResetOnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consecutiveFailures = 0
	l.backoffUntil = time.Time{}
}

// BackoffDelay reports the current base backoff (before jitter):
// base * 2^(failures-1), capped.
func (l *Limiter) BackoffDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.backoffDelayLocked()
}

func (l *Limiter) backoffDelayLocked() time.Duration {
	if l.consecutiveFailures == 0 {
		return 0
	}

	delay := l.config.BackoffBase

	for i := 1; i < l.consecutiveFailures; i++ {
		delay *= 2
		if delay >= l.config.BackoffCap {
			return l.config.BackoffCap
		}
	}

	if delay > l.config.BackoffCap {
		return l.config.BackoffCap
	}

	return delay
}

// ConsecutiveFailures reports the current throttle streak.
func (l *Limiter) ConsecutiveFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.consecutiveFailures
}
