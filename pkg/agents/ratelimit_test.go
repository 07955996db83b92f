package agents

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relokate/masterflow/pkg/models"
)

func testConfig() LimiterConfig {
	return LimiterConfig{
		Capacity:    2,
		RefillRate:  100,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
		Jitter:      0,
		MaxAttempts: 3,
	}
}

func TestLimiter_AcquireFromFullBucket(t *testing.T) {
	limiter := NewLimiter(testConfig())

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	require.NoError(t, limiter.Acquire(ctx))
	require.NoError(t, limiter.Acquire(ctx))
}

func TestLimiter_BackoffMonotonicUpToCap(t *testing.T) {
	limiter := NewLimiter(testConfig())

	var previous time.Duration

	for range 10 {
		limiter.HandleRateLimitedResponse()
		delay := limiter.BackoffDelay()

		assert.GreaterOrEqual(t, delay, previous, "backoff must be non-decreasing")
		assert.LessOrEqual(t, delay, time.Second, "backoff must never exceed the cap")

		previous = delay
	}

	assert.Equal(t, time.Second, previous, "backoff must reach the cap")
}

func TestLimiter_ResetOnSuccessClearsStreak(t *testing.T) {
	limiter := NewLimiter(testConfig())

	limiter.HandleRateLimitedResponse()
	limiter.HandleRateLimitedResponse()
	require.Equal(t, 2, limiter.ConsecutiveFailures())

	limiter.ResetOnSuccess()

	assert.Equal(t, 0, limiter.ConsecutiveFailures())
	assert.Zero(t, limiter.BackoffDelay())
}

func TestLimiter_BackoffBlocksAcquire(t *testing.T) {
	config := testConfig()
	config.BackoffBase = 5 * time.Second
	limiter := NewLimiter(config)

	limiter.HandleRateLimitedResponse()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_JitterNeverExceedsCap(t *testing.T) {
	config := testConfig()
	config.Jitter = 0.5
	limiter := NewLimiter(config)

	for range 20 {
		limiter.HandleRateLimitedResponse()
		assert.LessOrEqual(t, limiter.BackoffDelay(), config.BackoffCap)
	}
}

type scriptedPool struct {
	responses []error
	calls     int
	closed    bool
}

func (p *scriptedPool) Execute(_ context.Context, _, _ string, _ map[string]any) (map[string]any, error) {
	var err error
	if p.calls < len(p.responses) {
		err = p.responses[p.calls]
	}

	p.calls++

	if err != nil {
		return nil, err
	}

	return map[string]any{"ok": true}, nil
}

func (p *scriptedPool) Close(_ context.Context) error {
	p.closed = true

	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastConfig() LimiterConfig {
	return LimiterConfig{
		Capacity:    10,
		RefillRate:  1000,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		Jitter:      0,
		MaxAttempts: 3,
	}
}

func TestLimitedPool_RetriesThrottledThenSucceeds(t *testing.T) {
	pool := &scriptedPool{responses: []error{ErrRateLimited, ErrRateLimited, nil}}
	limiter := NewLimiter(fastConfig())
	limited := &LimitedPool{pool: pool, limiter: limiter, logger: testLogger()}

	result, err := limited.Execute(t.Context(), "discovery_analyst", "classify assets", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)
	assert.Equal(t, 3, pool.calls)
	assert.Equal(t, 0, limiter.ConsecutiveFailures(), "success must reset the streak")
}

func TestLimitedPool_ExhaustsRetries(t *testing.T) {
	pool := &scriptedPool{responses: []error{ErrRateLimited, ErrRateLimited, ErrRateLimited}}
	limited := &LimitedPool{pool: pool, limiter: NewLimiter(fastConfig()), logger: testLogger()}

	_, err := limited.Execute(t.Context(), "discovery_analyst", "classify assets", nil)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, 3, pool.calls)
}

func TestLimitedPool_PassesThroughOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	pool := &scriptedPool{responses: []error{boom}}
	limited := &LimitedPool{pool: pool, limiter: NewLimiter(fastConfig()), logger: testLogger()}

	_, err := limited.Execute(t.Context(), "discovery_analyst", "classify assets", nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, pool.calls)
}

func TestManager_PoolPerTenant(t *testing.T) {
	created := 0
	factory := func(_ context.Context, _ models.TenantContext) (Pool, error) {
		created++

		return &scriptedPool{}, nil
	}

	manager := NewManager(testLogger(), factory, fastConfig())

	tenantA := models.TenantContext{ClientAccountID: "acct-a", EngagementID: "eng-a", UserID: "u"}
	tenantB := models.TenantContext{ClientAccountID: "acct-b", EngagementID: "eng-b", UserID: "u"}

	_, err := manager.ForTenant(t.Context(), tenantA)
	require.NoError(t, err)

	_, err = manager.ForTenant(t.Context(), tenantA)
	require.NoError(t, err)

	_, err = manager.ForTenant(t.Context(), tenantB)
	require.NoError(t, err)

	assert.Equal(t, 2, created, "one pool per tenant, reused on later calls")

	manager.Teardown(t.Context())

	_, err = manager.ForTenant(t.Context(), tenantA)
	require.NoError(t, err)
	assert.Equal(t, 3, created, "teardown drops pools; next use re-initializes")
}
