// Package agents defines the contract with the external LLM agent pool and
// the per-tenant guards (rate limiter, pool lifecycle) around it.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relokate/masterflow/pkg/models"
)

var (
	// ErrRateLimited is returned by a pool when the upstream throttles the
	// call (HTTP 429 equivalent). The limiter backs off and retries.
	ErrRateLimited = errors.New("agent pool rate limited")

	// ErrRateLimitExceeded is returned once the bounded retries around a
	// throttled pool are exhausted. The engine treats it as a retryable
	// phase failure, not a flow failure.
	ErrRateLimitExceeded = errors.New("agent pool rate limit retries exhausted")
)

// Pool executes one agent task with bounded latency. Pools are tenant-scoped
// and must be initialized once per (client, engagement) pair before use.
type Pool interface {
	Execute(ctx context.Context, agentType, taskDescription string, taskContext map[string]any) (map[string]any, error)
	Close(ctx context.Context) error
}

// PoolFactory builds a pool for one tenant. Supplied by the integration
// layer; the orchestration core never constructs provider clients itself.
type PoolFactory func(ctx context.Context, tenant models.TenantContext) (Pool, error)

type tenantKey struct {
	clientAccountID string
	engagementID    string
}

type tenantEntry struct {
	pool    Pool
	limiter *Limiter
}

// Manager owns one pool and one rate limiter per tenant. Explicitly
// constructed and passed down; never a process-wide singleton.
type Manager struct {
	mu      sync.Mutex
	factory PoolFactory
	logger  *slog.Logger
	config  LimiterConfig
	tenants map[tenantKey]*tenantEntry
}

// NewManager creates a pool manager using the given factory and limiter
// configuration for every tenant.
func NewManager(logger *slog.Logger, factory PoolFactory, config LimiterConfig) *Manager {
	return &Manager{
		factory: factory,
		logger:  logger,
		config:  config,
		tenants: make(map[tenantKey]*tenantEntry),
	}
}

// ForTenant returns the tenant's pool wrapped in its shared rate limiter,
// initializing both on first use.
func (m *Manager) ForTenant(ctx context.Context, tenant models.TenantContext) (*LimitedPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantKey{clientAccountID: tenant.ClientAccountID, engagementID: tenant.EngagementID}

	entry, ok := m.tenants[key]
	if !ok {
		pool, err := m.factory(ctx, tenant)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize agent pool for tenant %s/%s: %w",
				tenant.ClientAccountID, tenant.EngagementID, err)
		}

		entry = &tenantEntry{pool: pool, limiter: NewLimiter(m.config)}
		m.tenants[key] = entry

		m.logger.InfoContext(ctx, "Initialized agent pool",
			"client_account_id", tenant.ClientAccountID,
			"engagement_id", tenant.EngagementID)
	}

	return &LimitedPool{pool: entry.pool, limiter: entry.limiter, logger: m.logger}, nil
}

// Teardown closes every tenant pool. Called on shutdown.
func (m *Manager) Teardown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.tenants {
		err := entry.pool.Close(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to close agent pool",
				"client_account_id", key.clientAccountID, "error", err)
		}

		delete(m.tenants, key)
	}
}

// LimitedPool is a Pool guarded by the tenant's token bucket. On upstream
// throttling it backs off and retries a bounded number of times before
// surfacing ErrRateLimitExceeded.
type LimitedPool struct {
	pool    Pool
	limiter *Limiter
	logger  *slog.Logger
}

// Execute acquires a token, runs the task, and handles 429-style responses
// through the limiter's backoff.
func (p *LimitedPool) Execute(ctx context.Context, agentType, taskDescription string, taskContext map[string]any) (map[string]any, error) {
	attempts := p.limiter.config.MaxAttempts

	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.limiter.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		result, err := p.pool.Execute(ctx, agentType, taskDescription, taskContext)
		if err == nil {
			p.limiter.ResetOnSuccess()

			return result, nil
		}

		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}

		p.limiter.HandleRateLimitedResponse()
		p.logger.WarnContext(ctx, "Agent pool throttled, backing off",
			"agent_type", agentType, "attempt", attempt, "backoff", p.limiter.BackoffDelay())
	}

	return nil, ErrRateLimitExceeded
}
