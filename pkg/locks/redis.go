package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/relokate/masterflow/pkg/models"
)

const (
	defaultLockTTL       = 5 * time.Minute
	defaultRetryInterval = 250 * time.Millisecond
)

// releaseScript deletes the key only when it still holds our token, so an
// expired-and-reacquired lock is never released by the previous holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Redis is a distributed flow locker for multi-node deployments, built on
// SET NX PX with ownership-checked release. The TTL bounds how long a
// crashed worker can hold a flow hostage.
type Redis struct {
	client        redis.UniversalClient
	keyPrefix     string
	ttl           time.Duration
	retryInterval time.Duration
}

// NewRedis creates a Redis-backed flow locker.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{
		client:        client,
		keyPrefix:     "masterflow:lock:",
		ttl:           defaultLockTTL,
		retryInterval: defaultRetryInterval,
	}
}

// Acquire polls SET NX until the lock is taken or the context is done.
func (r *Redis) Acquire(ctx context.Context, id models.InternalFlowID) (Release, error) {
	key := r.keyPrefix + id.String()
	token := uuid.NewString()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire flow lock %s: %w", id, err)
		}

		if ok {
			break
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once

	release := func() {
		once.Do(func() {
			// Release must not inherit a cancelled request context.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = r.client.Eval(releaseCtx, releaseScript, []string{key}, token).Err()
		})
	}

	return release, nil
}
