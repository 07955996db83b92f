package cmd

import (
	"context"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/relokate/masterflow/pkg/locks"
)

// NewFlowLocker creates a flow locker. A non-empty Redis URL selects the
// distributed locker; otherwise locking is process-local, which is only
// correct for single-node deployments.
func NewFlowLocker(ctx context.Context, logger *slog.Logger, redisURL string) locks.FlowLocker {
	if redisURL == "" {
		logger.WarnContext(ctx, "Using process-local flow locks; run a single node or configure REDIS_URL")

		return locks.NewLocal()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("failed to parse Redis URL: %w", err))
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		panic(fmt.Errorf("failed to connect to Redis: %w", err))
	}

	return locks.NewRedis(client)
}
