package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	infraredis "github.com/jonesrussell/north-cloud/harvester/infrastructure/redis"
)

// SetupRedis connects the client used for job wake-ups and the harvester seen-set.
func SetupRedis(ctx context.Context, deps *CommandDeps) (*goredis.Client, error) {
	client, err := infraredis.NewClient(ctx, deps.Config.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	deps.Logger.Info("Connected to redis", logger.String("address", deps.Config.Redis.Address))
	return client, nil
}

// SetupOptionalRedis is SetupRedis for commands that work without Redis. It logs
// the failure and returns nil.
func SetupOptionalRedis(ctx context.Context, deps *CommandDeps) *goredis.Client {
	client, err := SetupRedis(ctx, deps)
	if err != nil {
		deps.Logger.Warn("Redis unavailable, continuing without wake-ups", logger.Error(err))
		return nil
	}
	return client
}
