package harvester

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSeenTTL bounds how long an ingested post is remembered in Redis.
const DefaultSeenTTL = 30 * 24 * time.Hour

// SeenSet is a fast pre-filter for posts already ingested. It may forget entries;
// the database stays authoritative.
type SeenSet interface {
	Seen(ctx context.Context, sourceID string, nativeIDs []string) (map[string]struct{}, error)
	Mark(ctx context.Context, sourceID string, nativeIDs []string) error
}

// RedisSeenSet keeps one key per post: harvester:seen:<source>:<native>.
type RedisSeenSet struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSeenSet creates a seen-set whose entries expire after ttl.
func NewRedisSeenSet(client *redis.Client, ttl time.Duration) *RedisSeenSet {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &RedisSeenSet{client: client, ttl: ttl}
}

func seenKey(sourceID, nativeID string) string {
	return "harvester:seen:" + sourceID + ":" + nativeID
}

// Seen returns the subset of nativeIDs recorded for sourceID.
func (s *RedisSeenSet) Seen(ctx context.Context, sourceID string, nativeIDs []string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	if len(nativeIDs) == 0 {
		return seen, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(nativeIDs))
	for i, id := range nativeIDs {
		cmds[i] = pipe.Exists(ctx, seenKey(sourceID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("seen-set lookup: %w", err)
	}

	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			seen[nativeIDs[i]] = struct{}{}
		}
	}
	return seen, nil
}

// Mark records nativeIDs for sourceID.
func (s *RedisSeenSet) Mark(ctx context.Context, sourceID string, nativeIDs []string) error {
	if len(nativeIDs) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, id := range nativeIDs {
		pipe.Set(ctx, seenKey(sourceID, id), 1, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seen-set mark: %w", err)
	}
	return nil
}
