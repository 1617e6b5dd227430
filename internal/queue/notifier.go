package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// DefaultWakeupChannel carries enqueue notifications to idle dispatchers.
const DefaultWakeupChannel = "harvester:jobs:ready"

// Notifier announces newly visible jobs. Delivery is best effort; dispatchers also poll.
type Notifier interface {
	Notify(ctx context.Context, job *domain.Job) error
}

// Wakeup is the message published for each enqueued job.
type Wakeup struct {
	JobID     string         `json:"job_id"`
	Type      domain.JobType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
}

// RedisNotifier publishes and receives wake-ups over Redis Pub/Sub.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	log     logger.Logger
}

// NewRedisNotifier creates a notifier on channel. An empty channel uses DefaultWakeupChannel.
func NewRedisNotifier(client *redis.Client, channel string, log logger.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultWakeupChannel
	}
	return &RedisNotifier{client: client, channel: channel, log: log.With(logger.Component("queue-notifier"))}
}

// Notify publishes a wake-up for job.
func (n *RedisNotifier) Notify(ctx context.Context, job *domain.Job) error {
	msg, err := json.Marshal(Wakeup{JobID: job.ID, Type: job.Type, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, msg).Err()
}

// Listen subscribes to the wake-up channel. The returned channel receives a signal per
// message, coalesced when the reader is busy, and closes when ctx ends.
func (n *RedisNotifier) Listen(ctx context.Context) (<-chan struct{}, error) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer func() {
			if closeErr := pubsub.Close(); closeErr != nil {
				n.log.Debug("Closing wake-up subscription failed", logger.Error(closeErr))
			}
		}()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake, nil
}
