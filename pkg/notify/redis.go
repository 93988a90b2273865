package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "loan-events"

// RedisNotifier publishes events as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier connects to addr. When addr is empty or the server does not
// answer a ping, it logs a warning and returns nil so callers can fall back to
// Nop.
func NewRedisNotifier(ctx context.Context, addr, channel string, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		logger.Warn("REDIS_ADDR is not set, loan events will not be published to redis")
		return nil
	}
	if channel == "" {
		channel = DefaultChannel
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		logger.Error("failed to connect to redis", "addr", addr, "error", err)
		client.Close()
		return nil
	}

	logger.Info("connected to redis", "addr", addr, "channel", channel)
	return &RedisNotifier{client: client, channel: channel}
}

// NewRedisNotifierFromClient wraps an existing client without pinging it.
func NewRedisNotifierFromClient(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) Notify(ctx context.Context, ev DomainEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Action, err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event for loan %s: %w", ev.Action, ev.LoanID, err)
	}
	return nil
}

// Channel is the pub/sub channel events are published on.
func (r *RedisNotifier) Channel() string { return r.channel }

func (r *RedisNotifier) Close() error {
	return r.client.Close()
}
