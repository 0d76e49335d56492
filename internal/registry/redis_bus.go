package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
)

const redisDialTimeout = 5 * time.Second

// RedisBusConfig configures the Redis-backed bus.
type RedisBusConfig struct {
	Addr    string
	Channel string
}

// RedisBus broadcasts events through a Redis pub/sub channel so every process
// hosting subscribers sees the same stream. Delivery is at-least-once per
// connected process; Redis pub/sub does not queue for absent consumers, which
// matches the no-replay contract.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg RedisBusConfig, logger *zap.Logger) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "provisioner-events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: redisDialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, channel: cfg.Channel, logger: logger}, nil
}

// Publish marshals the event and publishes it on the configured channel.
func (b *RedisBus) Publish(ctx context.Context, evt progress.Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// StartForwarder subscribes to the channel and invokes onEvent for every
// well-formed message until ctx is canceled.
func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(progress.Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback is required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	// Receive confirms the subscription is live before we return.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					_ = sub.Close()
					return
				}
				var evt progress.Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.logger.Warn("dropping malformed bus payload", zap.Error(err))
					continue
				}
				onEvent(evt)
			}
		}
	}()
	return nil
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
