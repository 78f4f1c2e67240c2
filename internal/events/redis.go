package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"OutcomeSentinel/internal/config"
)

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisBus publishes events as JSON on a Redis channel. Run consumes the
// channel and hands events to local subscribers, so producers in other
// processes can trigger reactions here.
type RedisBus struct {
	client  *redis.Client
	channel string
	local   *LocalBus
	logger  *zap.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisBus creates a bus on channel. Call Run to consume it.
func NewRedisBus(client *redis.Client, channel string, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		local:   NewLocalBus(logger),
		logger:  logger.Named("events.redis"),
		ready:   make(chan struct{}),
	}
}

func (b *RedisBus) Subscribe(h Handler) {
	b.local.Subscribe(h)
}

// Publish sends evt to the channel.
func (b *RedisBus) Publish(ctx context.Context, evt PredictionCompleted) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	return nil
}

// Ready is closed once Run has an active subscription.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Run consumes the channel until ctx is cancelled. Handler errors are
// logged by the local bus and do not stop consumption.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("listening for completed predictions", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt PredictionCompleted
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Warn("dropping malformed event", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			_ = b.local.Publish(ctx, evt)
		}
	}
}
