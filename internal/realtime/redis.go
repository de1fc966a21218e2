package realtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/analyst/internal/errors"
)

// RedisBroker fans change signals out across service instances through
// Redis pub/sub. Local delivery goes through an embedded LocalBroker fed by
// the pattern subscription.
type RedisBroker struct {
	client *redis.Client
	prefix string
	local  *LocalBroker
	pubsub *redis.PubSub
	done   chan struct{}
	logger zerolog.Logger
}

// NewRedisBroker subscribes to prefix* and starts the receive loop.
func NewRedisBroker(ctx context.Context, client *redis.Client, prefix string, logger zerolog.Logger) (*RedisBroker, error) {
	ps := client.PSubscribe(ctx, prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}
	b := &RedisBroker{
		client: client,
		prefix: prefix,
		local:  NewLocalBroker(),
		pubsub: ps,
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "redis-broker").Logger(),
	}
	go b.loop()
	return b, nil
}

func (b *RedisBroker) loop() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		topic := strings.TrimPrefix(msg.Channel, b.prefix)
		b.local.notify(topic)
	}
}

// Publish sends the signal through Redis. If Redis is unreachable the
// local subscribers are still woken.
func (b *RedisBroker) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, b.prefix+topic, "changed").Err(); err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("redis publish failed, notifying locally")
		b.local.notify(topic)
		return fmt.Errorf("%w: redis publish: %w", perrors.ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers for signals on topic.
func (b *RedisBroker) Subscribe(topic string) (<-chan struct{}, func()) {
	return b.local.Subscribe(topic)
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops the receive loop and closes local subscribers.
func (b *RedisBroker) Close() error {
	err := b.pubsub.Close()
	<-b.done
	b.local.Close()
	return err
}
