package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dropnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRelayChannel = "dropnet:signal"

var ErrAlreadySubscribed = errors.New("relay already subscribed")

// RedisSignalRelay fans signaling envelopes out to every replica over Redis
// pub/sub. Delivery is at most once; envelopes published while a replica is
// not subscribed are lost.
type RedisSignalRelay struct {
	client  *redis.Client
	channel string
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.SignalRelay = (*RedisSignalRelay)(nil)

func NewRedisSignalRelay(client *redis.Client, channel string, logger *zap.SugaredLogger) *RedisSignalRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisSignalRelay{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

func (r *RedisSignalRelay) Publish(ctx context.Context, envelope []byte) error {
	if err := r.client.Publish(ctx, r.channel, envelope).Err(); err != nil {
		return fmt.Errorf("failed to publish signal envelope: %w", err)
	}
	return nil
}

// Subscribe blocks until ctx is done or the subscription is closed.
func (r *RedisSignalRelay) Subscribe(ctx context.Context, handle func(envelope []byte)) error {
	r.mu.Lock()
	if r.pubsub != nil {
		r.mu.Unlock()
		return ErrAlreadySubscribed
	}
	pubsub := r.client.Subscribe(ctx, r.channel)
	r.pubsub = pubsub
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.pubsub = nil
		r.mu.Unlock()
		pubsub.Close()
	}()

	// Wait for the subscription to be confirmed so that nothing published
	// after Subscribe returns control to the server is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Infow("signal relay subscribed", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle([]byte(msg.Payload))
		}
	}
}

// Close ends an active subscription.
func (r *RedisSignalRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return r.pubsub.Close()
	}
	return nil
}
