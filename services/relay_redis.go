package services

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisRelay fans signals out over a Redis pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client, channel: relayChannel}
}

func (r *RedisRelay) Publish(ctx context.Context, msg RelayMessage) error {
	data, err := encodeRelayMessage(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed; messages are handled
// on a separate goroutine.
func (r *RedisRelay) Subscribe(ctx context.Context, handler func(RelayMessage)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decodeRelayMessage([]byte(m.Payload))
				if err != nil {
					log.Warn().Err(err).Msg("dropping malformed relay message")
					continue
				}
				handler(msg)
			}
		}
	}()

	log.Info().Str("channel", r.channel).Msg("subscribed to redis relay")
	return nil
}

// Close is a no-op; the Redis client is owned by main.
func (r *RedisRelay) Close() error {
	return nil
}
