package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus routes deliveries through a Redis pub/sub channel. Presence and
// room state stay in the publishing process; Redis only orders and carries
// the encoded events back to the hub.
type RedisBus struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
	log     *slog.Logger
}

// NewRedisBus subscribes before returning so no publish can be missed.
func NewRedisBus(ctx context.Context, client *redis.Client, channel string, log *slog.Logger) (*RedisBus, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &RedisBus{client: client, channel: channel, pubsub: pubsub, log: log}, nil
}

func (b *RedisBus) Publish(ctx context.Context, d Delivery) error {
	if d.Empty() {
		return nil
	}
	data, err := Encode(d)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Run(ctx context.Context, handle Handler) error {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			d, err := Decode([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("dropping malformed delivery", "channel", msg.Channel, "err", err)
				continue
			}
			handle(d)
		}
	}
}

// Close unsubscribes and releases the client.
func (b *RedisBus) Close() error {
	return errors.Join(b.pubsub.Close(), b.client.Close())
}

func Encode(d Delivery) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode delivery: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Delivery, error) {
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return Delivery{}, fmt.Errorf("decode delivery: %w", err)
	}
	if len(d.Payload) == 0 {
		return Delivery{}, fmt.Errorf("decode delivery: empty payload")
	}
	return d, nil
}
