package invalidation

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const defaultChannel = "metamcp:invalidation"

// RedisBroadcaster propagates Events to every other process instance
// sharing the same Redis deployment, so pool invalidation stays coherent
// across a horizontally-scaled fleet.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisBroadcaster dials addr; channel defaults to "metamcp:invalidation"
// when empty.
func NewRedisBroadcaster(addr, channel string) (*RedisBroadcaster, error) {
	if channel == "" {
		channel = defaultChannel
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisBroadcaster{client: client, channel: channel}, nil
}

// Publish implements Broadcaster.
func (b *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe applies every Event received on the channel to router via
// Apply (never Dispatch, to avoid re-broadcasting a loop). It starts its
// own receiving goroutine and returns at once; the returned func stops the
// subscription and waits for that goroutine to finish.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, router *Router) func() {
	sub := b.client.Subscribe(ctx, b.channel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("invalidation_broadcast_decode_failed")
				continue
			}
			router.Apply(ctx, ev)
		}
	}()
	return func() {
		_ = sub.Close()
		<-done
	}
}

// Close releases the underlying Redis client.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
