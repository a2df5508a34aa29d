package bus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisChannel = "wager:events"

// RedisBus publishes through Redis pub/sub so every instance can deliver to
// its own sockets. Events are delivered locally at once and skipped when
// they come back from Redis.
type RedisBus struct {
	client redis.UniversalClient
	local  *Hub
	origin string
}

func NewRedisBus(client redis.UniversalClient, local *Hub, origin string) *RedisBus {
	return &RedisBus{client: client, local: local, origin: origin}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ev.Origin = b.origin
	_ = b.local.Publish(ctx, ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisChannel, payload).Err()
}

// Run forwards remote events into the local hub until ctx is done.
func (b *RedisBus) Run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, redisChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("drop undecodable bus message")
				continue
			}
			if ev.Origin == b.origin {
				continue
			}
			_ = b.local.Publish(ctx, ev)
		}
	}
}
