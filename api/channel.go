package api

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Channel implements domain.ProgressChannel on top of the local broker
// and a Redis pub/sub channel. Broadcasts go through Redis so every
// running instance (this one included, via the subscription bridge)
// delivers them to its connected sessions; direct emits stay local
// because sessions are pinned to the instance holding their stream.
type Channel struct {
	broker  *Broker
	redis   *redis.Client
	channel string
}

func NewChannel(broker *Broker, rc *redis.Client, channel string) *Channel {
	return &Channel{broker: broker, redis: rc, channel: channel}
}

func (c *Channel) Emit(ctx context.Context, sessionID, event string, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	// A session connected elsewhere still receives the room broadcast;
	// dropping the direct emit here keeps delivery at-most-once.
	c.broker.Send(sessionID, Envelope{Event: event, Data: data})
	return nil
}

func (c *Channel) Broadcast(ctx context.Context, room, event string, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Event: event, Room: room, Data: data}
	if c.redis == nil {
		c.broker.Dispatch(env)
		return nil
	}
	wire, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	return c.redis.Publish(ctx, c.channel, wire).Err()
}
