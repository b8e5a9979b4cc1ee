package subscription

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"worklenz-progress/api"
)

// SubscribeUpdates listens on the progress pub/sub channel and hands
// every event to the local broker. Broadcasts published by any instance
// (this one included) reach the sessions connected here through this
// bridge. The subscription reconnects with a short delay when the
// channel closes.
func SubscribeUpdates(ctx context.Context, rc *redis.Client, channel string, dispatch func(api.Envelope)) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				var env api.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.WithError(err).Error("unable to parse progress update")
					continue
				}
				if env.Room == "" {
					log.WithField("event", env.Event).Warn("progress update without room - dropping")
					continue
				}
				dispatch(env)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.Error("progress pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
