package gateway

import (
	"context"
	"encoding/json"

	goredis "github.com/go-redis/redis/v8"
)

// SeriesEvents is the Redis side of series refresh announcements.
// *redis.SeriesStore implements it.
type SeriesEvents interface {
	SubscribeAll(ctx context.Context) *goredis.PubSub
	ChannelKey(channel string) string
}

// Run forwards series refresh announcements to the sessions showing the
// series. Blocks until ctx is cancelled; returns at once without Events.
func (h *Hub) Run(ctx context.Context) {
	if h.deps.Events == nil {
		return
	}
	pubsub := h.deps.Events.SubscribeAll(ctx)
	defer pubsub.Close()

	h.log.Info("subscribed to series announcements")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.notifySeries(h.deps.Events.ChannelKey(msg.Channel), []byte(msg.Payload))
		}
	}
}

// rawJSON passes valid JSON through untouched and drops anything else.
func rawJSON(b []byte) json.RawMessage {
	if !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
