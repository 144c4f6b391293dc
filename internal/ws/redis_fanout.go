package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telechat/internal/chat"
)

const deliveriesChannel = "chat:deliveries"

// errNoSubscribers means not even this instance's subscriber received the
// delivery, so the caller has to deliver locally.
var errNoSubscribers = errors.New("fanout: no subscribers on " + deliveriesChannel)

// RedisFanout publishes deliveries on one Redis channel; every instance
// subscribes and delivers to the member connections it holds.
type RedisFanout struct {
	rdb *redis.Client
}

var _ chat.Fanout = (*RedisFanout)(nil)

func NewRedisFanout(rdb *redis.Client) *RedisFanout { return &RedisFanout{rdb: rdb} }

func (f *RedisFanout) Publish(ctx context.Context, d chat.Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	n, err := f.rdb.Publish(ctx, deliveriesChannel, string(payload)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoSubscribers
	}
	return nil
}

// Run fans‑out deliveries coming from any instance to the local supervisor
// until ctx is done.
func (f *RedisFanout) Run(ctx context.Context, deliver func(chat.Delivery) int) {
	pubsub := f.rdb.Subscribe(ctx, deliveriesChannel)
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
			d, err := decodeDelivery(m.Payload)
			if err != nil {
				zap.L().Warn("ws.fanout_decode", zap.Error(err))
				continue
			}
			deliver(d)
		}
	}
}

func decodeDelivery(payload string) (chat.Delivery, error) {
	var d chat.Delivery
	err := json.Unmarshal([]byte(payload), &d)
	return d, err
}
