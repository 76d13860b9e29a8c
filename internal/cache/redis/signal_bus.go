package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/novafund/lifeperp/internal/domain"
)

// subscriberBuffer bounds the per-subscription delivery channel. A consumer
// that stalls longer than the buffer absorbs drops messages rather than
// backing up the engines; every event is also in the audit trail.
const subscriberBuffer = 128

// SignalBus implements domain.SignalBus over Redis Pub/Sub. The risk,
// funding and liquidation engines publish outcome events on it; the
// WebSocket hub and the notification watcher subscribe, and reporters can
// push observations on domain.ChannelReports for the feed listener.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

func channelKey(channel string) string {
	return keyPrefix + channel
}

// Publish sends a payload to a bus channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channelKey(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on a bus channel and returns a read-only
// channel of payloads. Glob-style names ("positions*") subscribe by pattern.
// Cancelling the context tears the subscription down and closes the
// returned channel.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.rdb.PSubscribe(ctx, channelKey(channel))
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channelKey(channel))
	}

	// Redis confirms the subscription with a first control message; wait
	// for it so callers never publish into a not-yet-established channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// hasPattern reports whether the channel name carries glob wildcards, which
// require PSubscribe instead of Subscribe.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

var _ domain.SignalBus = (*SignalBus)(nil)
