package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/novafund/lifeperp/internal/domain"
)

// Watcher subscribes to engine event channels on the signal bus and turns
// operator-relevant events into notifications. Filtering by event type is
// delegated to the Notifier.
type Watcher struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_watcher")),
	}
}

// Run consumes the positions and feed channels until the context is
// cancelled. It blocks; run it in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	positions, err := w.bus.Subscribe(ctx, domain.ChannelPositions)
	if err != nil {
		return fmt.Errorf("notify: subscribe positions: %w", err)
	}
	feed, err := w.bus.Subscribe(ctx, domain.ChannelFeed)
	if err != nil {
		return fmt.Errorf("notify: subscribe feed: %w", err)
	}

	w.logger.InfoContext(ctx, "watching engine events")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-positions:
			if !ok {
				return fmt.Errorf("notify: positions channel closed")
			}
			w.handle(ctx, payload)
		case payload, ok := <-feed:
			if !ok {
				return fmt.Errorf("notify: feed channel closed")
			}
			w.handle(ctx, payload)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, payload []byte) {
	var evt domain.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		w.logger.WarnContext(ctx, "unparseable event payload",
			slog.String("error", err.Error()),
		)
		return
	}

	title, message, ok := render(evt)
	if !ok {
		return
	}
	if err := w.notifier.Notify(ctx, evt.Type, title, message); err != nil {
		w.logger.ErrorContext(ctx, "notification failed",
			slog.String("event", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}

// render maps an event to an alert title and body. Events without an
// operator-facing rendering are dropped.
func render(evt domain.Event) (title, message string, ok bool) {
	ts := evt.At.UTC().Format(time.RFC3339)
	switch evt.Type {
	case domain.EventPositionLiquidated:
		return "Position liquidated",
			fmt.Sprintf("position %v (account %v) liquidated at %s; payout %v, penalty %v",
				evt.Fields["position_id"], evt.Fields["account"], ts,
				evt.Fields["payout"], evt.Fields["penalty"]),
			true
	case domain.EventBreakerTripped:
		return "Circuit breaker tripped",
			fmt.Sprintf("index feed breaker tripped at %s; reads are refused until reset", ts),
			true
	case domain.EventBreakerReset:
		return "Circuit breaker reset",
			fmt.Sprintf("index feed breaker reset at %s; feed is live again", ts),
			true
	default:
		return "", "", false
	}
}
