package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Series names used with IndexCache.
const (
	SeriesIndex = "index" // accepted lifespan index value
	SeriesMark  = "mark"  // market reference execution price
)

// IndexCache mirrors the latest accepted value of a series for fast
// read-only consumers. The aggregator remains the source of truth.
type IndexCache interface {
	SetValue(ctx context.Context, series string, value decimal.Decimal, ts time.Time) error
	GetValue(ctx context.Context, series string) (decimal.Decimal, time.Time, error)
}

// SignalBus carries outcome events from the engines to their consumers
// (WebSocket hub, notification watcher) and inbound reports to the feed
// listener. Channel names are the Channel* constants in events.go.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter provides distributed rate limiting. The aggregator throttles
// per-reporter submissions with it and the HTTP server throttles per-client
// request rates.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking for cross-process exclusion on
// account-mutating operations.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
