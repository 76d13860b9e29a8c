package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
)

// IndexCache implements domain.IndexCache using Redis hashes. Each series is
// stored as a hash at key "lifeperp:series:{name}" with fields "value" and
// "ts" (Unix nanosecond timestamp). Values are stored as decimal strings so
// the mirror is bit-exact with the aggregator's state.
type IndexCache struct {
	rdb *redis.Client
}

// NewIndexCache creates an IndexCache backed by the given Client.
func NewIndexCache(c *Client) *IndexCache {
	return &IndexCache{rdb: c.Underlying()}
}

func seriesKey(series string) string {
	return keyPrefix + "series:" + series
}

// SetValue stores the latest value and timestamp for a series.
func (ic *IndexCache) SetValue(ctx context.Context, series string, value decimal.Decimal, ts time.Time) error {
	key := seriesKey(series)
	fields := map[string]interface{}{
		"value": value.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := ic.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set series %s: %w", series, err)
	}
	return nil
}

// GetValue retrieves the latest value and timestamp for a series.
// It returns domain.ErrNoValue when the key does not exist.
func (ic *IndexCache) GetValue(ctx context.Context, series string) (decimal.Decimal, time.Time, error) {
	key := seriesKey(series)
	vals, err := ic.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get series %s: %w", series, err)
	}
	if len(vals) == 0 {
		return decimal.Zero, time.Time{}, domain.ErrNoValue
	}

	valueStr, ok := vals["value"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNoValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse series value %s: %w", series, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNoValue
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse series ts %s: %w", series, err)
	}

	return value, time.Unix(0, tsNano).UTC(), nil
}

// Compile-time interface check.
var _ domain.IndexCache = (*IndexCache)(nil)
