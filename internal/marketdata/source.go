package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
)

// CacheSource reads the mark price the ticker client mirrored into the
// shared cache. A price older than maxAge is treated as unusable.
type CacheSource struct {
	cache  domain.IndexCache
	maxAge time.Duration
}

var _ domain.MarkPriceSource = (*CacheSource)(nil)

// NewCacheSource creates a CacheSource. maxAge <= 0 disables the staleness
// check.
func NewCacheSource(cache domain.IndexCache, maxAge time.Duration) *CacheSource {
	return &CacheSource{cache: cache, maxAge: maxAge}
}

// MarkPrice returns the latest cached mark price and its timestamp.
func (s *CacheSource) MarkPrice(ctx context.Context) (decimal.Decimal, time.Time, error) {
	price, ts, err := s.cache.GetValue(ctx, domain.SeriesMark)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("marketdata: mark price: %w", err)
	}
	if s.maxAge > 0 && time.Since(ts) > s.maxAge {
		return decimal.Zero, time.Time{}, fmt.Errorf("marketdata: mark price at %s: %w", ts.Format(time.RFC3339), domain.ErrStale)
	}
	return price, ts, nil
}

// ManualSource is an in-memory mark price set directly by the caller. Used
// in simulation mode and in tests, where no venue feed exists.
type ManualSource struct {
	mu    sync.RWMutex
	price decimal.Decimal
	at    time.Time
}

var _ domain.MarkPriceSource = (*ManualSource)(nil)

// NewManualSource creates a ManualSource with no price set.
func NewManualSource() *ManualSource {
	return &ManualSource{}
}

// Set records the mark price.
func (s *ManualSource) Set(price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.at = at
}

// MarkPrice returns the last recorded price, or ErrNoValue if none was set.
func (s *ManualSource) MarkPrice(ctx context.Context) (decimal.Decimal, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.at.IsZero() {
		return decimal.Zero, time.Time{}, fmt.Errorf("marketdata: mark price: %w", domain.ErrNoValue)
	}
	return s.price, s.at, nil
}
