package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/novafund/lifeperp/internal/domain"
)

type fakeSettler struct {
	calls atomic.Int64
}

func (f *fakeSettler) SettleFunding(context.Context) (domain.FundingEpoch, error) {
	f.calls.Add(1)
	return domain.FundingEpoch{ID: f.calls.Load(), PositionsSettled: 1}, nil
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestSettlementRunnerTicks(t *testing.T) {
	settler := &fakeSettler{}
	r := NewSettlementRunner(settler, nil, 10*time.Millisecond,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("run: %v", err)
	}
	if settler.calls.Load() == 0 {
		t.Error("no settlement ticks ran")
	}
}

func TestSettlementRunnerSkipsWhenLockHeld(t *testing.T) {
	settler := &fakeSettler{}
	r := NewSettlementRunner(settler, heldLocks{}, 10*time.Millisecond,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)
	if n := settler.calls.Load(); n != 0 {
		t.Errorf("settled %d times while the lock was held elsewhere", n)
	}
}

func TestSettlementRunnerRejectsZeroInterval(t *testing.T) {
	r := NewSettlementRunner(&fakeSettler{}, nil, 0,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
