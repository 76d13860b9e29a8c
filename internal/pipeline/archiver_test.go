package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 3 1 * *", false},
		{"* * * * *", false},
		{"0,30 */na", true}, // wrong field count
		{"0 3 1 *", true},
		{"0 3 1 * * *", true},
		{"x 3 1 * *", true},
		{"1,15 0 * * *", false},
	}
	for _, tt := range tests {
		_, err := parseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestCronFieldMatches(t *testing.T) {
	wild, err := parseCronField("*")
	if err != nil {
		t.Fatalf("parse wildcard: %v", err)
	}
	if !wild.matches(0) || !wild.matches(59) {
		t.Error("wildcard must match everything")
	}

	list, err := parseCronField("1,15")
	if err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if !list.matches(1) || !list.matches(15) {
		t.Error("list must match its members")
	}
	if list.matches(2) {
		t.Error("list must not match other values")
	}
}

func TestNextCronTime(t *testing.T) {
	// 2026-03-15 10:30:45 UTC, a Sunday.
	after := time.Date(2026, 3, 15, 10, 30, 45, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 15, 10, 31, 0, 0, time.UTC)},
		{"0 11 * * *", time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC)},
		{"0 3 1 * *", time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)},
		{"45 10 * * *", time.Date(2026, 3, 16, 10, 45, 0, 0, time.UTC)},
		// Day-of-week 1 is Monday.
		{"0 0 * * 1", time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := nextCronTime(tt.expr, after)
		if err != nil {
			t.Errorf("nextCronTime(%q): %v", tt.expr, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("nextCronTime(%q) = %s, want %s", tt.expr, got, tt.want)
		}
	}

	if _, err := nextCronTime("bad", after); err == nil {
		t.Error("invalid expression accepted")
	}
	// A date that never occurs exhausts the one-year search window.
	if _, err := nextCronTime("0 0 31 2 *", after); err == nil {
		t.Error("impossible schedule accepted")
	}
}

// fakeBlobArchiver records cutoffs passed to each archive call.
type fakeBlobArchiver struct {
	cutoffs []time.Time
	fail    bool
}

func (f *fakeBlobArchiver) ArchiveClosedPositions(_ context.Context, cutoff time.Time) (int64, error) {
	if f.fail {
		return 0, errors.New("boom")
	}
	f.cutoffs = append(f.cutoffs, cutoff)
	return 3, nil
}

func (f *fakeBlobArchiver) ArchiveFundingEpochs(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2, nil
}

func (f *fakeBlobArchiver) ArchiveAuditLog(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1, nil
}

func TestArchiverRun(t *testing.T) {
	fake := &fakeBlobArchiver{}
	a := NewArchiver(fake, 90, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fake.cutoffs) != 3 {
		t.Fatalf("got %d archive calls, want 3", len(fake.cutoffs))
	}
	wantCutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	for _, c := range fake.cutoffs {
		if d := c.Sub(wantCutoff); d < -time.Minute || d > time.Minute {
			t.Errorf("cutoff %s not near %s", c, wantCutoff)
		}
	}
}

func TestArchiverRunPropagatesFailure(t *testing.T) {
	fake := &fakeBlobArchiver{fail: true}
	a := NewArchiver(fake, 90, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
