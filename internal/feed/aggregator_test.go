package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/crypto"
	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() domain.FeedPolicy {
	return domain.FeedPolicy{
		MinValid:                  dec("1"),
		MaxValid:                  dec("150"),
		MaxCrossReporterDeviation: dec("0.1"),
		MinReputableReporters:     1,
		ReputationThreshold:       dec("0.5"),
		GlobalHeartbeat:           time.Hour,
		BreakerCooldown:           10 * time.Minute,
	}
}

func testReporter(id string) domain.Reporter {
	return domain.Reporter{
		ID:                 id,
		Active:             true,
		Heartbeat:          time.Hour,
		DeviationThreshold: dec("0.05"),
		Reputation:         dec("1"),
	}
}

func newAggregator(t *testing.T, reporters ...domain.Reporter) *Aggregator {
	t.Helper()
	a := New(testPolicy(), Options{}, discard())
	for _, r := range reporters {
		if err := a.AddReporter(context.Background(), r); err != nil {
			t.Fatalf("add reporter %s: %v", r.ID, err)
		}
	}
	return a
}

func submit(a *Aggregator, id, value string, now time.Time) error {
	return a.SubmitReport(context.Background(), domain.Report{
		ReporterID: id,
		Value:      dec(value),
		At:         now,
	}, now)
}

func TestSubmitRejectsUnknownAndInactive(t *testing.T) {
	now := time.Now().UTC()
	inactive := testReporter("r2")
	inactive.Active = false
	a := newAggregator(t, testReporter("r1"), inactive)

	if err := submit(a, "ghost", "100", now); !errors.Is(err, domain.ErrReporterUnknown) {
		t.Errorf("unknown reporter: got %v", err)
	}
	if err := submit(a, "r2", "100", now); !errors.Is(err, domain.ErrReporterInactive) {
		t.Errorf("inactive reporter: got %v", err)
	}
}

func TestSubmitRejectsOutOfRange(t *testing.T) {
	now := time.Now().UTC()
	a := newAggregator(t, testReporter("r1"))

	if err := submit(a, "r1", "0.5", now); !errors.Is(err, domain.ErrOutOfRange) {
		t.Errorf("below min: got %v", err)
	}
	if err := submit(a, "r1", "151", now); !errors.Is(err, domain.ErrOutOfRange) {
		t.Errorf("above max: got %v", err)
	}
	if _, err := a.ReadValue(now); !errors.Is(err, domain.ErrNoValue) {
		t.Errorf("rejected reports must not advance the value: got %v", err)
	}
}

func TestFirstReportAcceptedWithoutDeviationCheck(t *testing.T) {
	now := time.Now().UTC()
	a := newAggregator(t, testReporter("r1"))

	if err := submit(a, "r1", "100", now); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	got, err := a.ReadValue(now)
	if err != nil {
		t.Fatalf("read value: %v", err)
	}
	if !got.Equal(dec("100")) {
		t.Errorf("accepted = %s, want 100", got)
	}
}

func TestSubmitRejectsDeviationAndDecaysReputation(t *testing.T) {
	now := time.Now().UTC()
	a := newAggregator(t, testReporter("r1"))
	if err := submit(a, "r1", "100", now); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// 10% jump against a 5% per-reporter threshold.
	err := submit(a, "r1", "110", now.Add(time.Second))
	if !errors.Is(err, domain.ErrDeviationExceeded) {
		t.Fatalf("expected ErrDeviationExceeded, got %v", err)
	}

	got, err := a.ReadValue(now.Add(time.Second))
	if err != nil {
		t.Fatalf("read value: %v", err)
	}
	if !got.Equal(dec("100")) {
		t.Errorf("accepted moved to %s on a rejected report", got)
	}

	var rep domain.Reporter
	for _, r := range a.Reporters() {
		if r.ID == "r1" {
			rep = r
		}
	}
	// Seed report: 1*0.99+0.01 = 1. Rejected attempt decays to 0.95 and
	// still counts toward the total.
	if !rep.Reputation.Equal(dec("0.95")) {
		t.Errorf("reputation = %s, want 0.95", rep.Reputation)
	}
	if rep.TotalReports != 2 {
		t.Errorf("total reports = %d, want 2", rep.TotalReports)
	}
	if rep.SuccessfulReports != 1 {
		t.Errorf("successful reports = %d, want 1", rep.SuccessfulReports)
	}
}

func TestSubmitRejectsLowReputation(t *testing.T) {
	now := time.Now().UTC()
	low := testReporter("r1")
	low.Reputation = dec("0.5")
	// A second reporter keeps the quorum satisfied so the breaker stays
	// out of the picture.
	a := newAggregator(t, low, testReporter("r2"))
	if err := submit(a, "r2", "100", now); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Deviation 4% sits between threshold/2 and threshold: accepted values
	// at that distance still decay reputation, and 0.5*0.95 falls below
	// the 0.5 policy floor.
	err := submit(a, "r1", "104", now.Add(time.Second))
	if !errors.Is(err, domain.ErrLowReputation) {
		t.Fatalf("expected ErrLowReputation, got %v", err)
	}
	got, readErr := a.ReadValue(now.Add(time.Second))
	if readErr != nil {
		t.Fatalf("read value: %v", readErr)
	}
	if !got.Equal(dec("100")) {
		t.Errorf("accepted moved to %s on a rejected report", got)
	}
}

func TestReputationDecaysMonotonically(t *testing.T) {
	now := time.Now().UTC()
	a := newAggregator(t, testReporter("r1"))
	if err := submit(a, "r1", "100", now); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rep := func() decimal.Decimal {
		for _, r := range a.Reporters() {
			if r.ID == "r1" {
				return r.Reputation
			}
		}
		t.Fatal("reporter not found")
		return decimal.Zero
	}

	// Each step moves just under 4%: inside the 5% threshold so the value
	// advances, but past threshold/2 so trust keeps eroding.
	prev := rep()
	for i, v := range []string{"104", "108", "112"} {
		if err := submit(a, "r1", v, now.Add(time.Duration(i+1)*time.Second)); err != nil {
			t.Fatalf("submit %s: %v", v, err)
		}
		cur := rep()
		if !cur.LessThan(prev) {
			t.Fatalf("reputation %s did not decrease from %s after %s", cur, prev, v)
		}
		prev = cur
	}
	got, err := a.ReadValue(now.Add(3 * time.Second))
	if err != nil {
		t.Fatalf("read value: %v", err)
	}
	if !got.Equal(dec("112")) {
		t.Errorf("accepted = %s, want 112", got)
	}
}

func TestHeartbeatLatenessIsNotARejection(t *testing.T) {
	now := time.Now().UTC()
	r := testReporter("r1")
	r.Heartbeat = time.Hour
	a := newAggregator(t, r)

	if err := submit(a, "r1", "1.00", now); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Ten minutes later, well inside the heartbeat, a 20% jump rejects on
	// deviation and leaves the accepted value alone.
	later := now.Add(10 * time.Minute)
	if err := submit(a, "r1", "1.20", later); !errors.Is(err, domain.ErrDeviationExceeded) {
		t.Fatalf("expected ErrDeviationExceeded, got %v", err)
	}
	got, err := a.ReadValue(later)
	if err != nil {
		t.Fatalf("read value: %v", err)
	}
	if !got.Equal(dec("1")) {
		t.Errorf("accepted = %s, want 1", got)
	}

	// A report past the heartbeat is late, not invalid: it still advances
	// the value when it otherwise qualifies.
	stale := now.Add(2 * time.Hour)
	if err := submit(a, "r1", "1.01", stale); err != nil {
		t.Fatalf("late report rejected: %v", err)
	}
}

func TestReadValueStaleness(t *testing.T) {
	now := time.Now().UTC()
	a := newAggregator(t, testReporter("r1"))

	if _, err := a.ReadValue(now); !errors.Is(err, domain.ErrNoValue) {
		t.Fatalf("expected ErrNoValue, got %v", err)
	}
	if err := submit(a, "r1", "100", now); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := a.ReadValue(now.Add(time.Hour)); err != nil {
		t.Errorf("value at heartbeat must still be served: %v", err)
	}
	if _, err := a.ReadValue(now.Add(time.Hour + time.Second)); !errors.Is(err, domain.ErrStale) {
		t.Errorf("expected ErrStale past heartbeat, got %v", err)
	}
}

func TestBreakerTripsOnUnhealthyMajority(t *testing.T) {
	now := time.Now().UTC()
	// Three active reporters; only the submitter will be inside its
	// heartbeat, so healthy*2 < active after the first accept.
	a := newAggregator(t, testReporter("r1"), testReporter("r2"), testReporter("r3"))

	if err := submit(a, "r1", "100", now); err != nil {
		t.Fatalf("submit: %v", err)
	}
	st := a.Status(now)
	if !st.BreakerActive {
		t.Fatal("breaker should trip with 1 of 3 reporters healthy")
	}
	if _, err := a.ReadValue(now); !errors.Is(err, domain.ErrBreakerActive) {
		t.Errorf("expected ErrBreakerActive, got %v", err)
	}
	if err := submit(a, "r2", "100", now); !errors.Is(err, domain.ErrBreakerActive) {
		t.Errorf("submissions during a trip must reject, got %v", err)
	}
}

func TestBreakerTripsBelowReputableQuorum(t *testing.T) {
	now := time.Now().UTC()
	policy := testPolicy()
	policy.MinReputableReporters = 2
	a := New(policy, Options{}, discard())
	if err := a.AddReporter(context.Background(), testReporter("r1")); err != nil {
		t.Fatalf("add reporter: %v", err)
	}

	if err := submit(a, "r1", "100", now); err != nil {
		t.Fatalf("submit: %v", err)
	}
	st := a.Status(now)
	if !st.BreakerActive {
		t.Fatal("breaker should trip with 1 reputable reporter against a quorum of 2")
	}
}

func TestResetBreakerCooldown(t *testing.T) {
	now := time.Now().UTC()
	ctx := context.Background()
	a := newAggregator(t, testReporter("r1"), testReporter("r2"), testReporter("r3"))

	if err := a.ResetBreaker(ctx, now); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("reset without a trip: got %v", err)
	}

	if err := submit(a, "r1", "100", now); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !a.Status(now).BreakerActive {
		t.Fatal("expected tripped breaker")
	}

	if err := a.ResetBreaker(ctx, now.Add(5*time.Minute)); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("reset inside cooldown: got %v", err)
	}
	if err := a.ResetBreaker(ctx, now.Add(10*time.Minute)); err != nil {
		t.Fatalf("reset after cooldown: %v", err)
	}
	if _, err := a.ReadValue(now.Add(10 * time.Minute)); err != nil {
		t.Errorf("read after reset: %v", err)
	}
}

func TestSubmitVerifiesSignature(t *testing.T) {
	now := time.Now().UTC()
	ctx := context.Background()

	signer, err := crypto.NewSigner("2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	signed := testReporter("r1")
	signed.Address = signer.Address()
	a := New(testPolicy(), Options{Verifier: crypto.NewVerifier()}, discard())
	if err := a.AddReporter(ctx, signed); err != nil {
		t.Fatalf("add reporter: %v", err)
	}

	report := domain.Report{ReporterID: "r1", Value: dec("100"), At: now}
	if err := a.SubmitReport(ctx, report, now); !errors.Is(err, domain.ErrBadSignature) {
		t.Fatalf("unsigned report from a keyed reporter: got %v", err)
	}

	report.Signature, err = signer.SignReport(report)
	if err != nil {
		t.Fatalf("sign report: %v", err)
	}
	if err := a.SubmitReport(ctx, report, now); err != nil {
		t.Fatalf("signed report rejected: %v", err)
	}

	// Tampering with the value invalidates the signature.
	forged := report
	forged.Value = dec("101")
	if err := a.SubmitReport(ctx, forged, now.Add(time.Second)); !errors.Is(err, domain.ErrBadSignature) {
		t.Fatalf("tampered report: got %v", err)
	}
}

func TestLoadRestoresReporters(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	store := memory.NewReporterStore()

	a := New(testPolicy(), Options{Store: store}, discard())
	if err := a.AddReporter(ctx, testReporter("r1")); err != nil {
		t.Fatalf("add reporter: %v", err)
	}
	if err := submit(a, "r1", "100", now); err != nil {
		t.Fatalf("submit: %v", err)
	}

	restored := New(testPolicy(), Options{Store: store}, discard())
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	reporters := restored.Reporters()
	if len(reporters) != 1 {
		t.Fatalf("got %d reporters, want 1", len(reporters))
	}
	if reporters[0].TotalReports != 1 {
		t.Errorf("total reports = %d, want 1", reporters[0].TotalReports)
	}
	if reporters[0].LastReportAt.IsZero() {
		t.Error("last report time not persisted")
	}
}
