// Package feed maintains the accepted lifespan index value from multiple
// independent reporters. Each reporter carries a reputation score, a
// required report cadence, and a per-report deviation bound; a circuit
// breaker halts all value acceptance when feed health degrades.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/metrics"
)

// Reputation smoothing constants. An accepted report whose deviation stays
// within half the reporter's threshold nudges reputation up by exponential
// smoothing; anything worse decays it multiplicatively.
var (
	one      = decimal.NewFromInt(1)
	two      = decimal.NewFromInt(2)
	repKeep  = decimal.RequireFromString("0.99")
	repStep  = decimal.RequireFromString("0.01")
	repDecay = decimal.RequireFromString("0.95")
)

// ReportVerifier checks a report's signature against a reporter's
// registered address.
type ReportVerifier interface {
	Verify(report domain.Report, address string) error
}

// Options carries the aggregator's optional collaborators. Any of them may
// be nil; the aggregator then skips the corresponding side effect.
type Options struct {
	Store    domain.ReporterStore // reporter record persistence (best effort)
	Cache    domain.IndexCache    // accepted-value mirror for read-only consumers
	Bus      domain.SignalBus     // outcome event publication
	Limiter  domain.RateLimiter   // per-reporter submission throttle
	Verifier ReportVerifier       // report signature verification

	// SubmitLimit/SubmitWindow bound how often a single reporter may
	// submit. Zero disables throttling.
	SubmitLimit  int
	SubmitWindow time.Duration
}

// Aggregator owns the feed state: the accepted value, per-reporter
// reputation records, and the circuit breaker. All methods serialize on one
// mutex; a submit that reads the accepted value and mutates reputation sees
// no interleaved update.
type Aggregator struct {
	mu        sync.Mutex
	policy    domain.FeedPolicy
	reporters map[string]*domain.Reporter

	hasValue   bool
	accepted   decimal.Decimal
	acceptedAt time.Time

	breakerActive    bool
	breakerTrippedAt time.Time

	opts   Options
	logger *slog.Logger
}

// New creates an Aggregator with the given policy.
func New(policy domain.FeedPolicy, opts Options, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		policy:    policy,
		reporters: make(map[string]*domain.Reporter),
		opts:      opts,
		logger:    logger.With(slog.String("component", "feed_aggregator")),
	}
}

// Load restores reporter records from the store. Call once on startup,
// before serving submissions.
func (a *Aggregator) Load(ctx context.Context) error {
	if a.opts.Store == nil {
		return nil
	}
	reporters, err := a.opts.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("feed: load reporters: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range reporters {
		rc := r
		a.reporters[r.ID] = &rc
	}
	a.logger.InfoContext(ctx, "reporters loaded", slog.Int("count", len(reporters)))
	return nil
}

// SubmitReport accepts a new observation of the index value. Rejections
// leave the accepted value unchanged; the two reputation-affecting
// rejections (deviation exceeded, reputation below threshold) still record
// the failed attempt on the reporter before rejecting.
func (a *Aggregator) SubmitReport(ctx context.Context, report domain.Report, now time.Time) error {
	if report.ReporterID == "" || report.Value.IsZero() || report.Value.IsNegative() {
		return fmt.Errorf("feed: submit report: %w", domain.ErrInvalidInput)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.breakerActive {
		a.rejectLocked(ctx, report, now, "breaker_active")
		return fmt.Errorf("feed: submit report %s: %w", report.ReporterID, domain.ErrBreakerActive)
	}

	r, ok := a.reporters[report.ReporterID]
	if !ok {
		a.rejectLocked(ctx, report, now, "unknown_reporter")
		return fmt.Errorf("feed: submit report %s: %w", report.ReporterID, domain.ErrReporterUnknown)
	}
	if !r.Active {
		a.rejectLocked(ctx, report, now, "reporter_inactive")
		return fmt.Errorf("feed: submit report %s: %w", report.ReporterID, domain.ErrReporterInactive)
	}

	if a.opts.Limiter != nil && a.opts.SubmitLimit > 0 {
		allowed, err := a.opts.Limiter.Allow(ctx, "report:"+r.ID, a.opts.SubmitLimit, a.opts.SubmitWindow)
		if err != nil {
			a.logger.WarnContext(ctx, "rate limiter unavailable, allowing report",
				slog.String("reporter", r.ID),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			a.rejectLocked(ctx, report, now, "rate_limited")
			return fmt.Errorf("feed: submit report %s: %w", r.ID, domain.ErrRateLimited)
		}
	}

	if r.Address != "" && a.opts.Verifier != nil {
		if err := a.opts.Verifier.Verify(report, r.Address); err != nil {
			a.rejectLocked(ctx, report, now, "bad_signature")
			return fmt.Errorf("feed: submit report %s: %w", r.ID, domain.ErrBadSignature)
		}
	}

	if report.Value.LessThan(a.policy.MinValid) || report.Value.GreaterThan(a.policy.MaxValid) {
		a.rejectLocked(ctx, report, now, "out_of_range")
		return fmt.Errorf("feed: submit report %s: value %s: %w",
			r.ID, report.Value, domain.ErrOutOfRange)
	}

	// Deviation against the prior accepted value. Skipped for the very
	// first accepted value.
	deviation := decimal.Zero
	if a.hasValue {
		deviation = report.Value.Sub(a.accepted).Abs().Div(a.accepted)
		tooFar := deviation.GreaterThan(r.DeviationThreshold)
		if !tooFar && a.policy.MaxCrossReporterDeviation.IsPositive() {
			tooFar = deviation.GreaterThan(a.policy.MaxCrossReporterDeviation)
		}
		if tooFar {
			// The attempt counts against the reporter: trust decays even
			// though the value is not advanced.
			r.TotalReports++
			r.Reputation = r.Reputation.Mul(repDecay)
			r.LastReportAt = now
			a.persistReporterLocked(ctx, r)
			a.rejectLocked(ctx, report, now, "deviation_exceeded")
			return fmt.Errorf("feed: submit report %s: deviation %s exceeds %s: %w",
				r.ID, deviation, r.DeviationThreshold, domain.ErrDeviationExceeded)
		}
	}

	success := !a.hasValue || deviation.LessThanOrEqual(r.DeviationThreshold.Div(two))
	newRep := r.Reputation.Mul(repDecay)
	if success {
		newRep = r.Reputation.Mul(repKeep).Add(repStep)
		if newRep.GreaterThan(one) {
			newRep = one
		}
	}

	if newRep.LessThan(a.policy.ReputationThreshold) {
		r.TotalReports++
		r.Reputation = newRep
		r.LastReportAt = now
		a.persistReporterLocked(ctx, r)
		a.rejectLocked(ctx, report, now, "low_reputation")
		return fmt.Errorf("feed: submit report %s: %w", r.ID, domain.ErrLowReputation)
	}

	// Accept.
	a.accepted = report.Value
	a.acceptedAt = now
	a.hasValue = true

	r.TotalReports++
	if success {
		r.SuccessfulReports++
	}
	r.Reputation = newRep
	r.LastReportAt = now
	a.persistReporterLocked(ctx, r)

	if a.opts.Cache != nil {
		if err := a.opts.Cache.SetValue(ctx, domain.SeriesIndex, a.accepted, now); err != nil {
			a.logger.WarnContext(ctx, "index cache update failed",
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.FeedReportsTotal.WithLabelValues("accepted").Inc()
	a.publishLocked(ctx, domain.EventReportAccepted, now, map[string]any{
		"reporter_id": r.ID,
		"value":       report.Value.String(),
		"deviation":   deviation.String(),
		"reputation":  r.Reputation.String(),
	})

	a.logger.InfoContext(ctx, "report accepted",
		slog.String("reporter", r.ID),
		slog.String("value", report.Value.String()),
		slog.String("deviation", deviation.String()),
	)

	a.evaluateBreakerLocked(ctx, now)
	return nil
}

// ReadValue returns the accepted index value. It fails closed: no value yet,
// a tripped breaker, or a value past the global heartbeat all reject. A
// stale last-known-good is not good enough past its shelf life.
func (a *Aggregator) ReadValue(now time.Time) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.breakerActive {
		return decimal.Zero, fmt.Errorf("feed: read value: %w", domain.ErrBreakerActive)
	}
	if !a.hasValue {
		return decimal.Zero, fmt.Errorf("feed: read value: %w", domain.ErrNoValue)
	}
	if now.Sub(a.acceptedAt) > a.policy.GlobalHeartbeat {
		return decimal.Zero, fmt.Errorf("feed: read value: accepted %s ago: %w",
			now.Sub(a.acceptedAt), domain.ErrStale)
	}
	return a.accepted, nil
}

// ResetBreaker re-arms the feed after a trip. It succeeds only when the
// breaker is active and the cooldown has elapsed.
func (a *Aggregator) ResetBreaker(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.breakerActive {
		return fmt.Errorf("feed: reset breaker: not active: %w", domain.ErrNotEligible)
	}
	if now.Sub(a.breakerTrippedAt) < a.policy.BreakerCooldown {
		return fmt.Errorf("feed: reset breaker: cooldown not elapsed: %w", domain.ErrNotEligible)
	}

	a.breakerActive = false
	metrics.BreakerActive.Set(0)
	a.publishLocked(ctx, domain.EventBreakerReset, now, map[string]any{
		"tripped_at": a.breakerTrippedAt,
	})
	a.logger.InfoContext(ctx, "circuit breaker reset",
		slog.Time("tripped_at", a.breakerTrippedAt),
	)
	return nil
}

// AddReporter registers or replaces a reporter record. Admin-gated by the
// caller.
func (a *Aggregator) AddReporter(ctx context.Context, r domain.Reporter) error {
	if r.ID == "" || r.Heartbeat <= 0 || !r.DeviationThreshold.IsPositive() {
		return fmt.Errorf("feed: add reporter: %w", domain.ErrInvalidInput)
	}
	if r.Reputation.IsNegative() || r.Reputation.GreaterThan(one) {
		return fmt.Errorf("feed: add reporter: reputation out of range: %w", domain.ErrInvalidInput)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rc := r
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = time.Now().UTC()
	}
	a.reporters[r.ID] = &rc
	a.persistReporterLocked(ctx, &rc)
	a.logger.InfoContext(ctx, "reporter registered",
		slog.String("reporter", r.ID),
		slog.Duration("heartbeat", r.Heartbeat),
		slog.String("deviation_threshold", r.DeviationThreshold.String()),
	)
	return nil
}

// SetReporterActive toggles a reporter without discarding its history.
func (a *Aggregator) SetReporterActive(ctx context.Context, id string, active bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.reporters[id]
	if !ok {
		return fmt.Errorf("feed: set reporter active %s: %w", id, domain.ErrReporterUnknown)
	}
	r.Active = active
	a.persistReporterLocked(ctx, r)
	return nil
}

// Policy returns the current aggregation policy.
func (a *Aggregator) Policy() domain.FeedPolicy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy
}

// SetPolicy replaces the aggregation policy. Takes effect for the next
// submission.
func (a *Aggregator) SetPolicy(policy domain.FeedPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policy = policy
}

// Status returns a read-only snapshot for queries.
func (a *Aggregator) Status(now time.Time) domain.FeedStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := domain.FeedStatus{
		HasValue:         a.hasValue,
		AcceptedValue:    a.accepted,
		AcceptedAt:       a.acceptedAt,
		BreakerActive:    a.breakerActive,
		BreakerTrippedAt: a.breakerTrippedAt,
	}
	for _, r := range a.reporters {
		if !r.Active {
			continue
		}
		st.ActiveReporters++
		if r.HealthyAt(now) {
			st.HealthyReporters++
		}
		if r.Reputation.GreaterThanOrEqual(a.policy.ReputationThreshold) {
			st.ReputableReporters++
		}
	}
	return st
}

// Reporters returns a copy of all reporter records.
func (a *Aggregator) Reporters() []domain.Reporter {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.Reporter, 0, len(a.reporters))
	for _, r := range a.reporters {
		out = append(out, *r)
	}
	return out
}

// evaluateBreakerLocked trips the breaker when feed health degrades: fewer
// than half of active reporters inside their own heartbeat, or fewer
// reputable reporters than the policy quorum. Called after every accepted
// update with the mutex held.
func (a *Aggregator) evaluateBreakerLocked(ctx context.Context, now time.Time) {
	var active, healthy, reputable int
	for _, r := range a.reporters {
		if !r.Active {
			continue
		}
		active++
		if r.HealthyAt(now) {
			healthy++
		}
		if r.Reputation.GreaterThanOrEqual(a.policy.ReputationThreshold) {
			reputable++
		}
	}

	tripped := false
	var reason string
	if active > 0 && healthy*2 < active {
		tripped = true
		reason = "insufficient_healthy_reporters"
	} else if reputable < a.policy.MinReputableReporters {
		tripped = true
		reason = "insufficient_reputable_reporters"
	}

	if !tripped || a.breakerActive {
		return
	}

	a.breakerActive = true
	a.breakerTrippedAt = now
	metrics.BreakerActive.Set(1)
	metrics.BreakerTripsTotal.Inc()
	a.publishLocked(ctx, domain.EventBreakerTripped, now, map[string]any{
		"reason":    reason,
		"active":    active,
		"healthy":   healthy,
		"reputable": reputable,
	})
	a.logger.WarnContext(ctx, "circuit breaker tripped",
		slog.String("reason", reason),
		slog.Int("active", active),
		slog.Int("healthy", healthy),
		slog.Int("reputable", reputable),
	)
}

func (a *Aggregator) rejectLocked(ctx context.Context, report domain.Report, now time.Time, reason string) {
	metrics.FeedReportsTotal.WithLabelValues(reason).Inc()
	a.publishLocked(ctx, domain.EventReportRejected, now, map[string]any{
		"reporter_id": report.ReporterID,
		"value":       report.Value.String(),
		"reason":      reason,
	})
}

func (a *Aggregator) publishLocked(ctx context.Context, eventType string, now time.Time, fields map[string]any) {
	if a.opts.Bus == nil {
		return
	}
	payload, err := domain.NewEvent(eventType, now, fields).Marshal()
	if err != nil {
		a.logger.WarnContext(ctx, "event marshal failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := a.opts.Bus.Publish(ctx, domain.ChannelFeed, payload); err != nil {
		a.logger.WarnContext(ctx, "event publish failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (a *Aggregator) persistReporterLocked(ctx context.Context, r *domain.Reporter) {
	if a.opts.Store == nil {
		return
	}
	if err := a.opts.Store.Upsert(ctx, *r); err != nil {
		a.logger.WarnContext(ctx, "reporter persist failed",
			slog.String("reporter", r.ID),
			slog.String("error", err.Error()),
		)
	}
}
