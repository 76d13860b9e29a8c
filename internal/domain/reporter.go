package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reporter is one independent source feeding observations of the lifespan
// index. Each reporter carries its own cadence requirement, per-report
// deviation bound, and a decaying reputation score that gates its influence
// on the accepted value.
type Reporter struct {
	ID                 string
	Address            string // hex secp256k1 address; empty disables signature checks
	Active             bool
	Heartbeat          time.Duration   // max allowed silence before counted unhealthy
	DeviationThreshold decimal.Decimal // max relative jump per report, e.g. 0.05
	Reputation         decimal.Decimal // 0..1
	TotalReports       int64
	SuccessfulReports  int64
	LastReportAt       time.Time
	CreatedAt          time.Time
}

// HealthyAt reports whether the reporter has reported within its own
// heartbeat as of now. Lateness is a liveness metric, not a reject reason.
func (r Reporter) HealthyAt(now time.Time) bool {
	if r.LastReportAt.IsZero() {
		return false
	}
	return now.Sub(r.LastReportAt) <= r.Heartbeat
}

// Report is a single observation submitted by a reporter. Signature, when
// present, is a secp256k1 signature over the canonical report digest and is
// verified against the reporter's registered address.
type Report struct {
	ReporterID string
	Value      decimal.Decimal
	At         time.Time
	Signature  []byte
}

// FeedPolicy is the aggregation policy applied to every submitted report.
type FeedPolicy struct {
	MinValid                  decimal.Decimal // global valid value range
	MaxValid                  decimal.Decimal
	MaxCrossReporterDeviation decimal.Decimal // global cap on relative jumps, any reporter
	MinReputableReporters     int
	ReputationThreshold       decimal.Decimal
	GlobalHeartbeat           time.Duration // shelf life of the accepted value
	BreakerCooldown           time.Duration
}

// FeedStatus is a read-only snapshot of the aggregator for queries.
type FeedStatus struct {
	HasValue           bool
	AcceptedValue      decimal.Decimal
	AcceptedAt         time.Time
	BreakerActive      bool
	BreakerTrippedAt   time.Time
	ActiveReporters    int
	HealthyReporters   int
	ReputableReporters int
}
