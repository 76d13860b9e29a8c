package domain

import "errors"

// Sentinel errors. Every rejection carries a machine-distinguishable reason;
// callers discriminate with errors.Is. No operation partially applies state
// and then signals one of these.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyClosed     = errors.New("position already closed")
	ErrPositionExists    = errors.New("open position already exists")
	ErrNotEligible       = errors.New("state not eligible")
	ErrStale             = errors.New("index value past heartbeat")
	ErrNoValue           = errors.New("no index value accepted yet")
	ErrBreakerActive     = errors.New("circuit breaker active")
	ErrReporterUnknown   = errors.New("unknown reporter")
	ErrReporterInactive  = errors.New("reporter inactive")
	ErrOutOfRange        = errors.New("value outside valid range")
	ErrDeviationExceeded = errors.New("deviation threshold exceeded")
	ErrLowReputation     = errors.New("reputation below threshold")
	ErrBadSignature      = errors.New("report signature invalid")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
	ErrReentrantCall     = errors.New("re-entrant call rejected")
)
