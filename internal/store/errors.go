package store

import "errors"

// Status sentinels returned by Store methods, matching the taxonomy of
// spec.md §4.2: every operation returns one of {HardError, SoftError,
// NoResults, OneResult-equivalent-success}.
var (
	// ErrHard signals a non-retryable storage failure (surfaces as 500).
	ErrHard = errors.New("store: hard error")
	// ErrSoft signals a transient failure; callers may retry a bounded
	// number of times (e.g. serialization conflicts).
	ErrSoft = errors.New("store: soft error, retry")
	// ErrNoResults signals "no matching row", which different callers
	// interpret differently (idempotent re-upload, empty account, …).
	ErrNoResults = errors.New("store: no results")
	// ErrConflict signals a uniqueness/content conflict (e.g. a truth
	// UUID reused with different content).
	ErrConflict = errors.New("store: conflict")
	// ErrPaymentRequired signals the operation needs a fresh payment.
	ErrPaymentRequired = errors.New("store: payment required")
	// ErrStoreLimitExceeded signals the per-period upload quota is spent.
	ErrStoreLimitExceeded = errors.New("store: upload limit exceeded")
)

// IsRetryable reports whether callers should retry the call that
// produced err a bounded number of times.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSoft)
}
