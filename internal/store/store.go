// Package store defines the persistence contract of the Anastasis
// provider (spec §4.2) and ships an in-memory reference implementation.
// Concrete database-backed implementations (Postgres, etc.) are out of
// scope per spec.md §1 and plug in behind these same interfaces.
package store

import (
	"context"
	"time"
)

// AccountStore covers account lookup and lifetime bookkeeping.
type AccountStore interface {
	// LookupAccount returns the account for pub. An account that has
	// never been paid for or created yields ErrPaymentRequired; a known
	// account without a recovery document is returned with
	// HasRecoveryDoc=false.
	LookupAccount(ctx context.Context, pub [32]byte) (*Account, error)
	IncrementLifetime(ctx context.Context, pub [32]byte, paymentID [32]byte, delta time.Duration) (time.Time, error)
	UpdateLifetime(ctx context.Context, pub [32]byte, paidUntil time.Time) error
}

// RecoveryDocumentStore covers policy upload/download.
type RecoveryDocumentStore interface {
	GetRecoveryDocument(ctx context.Context, pub [32]byte, version uint32) (*RecoveryDocument, error)
	GetLatestRecoveryDocument(ctx context.Context, pub [32]byte) (*RecoveryDocument, error)
	// StoreRecoveryDocument enforces monotonic version increment and the
	// per-paid-period post-counter quota. Returns ErrNoResults when bytes
	// exactly match the current document (idempotent re-upload, no
	// version consumed).
	StoreRecoveryDocument(ctx context.Context, doc RecoveryDocument, paymentID [32]byte) error
}

// PaymentStore covers policy-storage and truth-upload payments.
type PaymentStore interface {
	CheckPaymentIdentifier(ctx context.Context, paymentID [32]byte) (paid bool, postCounterValid bool, err error)
	RecordRecdocPayment(ctx context.Context, pub [32]byte, postCounter int, paymentID [32]byte, amount Amount) error
	CheckTruthUploadPaid(ctx context.Context, uuid [32]byte) (paid bool, paidUntil time.Time, err error)
	RecordTruthUploadPayment(ctx context.Context, uuid [32]byte, amount Amount, paidUntil time.Time) error
}

// TruthStore covers truth upload and lookup.
type TruthStore interface {
	// StoreTruth returns ErrConflict when uuid exists with differing
	// content, ErrNoResults when the content is identical (idempotent).
	StoreTruth(ctx context.Context, truth Truth) error
	GetEscrowChallenge(ctx context.Context, uuid [32]byte) (*Truth, error)
	GetKeyShare(ctx context.Context, uuid [32]byte) ([]byte, error)
}

// ChallengeStore covers the challenge/response rate-limit gate.
type ChallengeStore interface {
	// CreateChallengeCode is the only rate-limit gate in the system. A
	// call within rotationPeriod of the last creation returns the
	// existing code with its retry counter decremented; once the
	// counter reaches zero it returns ErrNoResults instead of minting a
	// new code, regardless of how much time has passed within the
	// rotation period.
	CreateChallengeCode(ctx context.Context, uuid [32]byte, rotationPeriod, validityPeriod time.Duration, retryCounter int) (ChallengeCode, error)
	// VerifyChallengeCode compares hashedResponse against the stored
	// code. NoResults means there is no live code to compare against.
	VerifyChallengeCode(ctx context.Context, uuid [32]byte, hashedResponse []byte) (code ChallengeCode, matched bool, err error)
	MarkChallengeSent(ctx context.Context, paymentID [32]byte, uuid [32]byte, code uint64) error
}

// ChallengePaymentStore covers per-challenge payment and refund bookkeeping.
type ChallengePaymentStore interface {
	CheckChallengePayment(ctx context.Context, uuid [32]byte, paymentID [32]byte) (paid bool, err error)
	LookupChallengePayment(ctx context.Context, uuid [32]byte) (*PaymentRecord, error)
	UpdateChallengePayment(ctx context.Context, uuid [32]byte, paymentID [32]byte, paid bool) error
	RecordChallengePayment(ctx context.Context, uuid [32]byte, paymentID [32]byte, cost Amount) error
	RecordChallengeRefund(ctx context.Context, uuid [32]byte, paymentID [32]byte) error
}

// Store is the full persistence contract implemented by a backing
// database. Handlers depend on the narrower interfaces above where
// possible; Store is what main() wires up.
type Store interface {
	AccountStore
	RecoveryDocumentStore
	PaymentStore
	TruthStore
	ChallengeStore
	ChallengePaymentStore

	HealthCheck(ctx context.Context) error
}
