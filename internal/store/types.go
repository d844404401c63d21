package store

import "time"

// Account is keyed by an Ed25519 public key derived from the user
// identifier (spec §3). It exists once the first successful payment has
// been recorded.
type Account struct {
	Pub               [32]byte
	PaidUntil         time.Time
	PostCounter       int // uploads consumed in the current paid period
	CurrentVersion    uint32
	CurrentHash       [64]byte // SHA-512 of the current recovery document
	HasRecoveryDoc    bool
}

// RecoveryDocument is an opaque, account-owned encrypted blob (spec §3).
type RecoveryDocument struct {
	AccountPub [32]byte
	Version    uint32
	Hash       [64]byte // SHA-512 of Bytes
	Signature  [64]byte // EdDSA signature over the purpose-tagged hash
	Bytes      []byte
}

// Truth is a method-specific authentication record, independent of any
// account (spec §3).
type Truth struct {
	UUID               [32]byte
	Method             string
	MimeType           string
	EncryptedTruth     []byte
	EncryptedKeyShare  []byte // exactly cryptoutil.EncryptedKeyShareSize
	PaidUntil          time.Time
}

// ChallengeCode is a per-truth ephemeral authentication code (spec §3).
// At most one valid code exists per truth at a time.
type ChallengeCode struct {
	TruthUUID      [32]byte
	Code           uint64
	CreatedAt      time.Time
	RotationPeriod time.Duration
	ValidityPeriod time.Duration
	RetryCounter   int
	Satisfied      bool
	PaymentID      [32]byte
	LastSentAt     time.Time
}

// Expired reports whether the code is no longer valid for verification.
func (c ChallengeCode) Expired(now time.Time) bool {
	return now.After(c.CreatedAt.Add(c.ValidityPeriod))
}

// PaymentRecord tracks one merchant order (spec §3). A payment identifier
// is a 32-byte opaque nonce that doubles as a base32-encoded merchant
// order ID.
type PaymentRecord struct {
	PaymentID   [32]byte
	AccountPub  *[32]byte // set for policy-storage payments
	TruthUUID   *[32]byte // set for truth-upload/challenge payments
	Amount      Amount
	Paid        bool
	PostCounter int
}

// RefundRecord tracks a refund issued for a failed challenge (spec §3).
// A refund is issued at most once per (truth, payment).
type RefundRecord struct {
	TruthUUID [32]byte
	PaymentID [32]byte
	Refunded  bool
}

// Amount is a currency amount in the provider's configured currency,
// represented as integer minor units to avoid float rounding in billing
// math (mirrors how the teacher's gasbank tracks balances as int64).
type Amount struct {
	Currency string
	Value    int64 // minor units (e.g. cents)
}

// IsZero reports whether the amount has no value, i.e. the operation is
// free and never needs a payment gate.
func (a Amount) IsZero() bool {
	return a.Value == 0
}
