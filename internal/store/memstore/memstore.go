// Package memstore is an in-memory reference implementation of
// store.Store, the shape of which mirrors the teacher's
// infrastructure/database.MockRepository: one mutex-guarded struct of
// maps, suitable for tests and for running the provider without an
// external database.
package memstore

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/anastasis-provider/anastasis/internal/store"
)

type accountEntry struct {
	account store.Account
	docs    map[uint32]store.RecoveryDocument
}

type truthEntry struct {
	truth   store.Truth
	code    *store.ChallengeCode
	respHash [64]byte // hash of the valid code, for VerifyChallengeCode
}

// Store is an in-memory store.Store. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	accounts map[[32]byte]*accountEntry
	truths   map[[32]byte]*truthEntry
	payments map[[32]byte]*store.PaymentRecord
	refunds  map[[2][32]byte]*store.RefundRecord

	// ErrorOnNextCall lets tests inject a single hard-error response,
	// mirroring the teacher's MockRepository.ErrorOnNextCall.
	ErrorOnNextCall error

	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[[32]byte]*accountEntry),
		truths:   make(map[[32]byte]*truthEntry),
		payments: make(map[[32]byte]*store.PaymentRecord),
		refunds:  make(map[[2][32]byte]*store.RefundRecord),
		now:      time.Now,
	}
}

// WithClock overrides the time source, for deterministic rate-limit tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) checkError() error {
	if s.ErrorOnNextCall != nil {
		err := s.ErrorOnNextCall
		s.ErrorOnNextCall = nil
		return err
	}
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

// --- AccountStore -----------------------------------------------------

func (s *Store) LookupAccount(ctx context.Context, pub [32]byte) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	e, ok := s.accounts[pub]
	if !ok {
		return nil, store.ErrPaymentRequired
	}
	acct := e.account
	return &acct, nil
}

func (s *Store) ensureAccount(pub [32]byte) *accountEntry {
	e, ok := s.accounts[pub]
	if !ok {
		e = &accountEntry{
			account: store.Account{Pub: pub},
			docs:    make(map[uint32]store.RecoveryDocument),
		}
		s.accounts[pub] = e
	}
	return e
}

func (s *Store) IncrementLifetime(ctx context.Context, pub [32]byte, paymentID [32]byte, delta time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return time.Time{}, err
	}

	// Idempotent per paymentID: a paymentID may only extend lifetime once.
	if pr, ok := s.payments[paymentID]; ok && pr.Paid {
		e := s.ensureAccount(pub)
		return e.account.PaidUntil, nil
	}

	e := s.ensureAccount(pub)
	base := e.account.PaidUntil
	now := s.now()
	if base.Before(now) {
		base = now
	}
	e.account.PaidUntil = base.Add(delta)

	s.payments[paymentID] = &store.PaymentRecord{PaymentID: paymentID, AccountPub: &pub, Paid: true}
	return e.account.PaidUntil, nil
}

func (s *Store) UpdateLifetime(ctx context.Context, pub [32]byte, paidUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	e := s.ensureAccount(pub)
	e.account.PaidUntil = paidUntil
	return nil
}

// --- RecoveryDocumentStore ---------------------------------------------

func (s *Store) GetRecoveryDocument(ctx context.Context, pub [32]byte, version uint32) (*store.RecoveryDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	e, ok := s.accounts[pub]
	if !ok {
		return nil, store.ErrNoResults
	}
	doc, ok := e.docs[version]
	if !ok {
		return nil, store.ErrNoResults
	}
	out := doc
	return &out, nil
}

func (s *Store) GetLatestRecoveryDocument(ctx context.Context, pub [32]byte) (*store.RecoveryDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	e, ok := s.accounts[pub]
	if !ok || !e.account.HasRecoveryDoc {
		return nil, store.ErrNoResults
	}
	doc, ok := e.docs[e.account.CurrentVersion]
	if !ok {
		return nil, store.ErrNoResults
	}
	out := doc
	return &out, nil
}

func (s *Store) StoreRecoveryDocument(ctx context.Context, doc store.RecoveryDocument, paymentID [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}

	e := s.ensureAccount(doc.AccountPub)

	if e.account.HasRecoveryDoc && e.account.CurrentHash == doc.Hash {
		// Idempotent re-upload of identical bytes: no version consumed.
		return store.ErrNoResults
	}

	if e.account.HasRecoveryDoc && e.account.PostCounter >= maxPostCounter {
		return store.ErrStoreLimitExceeded
	}

	nextVersion := e.account.CurrentVersion + 1
	doc.Version = nextVersion
	e.docs[nextVersion] = doc
	e.account.CurrentVersion = nextVersion
	e.account.CurrentHash = doc.Hash
	e.account.HasRecoveryDoc = true
	e.account.PostCounter++
	return nil
}

// maxPostCounter is overridable per-account via RecordRecdocPayment in a
// real deployment; the in-memory store uses a fixed generous default
// (spec's ANNUAL_POLICY_UPLOAD_LIMIT), adjustable with SetPostCounterLimit.
var maxPostCounter = 100

// SetPostCounterLimit overrides the per-period upload quota, primarily
// for tests that exercise StoreLimitExceeded.
func SetPostCounterLimit(n int) { maxPostCounter = n }

// --- PaymentStore --------------------------------------------------------

func (s *Store) CheckPaymentIdentifier(ctx context.Context, paymentID [32]byte) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return false, false, err
	}
	pr, ok := s.payments[paymentID]
	if !ok {
		return false, false, nil
	}
	return pr.Paid, pr.PostCounter < maxPostCounter, nil
}

func (s *Store) RecordRecdocPayment(ctx context.Context, pub [32]byte, postCounter int, paymentID [32]byte, amount store.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	s.payments[paymentID] = &store.PaymentRecord{PaymentID: paymentID, AccountPub: &pub, Amount: amount, Paid: true, PostCounter: postCounter}
	e := s.ensureAccount(pub)
	e.account.PostCounter = 0
	return nil
}

func (s *Store) CheckTruthUploadPaid(ctx context.Context, uuid [32]byte) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return false, time.Time{}, err
	}
	te, ok := s.truths[uuid]
	if !ok {
		return false, time.Time{}, nil
	}
	return !te.truth.PaidUntil.IsZero(), te.truth.PaidUntil, nil
}

func (s *Store) RecordTruthUploadPayment(ctx context.Context, uuid [32]byte, amount store.Amount, paidUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	te, ok := s.truths[uuid]
	if !ok {
		te = &truthEntry{truth: store.Truth{UUID: uuid}}
		s.truths[uuid] = te
	}
	te.truth.PaidUntil = paidUntil
	return nil
}

// --- TruthStore ------------------------------------------------------

func (s *Store) StoreTruth(ctx context.Context, truth store.Truth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	existing, ok := s.truths[truth.UUID]
	if !ok {
		s.truths[truth.UUID] = &truthEntry{truth: truth}
		return nil
	}

	if truthContentEqual(existing.truth, truth) {
		// Idempotent re-upload.
		return store.ErrNoResults
	}
	return store.ErrConflict
}

func truthContentEqual(a, b store.Truth) bool {
	return a.Method == b.Method &&
		a.MimeType == b.MimeType &&
		bytesEqual(a.EncryptedTruth, b.EncryptedTruth) &&
		bytesEqual(a.EncryptedKeyShare, b.EncryptedKeyShare)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) GetEscrowChallenge(ctx context.Context, uuid [32]byte) (*store.Truth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	te, ok := s.truths[uuid]
	if !ok {
		return nil, store.ErrNoResults
	}
	out := te.truth
	return &out, nil
}

func (s *Store) GetKeyShare(ctx context.Context, uuid [32]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	te, ok := s.truths[uuid]
	if !ok {
		return nil, store.ErrNoResults
	}
	return append([]byte{}, te.truth.EncryptedKeyShare...), nil
}

// --- ChallengeStore -----------------------------------------------------

func (s *Store) CreateChallengeCode(ctx context.Context, uuid [32]byte, rotationPeriod, validityPeriod time.Duration, retryCounter int) (store.ChallengeCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return store.ChallengeCode{}, err
	}

	te, ok := s.truths[uuid]
	if !ok {
		te = &truthEntry{truth: store.Truth{UUID: uuid}}
		s.truths[uuid] = te
	}

	now := s.now()

	if te.code == nil || now.Sub(te.code.CreatedAt) >= rotationPeriod || te.code.Expired(now) {
		code := randomCode()
		te.code = &store.ChallengeCode{
			TruthUUID:      uuid,
			Code:           code,
			CreatedAt:      now,
			RotationPeriod: rotationPeriod,
			ValidityPeriod: validityPeriod,
			RetryCounter:   retryCounter,
		}
		te.respHash = hashCode(code)
		return *te.code, nil
	}

	// Within the rotation period: this is the rate-limit gate. Decrement
	// the shared counter and return the existing code unchanged
	// (spec §4.2: "createChallengeCode is the *only* rate-limit gate").
	if te.code.RetryCounter <= 0 {
		return store.ChallengeCode{}, store.ErrNoResults
	}
	te.code.RetryCounter--
	return *te.code, nil
}

func (s *Store) VerifyChallengeCode(ctx context.Context, uuid [32]byte, hashedResponse []byte) (store.ChallengeCode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return store.ChallengeCode{}, false, err
	}

	te, ok := s.truths[uuid]
	if !ok || te.code == nil {
		return store.ChallengeCode{}, false, store.ErrNoResults
	}
	now := s.now()
	if te.code.Expired(now) {
		return store.ChallengeCode{}, false, store.ErrNoResults
	}

	// Verifying never changes the retry counter; a matching response
	// only marks the stored code Satisfied. CreateChallengeCode is the
	// sole mutator of the retry counter (see SPEC_FULL.md §D).
	matched := len(hashedResponse) == len(te.respHash) && subtle.ConstantTimeCompare(hashedResponse, te.respHash[:]) == 1
	if matched {
		te.code.Satisfied = true
	}
	return *te.code, matched, nil
}

func (s *Store) MarkChallengeSent(ctx context.Context, paymentID [32]byte, uuid [32]byte, code uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	te, ok := s.truths[uuid]
	if !ok || te.code == nil {
		return store.ErrNoResults
	}
	te.code.LastSentAt = s.now()
	return nil
}

// --- ChallengePaymentStore ------------------------------------------------

func (s *Store) CheckChallengePayment(ctx context.Context, uuid [32]byte, paymentID [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return false, err
	}
	pr, ok := s.payments[paymentID]
	if !ok {
		return false, nil
	}
	return pr.Paid, nil
}

func (s *Store) LookupChallengePayment(ctx context.Context, uuid [32]byte) (*store.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	for _, pr := range s.payments {
		if pr.TruthUUID != nil && *pr.TruthUUID == uuid {
			out := *pr
			return &out, nil
		}
	}
	return nil, store.ErrNoResults
}

func (s *Store) UpdateChallengePayment(ctx context.Context, uuid [32]byte, paymentID [32]byte, paid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	pr, ok := s.payments[paymentID]
	if !ok {
		pr = &store.PaymentRecord{PaymentID: paymentID, TruthUUID: &uuid}
		s.payments[paymentID] = pr
	}
	pr.Paid = paid
	return nil
}

func (s *Store) RecordChallengePayment(ctx context.Context, uuid [32]byte, paymentID [32]byte, cost store.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	s.payments[paymentID] = &store.PaymentRecord{PaymentID: paymentID, TruthUUID: &uuid, Amount: cost, Paid: true}
	return nil
}

func (s *Store) RecordChallengeRefund(ctx context.Context, uuid [32]byte, paymentID [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	key := [2][32]byte{uuid, paymentID}
	if r, ok := s.refunds[key]; ok && r.Refunded {
		return nil // at most once per (truth, payment)
	}
	s.refunds[key] = &store.RefundRecord{TruthUUID: uuid, PaymentID: paymentID, Refunded: true}
	return nil
}

// --- helpers -----------------------------------------------------------

func randomCode() uint64 {
	// 8-digit numeric challenge code, matching SMS/e-mail method
	// conventions used by the original provider.
	return uint64(10_000_000 + rand.Intn(90_000_000))
}

func hashCode(code uint64) [64]byte {
	return sha512.Sum512([]byte(strconv.FormatUint(code, 10)))
}

var _ store.Store = (*Store)(nil)
