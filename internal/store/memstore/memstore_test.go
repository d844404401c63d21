package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anastasis-provider/anastasis/internal/store"
)

func TestStoreRecoveryDocument_VersionsIncreaseAndIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	var pub [32]byte
	pub[0] = 1

	doc1 := store.RecoveryDocument{AccountPub: pub, Hash: [64]byte{1}, Bytes: []byte("v1")}
	require.NoError(t, s.StoreRecoveryDocument(ctx, doc1, [32]byte{1}))

	acct, err := s.LookupAccount(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), acct.CurrentVersion)

	// Re-uploading identical bytes is idempotent and consumes no version.
	err = s.StoreRecoveryDocument(ctx, doc1, [32]byte{2})
	assert.ErrorIs(t, err, store.ErrNoResults)

	acct, err = s.LookupAccount(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), acct.CurrentVersion)

	// Distinct content increments the version.
	doc2 := store.RecoveryDocument{AccountPub: pub, Hash: [64]byte{2}, Bytes: []byte("v2")}
	require.NoError(t, s.StoreRecoveryDocument(ctx, doc2, [32]byte{3}))
	acct, err = s.LookupAccount(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), acct.CurrentVersion)
}

func TestStoreRecoveryDocument_RespectsUploadLimit(t *testing.T) {
	SetPostCounterLimit(1)
	defer SetPostCounterLimit(100)

	s := New()
	ctx := context.Background()
	var pub [32]byte
	pub[0] = 9

	doc1 := store.RecoveryDocument{AccountPub: pub, Hash: [64]byte{1}, Bytes: []byte("v1")}
	require.NoError(t, s.StoreRecoveryDocument(ctx, doc1, [32]byte{1}))

	doc2 := store.RecoveryDocument{AccountPub: pub, Hash: [64]byte{2}, Bytes: []byte("v2")}
	err := s.StoreRecoveryDocument(ctx, doc2, [32]byte{2})
	assert.ErrorIs(t, err, store.ErrStoreLimitExceeded)
}

func TestStoreTruth_IdempotentVsConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	var uuid [32]byte
	uuid[0] = 7

	truth := store.Truth{UUID: uuid, Method: "question", MimeType: "binary/sha512", EncryptedTruth: []byte("a"), EncryptedKeyShare: []byte("ks")}
	require.NoError(t, s.StoreTruth(ctx, truth))

	// Identical re-upload is idempotent.
	assert.ErrorIs(t, s.StoreTruth(ctx, truth), store.ErrNoResults)

	// Differing content conflicts.
	other := truth
	other.EncryptedTruth = []byte("b")
	assert.ErrorIs(t, s.StoreTruth(ctx, other), store.ErrConflict)
}

func TestCreateChallengeCode_RateLimitsWithinRotation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New().WithClock(func() time.Time { return now })
	ctx := context.Background()
	var uuid [32]byte
	uuid[0] = 5

	rotation := 30 * time.Second
	validity := 5 * time.Minute

	first, err := s.CreateChallengeCode(ctx, uuid, rotation, validity, 3)
	require.NoError(t, err)

	// Repeated calls within the rotation period return the same code and
	// decrement the retry counter.
	second, err := s.CreateChallengeCode(ctx, uuid, rotation, validity, 3)
	require.NoError(t, err)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.RetryCounter-1, second.RetryCounter)

	third, err := s.CreateChallengeCode(ctx, uuid, rotation, validity, 3)
	require.NoError(t, err)
	assert.Equal(t, second.RetryCounter-1, third.RetryCounter)

	// Counter now at 1 (3 -> 2 -> 1). One more call brings it to 0 and
	// succeeds; the call after that is rate-limited.
	fourth, err := s.CreateChallengeCode(ctx, uuid, rotation, validity, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, fourth.RetryCounter)

	_, err = s.CreateChallengeCode(ctx, uuid, rotation, validity, 3)
	assert.ErrorIs(t, err, store.ErrNoResults)
}

func TestCreateChallengeCode_RotatesAfterPeriod(t *testing.T) {
	cur := time.Unix(1_700_000_000, 0)
	s := New().WithClock(func() time.Time { return cur })
	ctx := context.Background()
	var uuid [32]byte
	uuid[0] = 6

	rotation := 30 * time.Second
	validity := 5 * time.Minute

	first, err := s.CreateChallengeCode(ctx, uuid, rotation, validity, 3)
	require.NoError(t, err)

	cur = cur.Add(rotation + time.Second)
	second, err := s.CreateChallengeCode(ctx, uuid, rotation, validity, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, second.RetryCounter, "rotation should mint a fresh code with a full counter")
	_ = first
}

func TestVerifyChallengeCode_NeverMutatesRetryCounter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New().WithClock(func() time.Time { return now })
	ctx := context.Background()
	var uuid [32]byte
	uuid[0] = 8

	code, err := s.CreateChallengeCode(ctx, uuid, 30*time.Second, 5*time.Minute, 3)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, matched, err := s.VerifyChallengeCode(ctx, uuid, []byte("bogus-response-not-the-real-hash"))
		require.NoError(t, err)
		assert.False(t, matched)
	}

	after, err := s.CreateChallengeCode(ctx, uuid, 30*time.Second, 5*time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, code.RetryCounter-1, after.RetryCounter, "verify must not have consumed any extra counter budget")
}
