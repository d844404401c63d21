package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anastasis-provider/anastasis/internal/cryptoutil"
)

// uploadQuestionTruth stores a "question" truth whose answer is
// answerPlaintext, returning the wire UUID and the truth decryption key
// the client must present on GET.
func uploadQuestionTruth(t *testing.T, h *Handler, answerPlaintext []byte) (uuidHex string, decryptionKey []byte) {
	t.Helper()

	var keyShare [32]byte
	copy(keyShare[:], []byte("0123456789abcdef0123456789abcdef"))
	encKeyShare, err := cryptoutil.EncryptKeyShare(answerPlaintext, keyShare[:])
	require.NoError(t, err)

	decryptionKey = make([]byte, 32)
	copy(decryptionKey, []byte("fedcba9876543210fedcba9876543210"))
	encryptedTruth, err := cryptoutil.EncryptTruth(decryptionKey, answerPlaintext)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"key_share_data":         cryptoutil.EncodeCrockford(encKeyShare),
		"type":                   "question",
		"encrypted_truth":        cryptoutil.EncodeCrockford(encryptedTruth),
		"truth_mime":             "text/plain",
		"storage_duration_years": 1,
	})
	require.NoError(t, err)

	uuidHex = cryptoutil.EncodeCrockford(bytes.Repeat([]byte{0x07}, 32))
	req := httptest.NewRequest(http.MethodPost, "/truth/"+uuidHex, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	return uuidHex, decryptionKey
}

func getTruth(h *Handler, uuidHex string, decryptionKey []byte, responseHex string) *httptest.ResponseRecorder {
	path := "/truth/" + uuidHex
	if responseHex != "" {
		path += "?" + QueryResponse + "=" + responseHex
	}
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(HeaderTruthDecryptionKey, cryptoutil.EncodeCrockford(decryptionKey))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

// TestQuestionChallengeMismatchThenSuccess is spec §8 scenario 3: a
// wrong answer is rejected (403) without releasing the key share, and
// the correct answer releases it (200).
func TestQuestionChallengeMismatchThenSuccess(t *testing.T) {
	h, _ := newTestHandler(t, "")
	answer := []byte("the answer to the security question")
	uuidHex, decryptionKey := uploadQuestionTruth(t, h, answer)

	wrong := cryptoutil.EncodeCrockford([]byte("a completely different guess"))
	wrongRec := getTruth(h, uuidHex, decryptionKey, wrong)
	require.Equal(t, http.StatusForbidden, wrongRec.Code)

	correct := cryptoutil.EncodeCrockford(answer)
	okRec := getTruth(h, uuidHex, decryptionKey, correct)
	require.Equal(t, http.StatusOK, okRec.Code)
	require.NotEmpty(t, okRec.Body.Bytes())
}

// TestQuestionChallengeRateLimited is spec §8's rate-limit scenario: the
// built-in question method mints one challenge code per rotation period
// and spends its retry budget (3) on the attempts after the first that
// minted it, after which further attempts within the same rotation
// period are rejected with 429 rather than another 403.
func TestQuestionChallengeRateLimited(t *testing.T) {
	h, _ := newTestHandler(t, "")
	answer := []byte("the answer to the security question")
	uuidHex, decryptionKey := uploadQuestionTruth(t, h, answer)

	wrong := cryptoutil.EncodeCrockford([]byte("nope"))
	for i := 0; i < 4; i++ {
		rec := getTruth(h, uuidHex, decryptionKey, wrong)
		require.Equal(t, http.StatusForbidden, rec.Code, "attempt %d should be rejected, not rate-limited yet", i+1)
	}

	exhausted := getTruth(h, uuidHex, decryptionKey, wrong)
	require.Equal(t, http.StatusTooManyRequests, exhausted.Code)
}
