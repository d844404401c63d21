package cryptoutil

import (
	"crypto/sha512"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSalt() []byte {
	salt := make([]byte, ProviderSaltSize)
	for i := range salt {
		salt[i] = byte(i + 1)
	}
	return salt
}

func TestDeriveUserIdentifier_Deterministic(t *testing.T) {
	idData := map[string]any{"email": "a@example.com", "full_name": "A B"}
	salt := testSalt()

	id1, err := DeriveUserIdentifier(idData, salt)
	require.NoError(t, err)
	id2, err := DeriveUserIdentifier(idData, salt)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, IdentifierSize)
}

func TestDeriveUserIdentifier_KeyOrderIndependent(t *testing.T) {
	salt := testSalt()
	a := map[string]any{"a": "1", "b": "2"}
	b := map[string]any{"b": "2", "a": "1"}

	idA, err := DeriveUserIdentifier(a, salt)
	require.NoError(t, err)
	idB, err := DeriveUserIdentifier(b, salt)
	require.NoError(t, err)
	assert.Equal(t, idA, idB, "field order must not affect the derived identifier")
}

func TestDeriveUserIdentifier_DistinctSaltsDivergeForSameData(t *testing.T) {
	idData := map[string]any{"email": "a@example.com"}
	saltA := testSalt()
	saltB := append([]byte{}, saltA...)
	saltB[0] ^= 0xFF

	idA, err := DeriveUserIdentifier(idData, saltA)
	require.NoError(t, err)
	idB, err := DeriveUserIdentifier(idData, saltB)
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)
}

func TestDeriveAccountKeyPair_Deterministic(t *testing.T) {
	id := []byte("0123456789012345678901234567890123456789012345678901234567890A")

	kp1, err := DeriveAccountKeyPair(id)
	require.NoError(t, err)
	kp2, err := DeriveAccountKeyPair(id)
	require.NoError(t, err)

	assert.Equal(t, kp1.Public, kp2.Public)
	assert.Equal(t, kp1.Private, kp2.Private)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := []byte("some-key-material-not-fixed-len")
	plaintext := []byte("The-Answer")

	blob, err := Encrypt(key, plaintext, SaltTruth)
	require.NoError(t, err)
	assert.True(t, len(blob) >= NonceSize+MACSize)

	out, err := Decrypt(key, blob, SaltTruth)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	key := []byte("correct-key")
	wrongKey := []byte("incorrect-key")
	blob, err := Encrypt(key, []byte("secret"), SaltKeyShare)
	require.NoError(t, err)

	_, err = Decrypt(wrongKey, blob, SaltKeyShare)
	assert.ErrorIs(t, err, ErrAuthFail)
}

func TestDecrypt_WrongSaltFails(t *testing.T) {
	key := []byte("correct-key")
	blob, err := Encrypt(key, []byte("secret"), SaltKeyShare)
	require.NoError(t, err)

	_, err = Decrypt(key, blob, SaltTruth)
	assert.ErrorIs(t, err, ErrAuthFail)
}

func TestSecureAnswerHash_BoundToTruthUUID(t *testing.T) {
	answer := []byte("The-Answer")
	salt := testSalt()
	uuidA := []byte("truth-uuid-aaaaaaaaaaaaaaaaaaaaa")
	uuidB := []byte("truth-uuid-bbbbbbbbbbbbbbbbbbbbb")

	hashA, err := SecureAnswerHash(answer, uuidA, salt)
	require.NoError(t, err)
	hashB, err := SecureAnswerHash(answer, uuidB, salt)
	require.NoError(t, err)

	assert.NotEqual(t, hashA, hashB)
}

func TestCoreSecretEncryptRecover_RoundTrip(t *testing.T) {
	coreSecret := []byte("core secret")
	masterSalt := []byte("master-salt")

	var policyKeys [][]byte
	for i := 0; i < 3; i++ {
		shares := [][]byte{
			[]byte{byte(i), 1, 2, 3},
			[]byte{byte(i), 4, 5, 6},
		}
		pk, err := DerivePolicyKey(shares, masterSalt)
		require.NoError(t, err)
		policyKeys = append(policyKeys, pk)
	}

	env, err := EncryptCoreSecret(policyKeys, coreSecret)
	require.NoError(t, err)
	require.Len(t, env.EncryptedMasterKeys, len(policyKeys))

	for i, pk := range policyKeys {
		recovered, err := RecoverCoreSecret(env.EncryptedMasterKeys[i], pk, env.EncryptedCoreSecret)
		require.NoError(t, err)
		assert.Equal(t, coreSecret, recovered)
	}
}

func TestEncryptKeyShare_RejectsWrongLength(t *testing.T) {
	_, err := EncryptKeyShare([]byte("key"), []byte("too-short"))
	assert.Error(t, err)
}

func TestVerifyPolicyUploadSignature_RoundTrip(t *testing.T) {
	id := []byte("seed-material-seed-material-seed-material-seed-material-seedXX")
	kp, err := DeriveAccountKeyPair(id)
	require.NoError(t, err)

	hash := sha512.Sum512([]byte("Test-1"))
	sig, err := SignPolicyUpload(kp.Private, hash)
	require.NoError(t, err)

	assert.True(t, VerifyPolicyUploadSignature(kp.Public, hash, sig))

	otherHash := sha512.Sum512([]byte("Test-2"))
	assert.False(t, VerifyPolicyUploadSignature(kp.Public, otherHash, sig))
}

func TestCrockfordRoundTrip(t *testing.T) {
	data := []byte{0, 1, 2, 3, 254, 255}
	encoded := EncodeCrockford(data)
	decoded, err := DecodeCrockford(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}
