// Package cryptoutil implements the cryptographic primitives of the
// Anastasis key-escrow protocol: identifier derivation, authenticated
// encryption with domain-separated salts, policy-key derivation and the
// master-key fan-out used to spread one core secret across many policies.
package cryptoutil

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// randRead fills b with cryptographically secure random bytes.
func randRead(b []byte) error {
	_, err := io.ReadFull(crand.Reader, b)
	return err
}

// ErrAuthFail is returned by Decrypt when the authentication tag does not
// verify; it never leaks information about which byte differed.
var ErrAuthFail = errors.New("cryptoutil: authentication failed")

const (
	// NonceSize is the secretbox nonce length used on the wire.
	NonceSize = 24
	// MACSize is the secretbox Poly1305 tag length used on the wire.
	MACSize = 16
	// KeyShareSize is the plaintext size of a key share.
	KeyShareSize = 32
	// EncryptedKeyShareSize is NonceSize+MACSize+KeyShareSize (spec §6).
	EncryptedKeyShareSize = NonceSize + MACSize + KeyShareSize
	// IdentifierSize is the length of a derived user identifier.
	IdentifierSize = 64
	// ProviderSaltSize is the length of a per-provider salt.
	ProviderSaltSize = 16
)

// Domain-separation salt strings, one per encryption use (spec §4.1).
const (
	SaltRecoveryDocument = "erd"
	SaltKeyShare         = "eks"
	SaltTruth            = "ect"
	SaltMasterKey        = "emk"
	SaltCoreSecret       = "cse"
)

// argon2Params mirrors the "interactive" Argon2id tuning used for
// password-equivalent, latency-sensitive hashing. These are intentionally
// modest: the data being stretched (user id-data, security answers) is
// hashed once per request, not once per login attempt against an offline
// attacker's full keyspace — the real defense is provider-side rate
// limiting (spec §4.2/§4.6), not Argon2 cost alone.
type argon2Params struct {
	time    uint32
	memKiB  uint32
	threads uint8
}

var defaultArgon2Params = argon2Params{time: 3, memKiB: 64 * 1024, threads: 1}

// powHash is the memory-hard hash referenced throughout spec §4.1 as
// "pow_hash". It is Argon2id seeded by salt, stretching data to outLen
// bytes.
func powHash(data, salt []byte, outLen int) []byte {
	p := defaultArgon2Params
	return argon2.IDKey(data, salt, p.time, p.memKiB, p.threads, uint32(outLen))
}

// deriveKey runs HKDF-SHA512 over ikm, using xts as the HKDF salt and
// info for domain separation, producing outLen bytes.
func deriveKey(ikm, xts []byte, info string, outLen int) ([]byte, error) {
	r := hkdf.New(sha512.New, ikm, xts, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cryptoutil: hkdf expand: %w", err)
	}
	return out, nil
}

// DeriveUserIdentifier implements ANASTASIS_CRYPTO_user_identifier_derive:
// canonicalize idData as sorted-key compact JSON, then memory-hard-hash it
// with providerSalt. Deterministic; distinct providerSalts necessarily
// yield distinct identifiers for identical idData.
func DeriveUserIdentifier(idData map[string]any, providerSalt []byte) ([]byte, error) {
	if len(providerSalt) != ProviderSaltSize {
		return nil, fmt.Errorf("cryptoutil: provider salt must be %d bytes", ProviderSaltSize)
	}
	canon, err := canonicalizeJSON(idData)
	if err != nil {
		return nil, err
	}
	return powHash(canon, providerSalt, IdentifierSize), nil
}

// canonicalizeJSON renders v as compact JSON with object keys sorted, so
// that semantically identical id-data always produces byte-identical
// input to the hash regardless of field ordering.
func canonicalizeJSON(v map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := canonicalizeValue(v[k])
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return ordered, nil
}

// canonicalizeValue recurses into nested maps so that canonicalization is
// stable at every level, not just the top one.
func canonicalizeValue(v any) ([]byte, error) {
	if m, ok := v.(map[string]any); ok {
		return canonicalizeJSON(m)
	}
	return json.Marshal(v)
}

// AccountKeyPair is the Ed25519 keypair deterministically derived from a
// user identifier.
type AccountKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// DeriveAccountKeyPair implements ANASTASIS_CRYPTO_account_keypair_derive:
// KDF the identifier with context "ver" into a 32-byte seed, then derive an
// Ed25519 key from that seed. Deterministic for a given identifier.
func DeriveAccountKeyPair(identifier []byte) (*AccountKeyPair, error) {
	seed, err := deriveKey(identifier, nil, "ver", ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &AccountKeyPair{Private: priv, Public: pub}, nil
}

// SecureAnswerHash implements ANASTASIS_CRYPTO_secure_answer_hash: hash
// (questionSalt, answer) memory-hard, then KDF with truthUUID as info so
// the same answer hashes differently per truth and cannot be reused as a
// dictionary attack across truths.
func SecureAnswerHash(answer []byte, truthUUID []byte, questionSalt []byte) ([]byte, error) {
	stretched := powHash(answer, questionSalt, 64)
	return deriveKey(stretched, nil, string(truthUUID), IdentifierSize)
}

// Encrypt implements ANASTASIS_CRYPTO_*_encrypt: derive a 32-byte
// symmetric key via HKDF(ikm=key, salt=nonce, info=saltString), then
// authenticated-encrypt plaintext with XSalsa20-Poly1305 (NaCl secretbox).
// The output is nonce(24) || mac(16) || ciphertext, so storage is
// stateless: every blob carries what it needs to be decrypted.
func Encrypt(key []byte, plaintext []byte, saltString string) ([]byte, error) {
	var nonce [NonceSize]byte
	if err := randRead(nonce[:]); err != nil {
		return nil, err
	}
	symKey, err := deriveKey(key, nonce[:], saltString, 32)
	if err != nil {
		return nil, err
	}
	var boxKey [32]byte
	copy(boxKey[:], symKey)

	out := make([]byte, 0, NonceSize+MACSize+len(plaintext))
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &boxKey)
	return out, nil
}

// Decrypt implements ANASTASIS_CRYPTO_*_decrypt, the inverse of Encrypt.
// Returns ErrAuthFail on MAC mismatch, never partial plaintext.
func Decrypt(key []byte, blob []byte, saltString string) ([]byte, error) {
	if len(blob) < NonceSize+MACSize {
		return nil, ErrAuthFail
	}
	var nonceArr [NonceSize]byte
	copy(nonceArr[:], blob[:NonceSize])

	symKey, err := deriveKey(key, blob[:NonceSize], saltString, 32)
	if err != nil {
		return nil, err
	}
	var boxKey [32]byte
	copy(boxKey[:], symKey)

	plaintext, ok := secretbox.Open(nil, blob[NonceSize:], &nonceArr, &boxKey)
	if !ok {
		return nil, ErrAuthFail
	}
	return plaintext, nil
}

// EncryptRecoveryDocument/DecryptRecoveryDocument use key=userIdentifier,
// saltString="erd" per spec §4.1.
func EncryptRecoveryDocument(userIdentifier, plaintext []byte) ([]byte, error) {
	return Encrypt(userIdentifier, plaintext, SaltRecoveryDocument)
}

func DecryptRecoveryDocument(userIdentifier, blob []byte) ([]byte, error) {
	return Decrypt(userIdentifier, blob, SaltRecoveryDocument)
}

// EncryptKeyShare/DecryptKeyShare use key=userIdentifier (or the answer
// string, for question-type truths), saltString="eks".
func EncryptKeyShare(key, keyShare []byte) ([]byte, error) {
	if len(keyShare) != KeyShareSize {
		return nil, fmt.Errorf("cryptoutil: key share must be %d bytes", KeyShareSize)
	}
	return Encrypt(key, keyShare, SaltKeyShare)
}

func DecryptKeyShare(key, blob []byte) ([]byte, error) {
	plaintext, err := Decrypt(key, blob, SaltKeyShare)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != KeyShareSize {
		return nil, fmt.Errorf("cryptoutil: decrypted key share has wrong length %d", len(plaintext))
	}
	return plaintext, nil
}

// EncryptTruth/DecryptTruth use an independent random 32-byte
// truthEncKey, saltString="ect".
func EncryptTruth(truthEncKey, plaintext []byte) ([]byte, error) {
	return Encrypt(truthEncKey, plaintext, SaltTruth)
}

func DecryptTruth(truthEncKey, blob []byte) ([]byte, error) {
	return Decrypt(truthEncKey, blob, SaltTruth)
}

// DerivePolicyKey implements ANASTASIS_CRYPTO_policy_key_derive: KDF over
// the concatenated key shares of one policy, with masterSalt as the HKDF
// salt.
func DerivePolicyKey(keyShares [][]byte, masterSalt []byte) ([]byte, error) {
	concat := make([]byte, 0)
	for _, ks := range keyShares {
		concat = append(concat, ks...)
	}
	return deriveKey(concat, masterSalt, "policy", IdentifierSize)
}

// CoreSecretEnvelope is the output of EncryptCoreSecret: one ciphertext of
// the core secret, plus one encrypted copy of the master key per policy.
type CoreSecretEnvelope struct {
	EncryptedCoreSecret []byte
	EncryptedMasterKeys [][]byte // one per policyKey, same order as input
}

// EncryptCoreSecret implements ANASTASIS_CRYPTO_core_secret_encrypt: a
// random master key encrypts the core secret once; that master key is
// then re-encrypted once per policy key. Any single policy's quorum can
// later recover the master key and, through it, the core secret — this
// indirection lets the set of policies change without re-encrypting the
// (possibly large) core secret.
func EncryptCoreSecret(policyKeys [][]byte, coreSecret []byte) (*CoreSecretEnvelope, error) {
	masterKey := make([]byte, 32)
	if err := randRead(masterKey); err != nil {
		return nil, err
	}

	encCore, err := Encrypt(masterKey, coreSecret, SaltCoreSecret)
	if err != nil {
		return nil, err
	}

	encMasterKeys := make([][]byte, len(policyKeys))
	for i, pk := range policyKeys {
		enc, err := Encrypt(pk, masterKey, SaltMasterKey)
		if err != nil {
			return nil, err
		}
		encMasterKeys[i] = enc
	}

	return &CoreSecretEnvelope{EncryptedCoreSecret: encCore, EncryptedMasterKeys: encMasterKeys}, nil
}

// RecoverCoreSecret implements ANASTASIS_CRYPTO_core_secret_recover: the
// inverse of EncryptCoreSecret for one chosen policy.
func RecoverCoreSecret(encMasterKey, policyKey, encCoreSecret []byte) ([]byte, error) {
	masterKey, err := Decrypt(policyKey, encMasterKey, SaltMasterKey)
	if err != nil {
		return nil, err
	}
	defer Zero(masterKey)
	return Decrypt(masterKey, encCoreSecret, SaltCoreSecret)
}

// ConstantTimeEqual reports whether a and b are byte-identical, in time
// independent of where they first differ. Used for comparing
// answer/challenge hashes supplied by the client.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites b with zero bytes in place; best-effort hygiene for
// short-lived key material (mirrors the teacher's crypto.ZeroBytes).
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
