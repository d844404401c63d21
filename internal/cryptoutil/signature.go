package cryptoutil

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

// PurposePolicyUpload is the fixed 32-bit signature purpose tag
// ANASTASIS_POLICY_UPLOAD (spec §6).
const PurposePolicyUpload uint32 = 0x1058

// policySignedSize is sizeof(uint32 size || uint32 purpose || 64-byte hash).
const policySignedSize = 4 + 4 + 64

// PolicyUploadSignedData builds the structure an account signs over when
// uploading a recovery document: (uint32 size || uint32 purpose ||
// 64-byte content hash). size and purpose are both big-endian, matching
// the wire-format convention used throughout the original protocol's
// "signed struct" idiom.
func PolicyUploadSignedData(contentHash [64]byte) []byte {
	buf := make([]byte, policySignedSize)
	binary.BigEndian.PutUint32(buf[0:4], policySignedSize)
	binary.BigEndian.PutUint32(buf[4:8], PurposePolicyUpload)
	copy(buf[8:], contentHash[:])
	return buf
}

// VerifyPolicyUploadSignature verifies sig over contentHash under pub,
// using the purpose-tagged structure above.
func VerifyPolicyUploadSignature(pub ed25519.PublicKey, contentHash [64]byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, PolicyUploadSignedData(contentHash), sig)
}

// SignPolicyUpload is the client-side counterpart used by pkg/anastasisclient.
func SignPolicyUpload(priv ed25519.PrivateKey, contentHash [64]byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("cryptoutil: private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return ed25519.Sign(priv, PolicyUploadSignedData(contentHash)), nil
}
