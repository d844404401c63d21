package cryptoutil

import "encoding/base32"

// crockfordAlphabet is the GNU libgcrypt/Crockford-style alphabet used for
// every binary identifier and key on the Anastasis wire (spec §6).
// Unlike RFC 4648 base32 it excludes visually ambiguous characters.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var crockfordEncoding = base32.NewEncoding(crockfordAlphabet).WithPadding(base32.NoPadding)

// EncodeCrockford base32-encodes data using the Crockford alphabet,
// without padding, matching the provider wire format.
func EncodeCrockford(data []byte) string {
	return crockfordEncoding.EncodeToString(data)
}

// DecodeCrockford is the inverse of EncodeCrockford.
func DecodeCrockford(s string) ([]byte, error) {
	return crockfordEncoding.DecodeString(s)
}
