package api

// Header and query-parameter names from the wire protocol (spec.md §6).
const (
	HeaderPaymentIdentifier  = "Anastasis-Payment-Identifier"
	HeaderPolicySignature    = "Anastasis-Policy-Signature"
	HeaderVersion            = "Anastasis-Version"
	HeaderPolicyExpiration   = "Anastasis-Policy-Expiration"
	HeaderStorageDuration    = "Anastasis-Storage-Duration-Years"
	HeaderTruthDecryptionKey = "Anastasis-Truth-Decryption-Key"
	HeaderTaler              = "Taler"

	QueryResponse   = "response"
	QueryTimeoutMs  = "timeout_ms"
	QueryVersion    = "version"
)
