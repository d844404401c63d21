// Package anastasisclient is the wallet-side counterpart to
// internal/api (spec.md §4, C9): it derives the same account key
// material and encryption keys the provider expects, and speaks the
// same HTTP wire protocol (spec §6) to upload/download policies and
// truths. It is a reference implementation of "a correct client", not
// a full reducer/UI — mirroring the teacher's pattern of shipping one
// thin SDK client package (infrastructure/httputil) alongside the
// server it talks to.
package anastasisclient

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anastasis-provider/anastasis/internal/cryptoutil"
	"github.com/anastasis-provider/anastasis/internal/svcerrors"
)

// Wire constants mirror internal/api/headers.go; duplicated here so
// this package depends only on the protocol, not on the server's
// internal handler package.
const (
	headerPaymentIdentifier  = "Anastasis-Payment-Identifier"
	headerPolicySignature    = "Anastasis-Policy-Signature"
	headerVersion            = "Anastasis-Version"
	headerPolicyExpiration   = "Anastasis-Policy-Expiration"
	headerStorageDuration    = "Anastasis-Storage-Duration-Years"
	headerTruthDecryptionKey = "Anastasis-Truth-Decryption-Key"
	headerTaler              = "Taler"

	queryResponse  = "response"
	queryTimeoutMs = "timeout_ms"
	queryVersion   = "version"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to one Anastasis provider instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client from cfg.
func New(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), http: httpClient}
}

// MethodCost is one enabled authorization method and its per-use price,
// as advertised by GET /config.
type MethodCost struct {
	Type string `json:"type"`
	Cost string `json:"usage_fee"`
}

// ProviderConfig mirrors the GET /config body (spec §4.7): everything a
// wallet needs before it can derive an Identity or plan a payment.
type ProviderConfig struct {
	Version          string       `json:"version"`
	BusinessName     string       `json:"business_name"`
	Currency         string       `json:"currency"`
	Methods          []MethodCost `json:"methods"`
	StorageLimitInMB int          `json:"storage_limit_in_megabytes"`
	AnnualFee        string       `json:"annual_fee"`
	TruthUploadFee   string       `json:"truth_upload_fee"`
	LiabilityCover   string       `json:"liability_cover"`
	ServerSalt       string       `json:"server_salt"`
}

// ProviderSalt decodes the config's base32-encoded server salt, ready to
// pass into DeriveIdentity.
func (pc *ProviderConfig) ProviderSalt() ([]byte, error) {
	return cryptoutil.DecodeCrockford(pc.ServerSalt)
}

// GetConfig implements the client side of `GET /config` (spec §4.7).
func (c *Client) GetConfig(ctx context.Context) (*ProviderConfig, error) {
	_, data, err := c.doRequest(ctx, http.MethodGet, "/config", nil, nil)
	if err != nil {
		return nil, err
	}
	var cfg ProviderConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("anastasisclient: decode config: %w", err)
	}
	return &cfg, nil
}

// Identity bundles the key material derived from one user's identifying
// attributes (spec §4.1): the stretched identifier used to encrypt the
// recovery document and key shares, and the Ed25519 keypair used to
// address and sign policy uploads.
type Identity struct {
	Identifier []byte
	KeyPair    *cryptoutil.AccountKeyPair
}

// DeriveIdentity derives an Identity from idData (the canonicalized
// identifying attributes, spec §4.1) and the provider's published salt.
func DeriveIdentity(idData map[string]any, providerSalt []byte) (*Identity, error) {
	identifier, err := cryptoutil.DeriveUserIdentifier(idData, providerSalt)
	if err != nil {
		return nil, fmt.Errorf("anastasisclient: derive identifier: %w", err)
	}
	keyPair, err := cryptoutil.DeriveAccountKeyPair(identifier)
	if err != nil {
		return nil, fmt.Errorf("anastasisclient: derive account keypair: %w", err)
	}
	return &Identity{Identifier: identifier, KeyPair: keyPair}, nil
}

// AccountPub returns the base32-encoded public key identifying this
// identity's account on the wire (spec §6's $ACCOUNT_PUB).
func (id *Identity) AccountPub() string {
	return cryptoutil.EncodeCrockford(id.KeyPair.Public)
}

// PaymentRequired is returned when an operation needs a fresh payment;
// PayURI is the `taler[+http]://pay/...` URI from the `Taler:` response
// header (spec §6), and PaymentIdentifier is the base32 order ID to
// retry the call with once paid.
type PaymentRequired struct {
	PayURI            string
	PaymentIdentifier string
}

func (e *PaymentRequired) Error() string {
	return fmt.Sprintf("anastasisclient: payment required: %s", e.PayURI)
}

// doRequest issues one HTTP request and classifies the response: 2xx
// bodies are returned verbatim, 402 is translated into PaymentRequired,
// and any other non-2xx status is decoded as a *svcerrors.ServiceError.
func (c *Client) doRequest(ctx context.Context, method, path string, headers http.Header, body io.Reader) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		pr := &PaymentRequired{PayURI: resp.Header.Get(headerTaler)}
		var decoded svcerrors.ServiceError
		if jsonErr := json.Unmarshal(data, &decoded); jsonErr == nil {
			if pid, ok := decoded.Details["payment_identifier"].(string); ok {
				pr.PaymentIdentifier = pid
			}
		}
		return resp, data, pr
	}

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotModified && resp.StatusCode != http.StatusNoContent {
		var decoded svcerrors.ServiceError
		if jsonErr := json.Unmarshal(data, &decoded); jsonErr == nil && decoded.Message != "" {
			decoded.HTTPStatus = resp.StatusCode
			return resp, data, &decoded
		}
		return resp, data, fmt.Errorf("anastasisclient: %s %s returned %d", method, path, resp.StatusCode)
	}

	return resp, data, nil
}

// UploadResult reports the outcome of a successful policy or truth
// upload.
type UploadResult struct {
	PaidUntil time.Time
	Version   uint32 // only set for policy uploads
}

// UploadPolicy implements the client side of `POST /policy/$ACCOUNT_PUB`
// (spec §4.5): encrypt the plaintext recovery document under the
// identity's identifier, sign its hash, and upload. A zero
// paymentIdentifier begins a fresh payment; on 402 the caller should
// pay the returned URI and retry with the identifier.
func (c *Client) UploadPolicy(ctx context.Context, identity *Identity, plaintext []byte, paymentIdentifier string, storageDurationYears int) (*UploadResult, error) {
	encrypted, err := cryptoutil.EncryptRecoveryDocument(identity.Identifier, plaintext)
	if err != nil {
		return nil, fmt.Errorf("anastasisclient: encrypt recovery document: %w", err)
	}
	hash := sha512.Sum512(encrypted)
	sig, err := cryptoutil.SignPolicyUpload(identity.KeyPair.Private, hash)
	if err != nil {
		return nil, fmt.Errorf("anastasisclient: sign policy upload: %w", err)
	}

	headers := http.Header{}
	headers.Set("If-None-Match", cryptoutil.EncodeCrockford(hash[:]))
	headers.Set(headerPolicySignature, cryptoutil.EncodeCrockford(sig))
	headers.Set("Content-Length", strconv.Itoa(len(encrypted)))
	if storageDurationYears > 0 {
		headers.Set(headerStorageDuration, strconv.Itoa(storageDurationYears))
	}
	if paymentIdentifier != "" {
		headers.Set(headerPaymentIdentifier, paymentIdentifier)
	}

	resp, _, err := c.doRequest(ctx, http.MethodPost, "/policy/"+identity.AccountPub(), headers, bytes.NewReader(encrypted))
	if err != nil {
		return nil, err
	}

	result := &UploadResult{}
	if expUnix := resp.Header.Get(headerPolicyExpiration); expUnix != "" {
		if secs, convErr := strconv.ParseInt(expUnix, 10, 64); convErr == nil {
			result.PaidUntil = time.Unix(secs, 0)
		}
	}
	if v := resp.Header.Get(headerVersion); v != "" {
		if n, convErr := strconv.ParseUint(v, 10, 32); convErr == nil {
			result.Version = uint32(n)
		}
	}
	return result, nil
}

// DownloadPolicy implements the client side of
// `GET /policy/$ACCOUNT_PUB[?version=N]` (spec §4.5), returning the
// decrypted recovery document. version == 0 fetches the latest.
func (c *Client) DownloadPolicy(ctx context.Context, identity *Identity, version uint32) ([]byte, error) {
	path := "/policy/" + identity.AccountPub()
	if version > 0 {
		path += "?" + url.Values{queryVersion: {strconv.FormatUint(uint64(version), 10)}}.Encode()
	}

	resp, data, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, fmt.Errorf("anastasisclient: account has no recovery document yet")
	}

	return cryptoutil.DecryptRecoveryDocument(identity.Identifier, data)
}

// TruthUpload describes one truth object to store (spec §4.6): its
// authorization method, the already-encrypted key share (so the client
// controls the key-share encryption key, typically the answer to a
// security question or the account identifier), and the plaintext
// truth (e.g. a phone number or question text) which this call
// encrypts under a fresh per-truth key before upload.
type TruthUpload struct {
	Method               string
	MimeType             string
	TruthPlaintext       []byte
	EncryptedKeyShare    []byte // exactly cryptoutil.EncryptedKeyShareSize
	PaymentIdentifier    string
	StorageDurationYears int
}

// UploadedTruth is returned by UploadTruth: the UUID the provider filed
// the truth under, and the decryption key the client must retain to
// later issue `GET /truth/$UUID` (spec §6's
// `Anastasis-Truth-Decryption-Key` header).
type UploadedTruth struct {
	UUID          string
	DecryptionKey []byte
	UploadResult
}

// UploadTruth implements the client side of `POST /truth/$UUID` (spec
// §4.6): it mints the UUID and the truth encryption key itself, since
// both are opaque to the provider.
func (c *Client) UploadTruth(ctx context.Context, t TruthUpload) (*UploadedTruth, error) {
	// The wire UUID is a 32-byte opaque identifier (matching account
	// public keys, spec §6), twice the width of a standard UUID, so two
	// independent random UUIDs are concatenated to fill it.
	var truthUUID [32]byte
	first, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("anastasisclient: generate truth uuid: %w", err)
	}
	second, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("anastasisclient: generate truth uuid: %w", err)
	}
	copy(truthUUID[:16], first[:])
	copy(truthUUID[16:], second[:])

	truthEncKey := make([]byte, 32)
	if _, err := io.ReadFull(crand.Reader, truthEncKey); err != nil {
		return nil, fmt.Errorf("anastasisclient: generate truth encryption key: %w", err)
	}
	encryptedTruth, err := cryptoutil.EncryptTruth(truthEncKey, t.TruthPlaintext)
	if err != nil {
		return nil, fmt.Errorf("anastasisclient: encrypt truth: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"key_share_data":         cryptoutil.EncodeCrockford(t.EncryptedKeyShare),
		"type":                   t.Method,
		"encrypted_truth":        cryptoutil.EncodeCrockford(encryptedTruth),
		"truth_mime":             t.MimeType,
		"storage_duration_years": t.StorageDurationYears,
	})
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if t.PaymentIdentifier != "" {
		headers.Set(headerPaymentIdentifier, t.PaymentIdentifier)
	}

	uuidHex := cryptoutil.EncodeCrockford(truthUUID[:])
	resp, _, err := c.doRequest(ctx, http.MethodPost, "/truth/"+uuidHex, headers, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	result := UploadResult{}
	if expUnix := resp.Header.Get(headerPolicyExpiration); expUnix != "" {
		if secs, convErr := strconv.ParseInt(expUnix, 10, 64); convErr == nil {
			result.PaidUntil = time.Unix(secs, 0)
		}
	}

	return &UploadedTruth{UUID: uuidHex, DecryptionKey: truthEncKey, UploadResult: result}, nil
}

// EncryptKeyShare encrypts keyShare under key (spec §4.1: the answer to
// a security question, or the account identifier for most other
// methods), for use as TruthUpload.EncryptedKeyShare.
func EncryptKeyShare(key []byte, keyShare [32]byte) ([]byte, error) {
	return cryptoutil.EncryptKeyShare(key, keyShare[:])
}

// DecryptKeyShare recovers the plaintext key share from a
// ChallengeResult.KeyShare, the inverse of EncryptKeyShare.
func DecryptKeyShare(key []byte, encryptedKeyShare []byte) ([]byte, error) {
	return cryptoutil.DecryptKeyShare(key, encryptedKeyShare)
}

// ChallengeResult is the outcome of GetTruth: either the released key
// share (Done), or an indication that a challenge was sent out of band
// and the caller should retry with the response it receives.
type ChallengeResult struct {
	KeyShare       []byte // set when the challenge succeeded immediately
	ChallengeSent  bool   // true when the provider dispatched an out-of-band code
	Done           bool
}

// GetTruth implements the client side of `GET /truth/$UUID` (spec
// §4.6). response is the base32-encoded answer/code for this attempt,
// or empty to only trigger challenge delivery (for code-based methods).
// timeout bounds how long the provider may hold the connection open
// waiting on a plugin's suspended state.
func (c *Client) GetTruth(ctx context.Context, uuidHex string, decryptionKey []byte, response string, timeout time.Duration) (*ChallengeResult, error) {
	path := "/truth/" + uuidHex
	q := url.Values{}
	if response != "" {
		q.Set(queryResponse, response)
	}
	if timeout > 0 {
		q.Set(queryTimeoutMs, strconv.FormatInt(timeout.Milliseconds(), 10))
	}
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	headers := http.Header{}
	headers.Set(headerTruthDecryptionKey, cryptoutil.EncodeCrockford(decryptionKey))

	resp, data, err := c.doRequest(ctx, http.MethodGet, path, headers, nil)
	if err != nil {
		if se := svcerrors.As(err); se != nil && se.Code == svcerrors.Code("CHALLENGE_SENT") {
			return &ChallengeResult{ChallengeSent: true}, nil
		}
		if se := svcerrors.As(err); se != nil && (se.Code == svcerrors.CodeRateLimited || se.Code == svcerrors.CodeTimeout) {
			return nil, se
		}
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &ChallengeResult{KeyShare: data, Done: true}, nil
	case http.StatusForbidden:
		return &ChallengeResult{ChallengeSent: true}, nil
	default:
		return nil, fmt.Errorf("anastasisclient: unexpected status %d from GET %s", resp.StatusCode, path)
	}
}
