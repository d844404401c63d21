// Policy subsystem (spec §4.5, C5): GET/POST /policy/$ACCOUNT_PUB.
package api

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/anastasis-provider/anastasis/internal/billing"
	"github.com/anastasis-provider/anastasis/internal/cryptoutil"
	"github.com/anastasis-provider/anastasis/internal/store"
	"github.com/anastasis-provider/anastasis/internal/svcerrors"
)

func decodeAccountPub(hexLike string) ([32]byte, error) {
	var pub [32]byte
	raw, err := cryptoutil.DecodeCrockford(hexLike)
	if err != nil || len(raw) != 32 {
		return pub, errors.New("malformed account public key")
	}
	copy(pub[:], raw)
	return pub, nil
}

// handlePolicyGet implements `GET /policy/$ACCOUNT_PUB[?version=N]`
// (spec §4.5).
func (h *Handler) handlePolicyGet(w http.ResponseWriter, r *http.Request, pubHex string) {
	ctx := r.Context()

	pub, err := decodeAccountPub(pubHex)
	if err != nil {
		h.writeSvcError(w, svcerrors.InvalidFormat("account_pub", "32-byte base32"))
		return
	}

	acct, err := h.store.LookupAccount(ctx, pub)
	switch {
	case errors.Is(err, store.ErrPaymentRequired):
		h.writeSvcError(w, svcerrors.NotFound("account", pubHex))
		return
	case err != nil:
		h.writeSvcError(w, svcerrors.StorageError("lookup_account", err))
		return
	}

	if !acct.HasRecoveryDoc {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	etag := cryptoutil.EncodeCrockford(acct.CurrentHash[:])
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var doc *store.RecoveryDocument
	if v := r.URL.Query().Get(QueryVersion); v != "" {
		version, convErr := strconv.ParseUint(v, 10, 32)
		if convErr != nil {
			h.writeSvcError(w, svcerrors.InvalidFormat(QueryVersion, "unsigned integer"))
			return
		}
		doc, err = h.store.GetRecoveryDocument(ctx, pub, uint32(version))
	} else {
		doc, err = h.store.GetLatestRecoveryDocument(ctx, pub)
	}
	if errors.Is(err, store.ErrNoResults) {
		h.writeSvcError(w, svcerrors.NotFound("policy", pubHex).WithDetails("hint", "POLICY_NOT_FOUND"))
		return
	}
	if err != nil {
		h.writeSvcError(w, svcerrors.StorageError("get_recovery_document", err))
		return
	}

	w.Header().Set("Anastasis-Policy-Signature", cryptoutil.EncodeCrockford(doc.Signature[:]))
	w.Header().Set(HeaderVersion, strconv.FormatUint(uint64(doc.Version), 10))
	w.Header().Set("ETag", cryptoutil.EncodeCrockford(doc.Hash[:]))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Bytes)
}

// handlePolicyPost implements `POST /policy/$ACCOUNT_PUB` (spec §4.5),
// streaming and hashing the body incrementally (spec §5: "the service
// never buffers a second copy nor more than the declared Content-Length").
func (h *Handler) handlePolicyPost(w http.ResponseWriter, r *http.Request, pubHex string) {
	ctx := r.Context()

	pub, err := decodeAccountPub(pubHex)
	if err != nil {
		h.writeSvcError(w, svcerrors.InvalidFormat("account_pub", "32-byte base32"))
		return
	}

	limitBytes := int64(h.cfg.Anastasis.UploadLimitMB) << 20
	if r.ContentLength < 0 {
		h.writeSvcError(w, svcerrors.MissingParameter("Content-Length"))
		return
	}
	// Supplemented feature (SPEC_FULL.md §C.2): reject oversized uploads
	// from the declared length before reading a single byte of the body.
	if r.ContentLength > limitBytes {
		h.writeSvcError(w, svcerrors.BodyTooLarge(limitBytes))
		return
	}

	promisedHashHex := r.Header.Get("If-None-Match")
	if promisedHashHex == "" {
		h.writeSvcError(w, svcerrors.MissingParameter("If-None-Match"))
		return
	}
	promisedHashRaw, err := cryptoutil.DecodeCrockford(promisedHashHex)
	if err != nil || len(promisedHashRaw) != 64 {
		h.writeSvcError(w, svcerrors.InvalidFormat("If-None-Match", "64-byte base32 hash"))
		return
	}
	var promisedHash [64]byte
	copy(promisedHash[:], promisedHashRaw)

	sigHex := r.Header.Get(HeaderPolicySignature)
	if sigHex == "" {
		h.writeSvcError(w, svcerrors.MissingParameter(HeaderPolicySignature))
		return
	}
	sig, err := cryptoutil.DecodeCrockford(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		h.writeSvcError(w, svcerrors.InvalidFormat(HeaderPolicySignature, "64-byte base32 signature"))
		return
	}

	if !cryptoutil.VerifyPolicyUploadSignature(ed25519.PublicKey(pub[:]), promisedHash, sig) {
		h.writeSvcError(w, svcerrors.InvalidSignature(errors.New("policy upload signature does not verify")))
		return
	}

	years := 1
	if v := r.Header.Get(HeaderStorageDuration); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			years = n
		}
	}
	years = billing.ClampYears(years)

	acct, err := h.store.LookupAccount(ctx, pub)
	var existing store.Account
	switch {
	case errors.Is(err, store.ErrPaymentRequired):
		// Never paid before; proceed to the payment gate below.
	case err != nil:
		h.writeSvcError(w, svcerrors.StorageError("lookup_account", err))
		return
	default:
		existing = *acct
		if existing.HasRecoveryDoc && existing.CurrentHash == promisedHash {
			// Idempotent re-upload of identical bytes (spec §4.5: "if
			// existing hash == client-promised hash return 304").
			w.Header().Set(HeaderVersion, strconv.FormatUint(uint64(existing.CurrentVersion), 10))
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	annualFee := store.Amount{Currency: h.cfg.Anastasis.Currency, Value: h.cfg.Anastasis.AnnualFeeCents}
	paymentIDHex := r.Header.Get(HeaderPaymentIdentifier)

	paidUntil, svcErr := h.resolvePaymentGate(ctx, paymentIDHex, existing.PaidUntil, years, annualFee, "Anastasis policy storage",
		func(paymentID [32]byte, amount store.Amount, yearsToPay int) (time.Time, error) {
			delta := time.Duration(yearsToPay) * billing.Year
			newPaidUntil, incErr := h.store.IncrementLifetime(ctx, pub, paymentID, delta)
			if incErr != nil {
				return time.Time{}, incErr
			}
			if recErr := h.store.RecordRecdocPayment(ctx, pub, 0, paymentID, amount); recErr != nil {
				return time.Time{}, recErr
			}
			return newPaidUntil, nil
		})
	if svcErr != nil {
		h.writeSvcError(w, svcErr)
		return
	}

	limited := io.LimitReader(r.Body, limitBytes+1)
	hasher := sha512.New()
	bytesOut, err := io.ReadAll(io.TeeReader(limited, hasher))
	if err != nil {
		h.writeSvcError(w, svcerrors.InvalidInput("body", "failed to read request body"))
		return
	}
	if int64(len(bytesOut)) > limitBytes {
		h.writeSvcError(w, svcerrors.BodyTooLarge(limitBytes))
		return
	}

	var streamedHash [64]byte
	copy(streamedHash[:], hasher.Sum(nil))
	if streamedHash != promisedHash {
		h.writeSvcError(w, svcerrors.InvalidInput("body", "streamed content hash does not match the signed promise"))
		return
	}

	doc := store.RecoveryDocument{
		AccountPub: pub,
		Hash:       streamedHash,
		Signature:  padSignature(sig),
		Bytes:      bytesOut,
	}

	err = h.store.StoreRecoveryDocument(ctx, doc, paymentIDFromHex(paymentIDHex))
	switch {
	case errors.Is(err, store.ErrNoResults):
		w.WriteHeader(http.StatusNotModified)
		return
	case errors.Is(err, store.ErrStoreLimitExceeded):
		h.writeSvcError(w, svcerrors.UploadLimitExceeded())
		return
	case err != nil:
		h.writeSvcError(w, svcerrors.StorageError("store_recovery_document", err))
		return
	}

	updated, err := h.store.LookupAccount(ctx, pub)
	if err == nil {
		w.Header().Set(HeaderVersion, strconv.FormatUint(uint64(updated.CurrentVersion), 10))
	}
	w.Header().Set(HeaderPolicyExpiration, strconv.FormatInt(paidUntil.Unix(), 10))
	w.WriteHeader(http.StatusNoContent)
}

// padSignature is a defensive copy helper since cryptoutil.DecodeCrockford
// returns a slice whose backing array must not alias sig across calls.
func padSignature(sig []byte) [64]byte {
	var out [64]byte
	copy(out[:], sig)
	return out
}

func paymentIDFromHex(hexLike string) [32]byte {
	var out [32]byte
	if hexLike == "" {
		return out
	}
	raw, err := cryptoutil.DecodeCrockford(hexLike)
	if err == nil && len(raw) == 32 {
		copy(out[:], raw)
	}
	return out
}
