package api

import (
	"context"
	crand "crypto/rand"
	"io"
	"time"

	"github.com/anastasis-provider/anastasis/internal/billing"
	"github.com/anastasis-provider/anastasis/internal/cryptoutil"
	"github.com/anastasis-provider/anastasis/internal/merchant"
	"github.com/anastasis-provider/anastasis/internal/store"
	"github.com/anastasis-provider/anastasis/internal/svcerrors"
)

// beginPayment opens a fresh merchant order for amount and returns a
// PaymentRequired service error carrying the `taler[+http]://pay/...`
// URI (spec §4.5/§4.6 "begin_payment"). The payment identifier doubles
// as the base32-encoded order ID (spec §6).
func (h *Handler) beginPayment(ctx context.Context, amount store.Amount, summary string) *svcerrors.ServiceError {
	var paymentID [32]byte
	if _, err := io.ReadFull(crand.Reader, paymentID[:]); err != nil {
		return svcerrors.Internal("generate payment identifier", err)
	}
	orderID := cryptoutil.EncodeCrockford(paymentID[:])
	if err := h.merchant.CreateOrder(ctx, orderID, amount, summary, h.cfg.Anastasis.FulfillmentURL); err != nil {
		return svcerrors.As(err)
	}
	payURI := merchant.PayURI(h.host, orderID, h.insecurePay)
	return svcerrors.PaymentRequired(payURI).WithDetails("payment_identifier", orderID)
}

// resolvePaymentGate implements the payment-gating phase shared by POST
// /policy and POST /truth (spec §4.5/§4.6): given the resource's current
// paid-until time, the client-requested storage duration, and the
// per-year unit cost, it either grants the extension outright (free
// tier), confirms an existing payment identifier against the merchant
// backend and grants the extension, or begins a fresh payment and
// returns 402.
//
// onPaid is called once the payment is confirmed (or immediately, for
// the free tier) with the resolved payment identifier (zero for the
// free-tier path), the amount charged, and the number of years being
// granted; it persists the extension via the store and returns the
// resulting paid-until time, which is authoritative (the store alone
// knows how to combine this with any idempotency bookkeeping already
// recorded for paymentID).
func (h *Handler) resolvePaymentGate(
	ctx context.Context,
	paymentIDHex string,
	currentPaidUntil time.Time,
	desiredYears int,
	unitAmount store.Amount,
	summary string,
	onPaid func(paymentID [32]byte, amount store.Amount, yearsToPay int) (time.Time, error),
) (time.Time, *svcerrors.ServiceError) {
	now := time.Now()
	base := currentPaidUntil
	if base.Before(now) {
		base = now
	}

	if unitAmount.IsZero() {
		paidUntil, err := onPaid([32]byte{}, store.Amount{Currency: unitAmount.Currency}, billing.MaxYearsStorage)
		if err != nil {
			return time.Time{}, svcerrors.StorageError("record_payment", err)
		}
		return paidUntil, nil
	}

	desired := now.Add(time.Duration(desiredYears) * billing.Year)
	yearsToPay := billing.YearsToPay(base, desired)
	if yearsToPay < 1 {
		yearsToPay = 1
	}
	amount := store.Amount{Currency: unitAmount.Currency, Value: unitAmount.Value * int64(yearsToPay)}

	if paymentIDHex == "" {
		return time.Time{}, h.beginPayment(ctx, amount, summary)
	}

	raw, err := cryptoutil.DecodeCrockford(paymentIDHex)
	if err != nil || len(raw) != 32 {
		return time.Time{}, svcerrors.InvalidFormat(HeaderPaymentIdentifier, "32-byte base32")
	}
	var paymentID [32]byte
	copy(paymentID[:], raw)

	paid, counterValid, err := h.store.CheckPaymentIdentifier(ctx, paymentID)
	if err != nil {
		return time.Time{}, svcerrors.StorageError("check_payment_identifier", err)
	}

	if !paid {
		orderID := cryptoutil.EncodeCrockford(paymentID[:])
		status, err := h.merchant.GetOrderStatus(ctx, orderID)
		if err != nil {
			return time.Time{}, svcerrors.As(err)
		}
		if !status.Paid {
			payURI := merchant.PayURI(h.host, orderID, h.insecurePay)
			return time.Time{}, svcerrors.PaymentRequired(payURI)
		}
	} else if !counterValid {
		// The upload quota for this payment's paid period is spent; force
		// a fresh payment rather than silently granting more uploads
		// (spec §4.2: "counter exhausted ⇒ generate fresh payment id").
		return time.Time{}, h.beginPayment(ctx, amount, summary)
	}

	paidUntil, err := onPaid(paymentID, amount, yearsToPay)
	if err != nil {
		return time.Time{}, svcerrors.StorageError("record_payment", err)
	}
	return paidUntil, nil
}
