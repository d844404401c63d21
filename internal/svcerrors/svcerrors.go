// Package svcerrors provides unified error handling for the Anastasis
// provider, generalized from the teacher's infrastructure/errors package.
package svcerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a distinct error condition.
type Code string

const (
	// Authentication errors (1xxx)
	CodeUnauthorized     Code = "AUTH_1001"
	CodeInvalidSignature Code = "AUTH_1002"

	// Payment errors (2xxx)
	CodePaymentRequired   Code = "PAY_2001"
	CodeInsufficientFunds Code = "PAY_2002"

	// Validation errors (3xxx)
	CodeInvalidInput     Code = "VAL_3001"
	CodeMissingParameter Code = "VAL_3002"
	CodeInvalidFormat    Code = "VAL_3003"
	CodeBodyTooLarge     Code = "VAL_3004"

	// Resource errors (4xxx)
	CodeNotFound      Code = "RES_4001"
	CodeConflict      Code = "RES_4002"
	CodeUploadLimit   Code = "RES_4003"
	CodeGone          Code = "RES_4004"

	// Service errors (5xxx)
	CodeInternal         Code = "SVC_5001"
	CodeStorageError     Code = "SVC_5002"
	CodeMerchantError    Code = "SVC_5003"
	CodeRateLimited      Code = "SVC_5004"
	CodeTimeout          Code = "SVC_5005"

	// Cryptographic errors (6xxx)
	CodeDecryptionFailed   Code = "CRYPTO_6001"
	CodeVerificationFailed Code = "CRYPTO_6002"

	// Authorization-plugin errors (7xxx)
	CodeAuthMethodUnknown Code = "AUTHM_7001"
	CodeAuthMethodFailed  Code = "AUTHM_7002"
)

// ServiceError is a structured error carrying a stable code, a
// caller-facing message, the HTTP status it maps to, and optional
// machine-readable details.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a machine-readable detail and returns e for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError with no wrapped cause.
func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a ServiceError around an existing error.
func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Constructors for the conditions the provider actually raises.

func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidSignature(err error) *ServiceError {
	return Wrap(CodeInvalidSignature, "signature verification failed", http.StatusForbidden, err)
}

// PaymentRequired signals the operation needs a fresh payment; handlers
// attach the taler://pay URI as a detail.
func PaymentRequired(payURI string) *ServiceError {
	return New(CodePaymentRequired, "payment required", http.StatusPaymentRequired).
		WithDetails("payto", payURI)
}

func InvalidInput(field, reason string) *ServiceError {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(CodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(CodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func BodyTooLarge(limitBytes int64) *ServiceError {
	return New(CodeBodyTooLarge, "request body exceeds upload limit", http.StatusRequestEntityTooLarge).
		WithDetails("limit_bytes", limitBytes)
}

func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(CodeConflict, message, http.StatusConflict)
}

func UploadLimitExceeded() *ServiceError {
	return New(CodeUploadLimit, "upload limit for the current paid period is exhausted", http.StatusConflict)
}

func Gone(message string) *ServiceError {
	return New(CodeGone, message, http.StatusGone)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

func StorageError(operation string, err error) *ServiceError {
	return Wrap(CodeStorageError, "storage operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func MerchantError(operation string, err error) *ServiceError {
	return Wrap(CodeMerchantError, "merchant backend call failed", http.StatusBadGateway, err).
		WithDetails("operation", operation)
}

func RateLimited(retryAfter string) *ServiceError {
	return New(CodeRateLimited, "too many attempts, slow down", http.StatusTooManyRequests).
		WithDetails("retry_after", retryAfter)
}

// Timeout signals a suspended authorization challenge never reached a
// terminal outcome before the caller's requested deadline (spec §4.8).
func Timeout(message string) *ServiceError {
	return New(CodeTimeout, message, http.StatusGatewayTimeout)
}

func DecryptionFailed(err error) *ServiceError {
	return Wrap(CodeDecryptionFailed, "decryption failed", http.StatusForbidden, err)
}

// TruthDecryptionFailed is the truth-lookup-specific variant (spec §4.6
// S2: "fail ⇒ 417"), distinct from the generic 403 DecryptionFailed,
// since a bad decryption key here means the client's own
// recovery material is wrong, not a forged request.
func TruthDecryptionFailed(err error) *ServiceError {
	return Wrap(CodeDecryptionFailed, "truth decryption failed", http.StatusExpectationFailed, err)
}

func VerificationFailed(err error) *ServiceError {
	return Wrap(CodeVerificationFailed, "verification failed", http.StatusForbidden, err)
}

func AuthMethodUnknown(method string) *ServiceError {
	return New(CodeAuthMethodUnknown, "unknown authorization method", http.StatusBadRequest).
		WithDetails("method", method)
}

func AuthMethodFailed(method string, err error) *ServiceError {
	return Wrap(CodeAuthMethodFailed, "authorization method plugin failed", http.StatusBadGateway, err).
		WithDetails("method", method)
}

// As extracts a *ServiceError from an error chain, if present.
func As(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return nil
}

// HTTPStatus returns the status code an error should be reported with.
func HTTPStatus(err error) int {
	if svcErr := As(err); svcErr != nil {
		return svcErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
