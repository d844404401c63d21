package svcerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceErrorUnwrapsAndReportsStatus(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := StorageError("get_recovery_document", cause)

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.ErrorIs(t, err, cause)
	assert.True(t, errors.Is(err, cause))
}

func TestPaymentRequiredCarriesPayURI(t *testing.T) {
	err := PaymentRequired("taler://pay/example.com/")
	assert.Equal(t, http.StatusPaymentRequired, err.HTTPStatus)
	assert.Equal(t, "taler://pay/example.com/", err.Details["payto"])
}

func TestAsReturnsNilForPlainErrors(t *testing.T) {
	assert.Nil(t, As(fmt.Errorf("plain")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("plain")))
}

func TestWithDetailsChains(t *testing.T) {
	err := InvalidInput("mime_type", "unsupported").WithDetails("got", "text/plain")
	assert.Equal(t, "unsupported", err.Details["reason"])
	assert.Equal(t, "text/plain", err.Details["got"])
}
