package authplugin

import (
	"context"
	"time"

	"github.com/anastasis-provider/anastasis/internal/store"
)

// FilePlugin models the reference implementation's file-delivery method
// (spec §8 scenario 4): a numeric code is written to a location the
// plugin controls out of band; the client reads it and submits it back
// as the response. Process returns Failed when no deliver callback was
// given or delivery returns an error; after a successful delivery it
// suspends and relies on an external trigger wired by the operator's
// deployment.
func FilePlugin(cost store.Amount, deliver func(code string) error) Capabilities {
	return Capabilities{
		Method:              "file",
		StaticCost:          cost,
		RotationPeriod:      time.Hour,
		ValidityPeriod:      24 * time.Hour,
		RetryCounter:        3,
		RetransmitFrequency: time.Minute,
		UserProvidedCode:    false,
		Validate: func(ctx context.Context, mimeType string, decryptedTruth []byte, answer []byte) ValidateResult {
			return ValidateOK
		},
		Start: func(ctx context.Context, st *State) error { return nil },
		Process: func(ctx context.Context, st *State, timeout time.Duration) Outcome {
			if deliver == nil {
				return Failed
			}
			if err := deliver(st.Code); err != nil {
				return Failed
			}
			return Suspended
		},
		Cleanup: func(st *State) {},
	}
}

// SMSPlugin models a code-based method delivered through an SMS
// gateway (spec §4.3: user_provided_code == false). Sending is
// injected so the provider can plug in any gateway without this
// package depending on one.
func SMSPlugin(cost store.Amount, send func(ctx context.Context, phoneNumber, code string) error) Capabilities {
	return Capabilities{
		Method:              "sms",
		StaticCost:          cost,
		RotationPeriod:      5 * time.Minute,
		ValidityPeriod:      15 * time.Minute,
		RetryCounter:        3,
		RetransmitFrequency: 30 * time.Second,
		UserProvidedCode:    false,
		Validate: func(ctx context.Context, mimeType string, decryptedTruth []byte, answer []byte) ValidateResult {
			if len(decryptedTruth) == 0 {
				return ValidateInvalid
			}
			return ValidateOK
		},
		Start: func(ctx context.Context, st *State) error { return nil },
		Process: func(ctx context.Context, st *State, timeout time.Duration) Outcome {
			if send == nil {
				return Failed
			}
			if err := send(ctx, string(st.Payload), st.Code); err != nil {
				return Failed
			}
			return Suspended
		},
		Cleanup: func(st *State) {},
	}
}
