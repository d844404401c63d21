// Package authplugin implements the authorization method registry
// (spec.md §4.3): a capability record per method, polymorphic over
// {validate, start, process, cleanup}, registered at startup from
// configuration rather than loaded via dlopen as the original service
// did. The registry pattern mirrors the teacher's functional-options
// collaborator style used throughout applications/httpapi.
package authplugin

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/anastasis-provider/anastasis/internal/store"
)

// Outcome is the result of driving a plugin's state machine one step.
type Outcome int

const (
	Success Outcome = iota
	Failed
	Suspended
	Finished
)

// ValidateResult is the result of validating a freshly decrypted truth
// or an externally supplied answer.
type ValidateResult int

const (
	ValidateOK ValidateResult = iota
	ValidateInvalid
	ValidateFatal
)

// State carries the plugin-owned bookkeeping for one challenge attempt
// across suspend/resume cycles.
type State struct {
	TruthUUID  [32]byte
	Method     string
	Payload    []byte // the decrypted truth
	Code       string  // the freshly minted challenge code, formatted for delivery; empty for user_provided_code plugins
	ResumeFunc func()  // set by the handler before it waits on a Suspended outcome; the plugin calls it when its external event completes (the scheduler's timeout uses its own callback)
}

// Capabilities is the static, per-method configuration and function
// pointers a plugin supplies (spec §4.3): {validate, start, process,
// cleanup, static_cost, static_periods, user_provided_code,
// payment_plugin_managed}.
type Capabilities struct {
	Method string

	// StaticCost is the per-use price; zero means free.
	StaticCost store.Amount

	// RotationPeriod controls how often a fresh challenge code is minted;
	// ValidityPeriod how long a minted code remains acceptable;
	// RetryCounter the default per-code retry budget;
	// RetransmitFrequency the minimum gap between two code deliveries.
	RotationPeriod       time.Duration
	ValidityPeriod       time.Duration
	RetryCounter         int
	RetransmitFrequency  time.Duration

	// UserProvidedCode is true when the service never generates a
	// numeric challenge itself and validation is delegated entirely to
	// the plugin (e.g. a security-question answer).
	UserProvidedCode bool

	// PaymentPluginManaged is true when the plugin owns the payment
	// side instead of the generic payment-gate in C6.
	PaymentPluginManaged bool

	Validate func(ctx context.Context, mimeType string, decryptedTruth []byte, answer []byte) ValidateResult
	Start    func(ctx context.Context, st *State) error
	Process  func(ctx context.Context, st *State, timeout time.Duration) Outcome
	Cleanup  func(st *State)
}

// Registry holds the methods enabled at startup (spec §4.3: "plugins
// register at startup from configuration; no runtime shared-library
// loading is required").
type Registry struct {
	methods map[string]Capabilities
}

// NewRegistry returns a registry holding only the built-in question
// method; any other method must be added with Register. Lookup reports
// ErrUnknownMethod for a method that was never registered.
func NewRegistry() *Registry {
	r := &Registry{methods: make(map[string]Capabilities)}
	r.Register(QuestionPlugin())
	return r
}

// Register adds or replaces a method's capability record.
func (r *Registry) Register(c Capabilities) {
	r.methods[c.Method] = c
}

// ErrUnknownMethod is returned by Lookup for an unregistered method.
type ErrUnknownMethod struct{ Method string }

func (e ErrUnknownMethod) Error() string {
	return fmt.Sprintf("authplugin: unknown method %q", e.Method)
}

// Lookup returns the capability record for method, or ErrUnknownMethod.
func (r *Registry) Lookup(method string) (Capabilities, error) {
	c, ok := r.methods[method]
	if !ok {
		return Capabilities{}, ErrUnknownMethod{Method: method}
	}
	return c, nil
}

// QuestionPlugin is the only method the base service implements without
// a pluggable backend: the answer is the decrypted truth itself,
// compared in constant time against the client-supplied response bytes
// (which are already the answer hash; no further hashing is applied)
// (spec §4.6 S3(a)).
func QuestionPlugin() Capabilities {
	return Capabilities{
		Method:              "question",
		RotationPeriod:      30 * time.Second, // MAX_QUESTION_FREQ
		ValidityPeriod:      5 * time.Minute,
		RetryCounter:        3,
		RetransmitFrequency: 0,
		UserProvidedCode:    true,
		Validate: func(ctx context.Context, mimeType string, decryptedTruth []byte, answer []byte) ValidateResult {
			if len(answer) != len(decryptedTruth) {
				return ValidateInvalid
			}
			if subtle.ConstantTimeCompare(answer, decryptedTruth) == 1 {
				return ValidateOK
			}
			return ValidateInvalid
		},
		Start: func(ctx context.Context, st *State) error { return nil },
		Process: func(ctx context.Context, st *State, timeout time.Duration) Outcome {
			return Finished
		},
		Cleanup: func(st *State) {},
	}
}
