// Package proxyerr defines the small set of error kinds the proxy engine
// classifies upstream and client failures into (§7 of the spec).
package proxyerr

import "fmt"

// Kind identifies how the selector loop should react to a failure.
type Kind string

const (
	// KindAuthDead means the credential's refresh token or project lookup
	// is permanently rejected by the upstream; the credential is disabled.
	KindAuthDead Kind = "auth_dead"
	// KindQuotaExhausted means the upstream rejected the call for quota
	// reasons and supplied (or implies) a reset time; a cooldown is installed.
	KindQuotaExhausted Kind = "quota_exhausted"
	// KindTransient means a network error, 5xx, or timeout; the selector
	// advances to the next credential up to the configured attempt cap.
	KindTransient Kind = "transient"
	// KindTranslationInput means the client request violates the message
	// schema; it is surfaced as a 4xx identifying the offending field.
	KindTranslationInput Kind = "translation_input"
	// KindPoolExhausted means no usable credential remained after one full
	// round of the selector; it is surfaced as a 503.
	KindPoolExhausted Kind = "pool_exhausted"
)

// Error is the proxy's uniform error envelope. It carries enough for the
// selector loop to classify and react without inspecting error strings.
type Error struct {
	Kind       Kind
	Field      string    // set only for KindTranslationInput
	Message    string
	HTTPStatus int
	RetryAfter *int64 // seconds, when the upstream supplied one (e.g. 429 Retry-After)
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target shares this error's Kind, so callers can use
// errors.Is(err, proxyerr.AuthDead("", nil)) style sentinels if they prefer.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok || other == nil || e == nil {
		return false
	}
	return e.Kind == other.Kind
}

// AuthDead constructs a KindAuthDead error.
func AuthDead(message string, cause error) *Error {
	return &Error{Kind: KindAuthDead, Message: message, HTTPStatus: 401, Cause: cause}
}

// QuotaExhausted constructs a KindQuotaExhausted error, optionally carrying
// a Retry-After hint in seconds.
func QuotaExhausted(message string, retryAfterSeconds *int64) *Error {
	return &Error{Kind: KindQuotaExhausted, Message: message, HTTPStatus: 429, RetryAfter: retryAfterSeconds}
}

// Transient constructs a KindTransient error.
func Transient(message string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: message, HTTPStatus: 502, Cause: cause}
}

// TranslationInput constructs a KindTranslationInput error naming the
// offending field.
func TranslationInput(field, message string) *Error {
	return &Error{Kind: KindTranslationInput, Field: field, Message: message, HTTPStatus: 400}
}

// PoolExhausted constructs a KindPoolExhausted error.
func PoolExhausted(message string) *Error {
	return &Error{Kind: KindPoolExhausted, Message: message, HTTPStatus: 503}
}

// Classify extracts a *Error from an arbitrary error, returning ok=false if
// err does not carry one (e.g. a plain network error from net/http).
func Classify(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	pe, ok := err.(*Error)
	return pe, ok
}
