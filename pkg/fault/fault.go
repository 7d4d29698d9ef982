// Package fault defines the stable error codes surfaced on session and
// provider streams, and helpers to classify wrapped errors.
package fault

import (
	"errors"
	"fmt"
)

// Code is a stable, wire-visible error code.
type Code string

const (
	// ProviderTransient marks an ASR/MT/TTS timeout or 5xx. Retried once
	// with capped backoff before degrading the affected stream.
	ProviderTransient Code = "provider_transient"

	// ProviderFatal marks auth failures, unsupported languages, or provider
	// quota exhaustion. Never retried on the same route.
	ProviderFatal Code = "provider_fatal"

	// ProviderDegraded is surfaced on a stream after a transient error recurs.
	ProviderDegraded Code = "provider_degraded"

	// InvalidState marks a frame sent out of order, e.g. audio before init.
	InvalidState Code = "invalid_state"

	// QuotaExceeded marks a tenant over its usage budget.
	QuotaExceeded Code = "quota_exceeded"

	// BackpressureDrop marks an outbound frame dropped on overflow. Recorded
	// in a counter, never sent to the peer.
	BackpressureDrop Code = "backpressure_drop"

	// Protocol marks a malformed inbound frame. Logged and ignored.
	Protocol Code = "protocol"

	// TranslationFailed marks an MT failure on one listener stream.
	TranslationFailed Code = "translation_failed"

	// AsrFailed ends the session: the recognizer is unusable.
	AsrFailed Code = "asr_failed"
)

// Error carries a stable code alongside a wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error wrapping a cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the stable code from err, unwrapping as needed.
// Unclassified errors report ProviderTransient so callers err on the side
// of retrying once.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ProviderTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return CodeOf(err) == ProviderTransient
}

// IsFatal reports whether err must not be retried on the same route.
func IsFatal(err error) bool {
	c := CodeOf(err)
	return c == ProviderFatal || c == QuotaExceeded
}
