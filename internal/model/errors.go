// Package model defines the typed records every component downstream of
// the Exchange Client consumes, plus the stable error-kind taxonomy shared
// by the Error Tracker, Circuit Breaker and Retry Policy.
package model

import "fmt"

// Kind is one of the stable taxonomy strings from spec.md §7.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindTimeout      Kind = "timeout"
	KindRateLimit    Kind = "rate_limit"
	KindExchange5xx  Kind = "exchange_server"
	KindExchange4xx  Kind = "exchange_client"
	KindValidation   Kind = "validation"
	KindCircuitOpen  Kind = "circuit_open"
	KindStorage      Kind = "storage"
	KindConfig       Kind = "config"
)

// Retryable reports whether the Retry Policy should consume budget on this
// kind, per spec.md §4.3/§7.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindExchange5xx:
		return true
	default:
		return false
	}
}

// TrackedError carries a stable Kind alongside the wrapped cause so that
// errors.As/errors.Is keep working through Retry/Breaker/Tracker layers.
type TrackedError struct {
	Kind Kind
	Err  error
}

func NewTrackedError(kind Kind, err error) *TrackedError {
	return &TrackedError{Kind: kind, Err: err}
}

func (e *TrackedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TrackedError) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *TrackedError, defaulting to KindNetwork for unclassified failures so
// transient errors still get a retry attempt rather than surfacing raw.
func KindOf(err error) Kind {
	var te *TrackedError
	if asTrackedError(err, &te) {
		return te.Kind
	}
	return KindNetwork
}

func asTrackedError(err error, target **TrackedError) bool {
	for err != nil {
		if te, ok := err.(*TrackedError); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
