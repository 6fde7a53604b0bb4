// Package otcerr classifies broker errors into the kinds the engine,
// payout queue and RPC layer dispatch on. Construction sites pick the
// kind; consumers only ever ask KindOf.
package otcerr

import (
	"errors"
	"fmt"
)

// Kind is the error class. The class decides policy: rejection, retry,
// refund planning or operator escalation.
type Kind string

const (
	KindUnknown           Kind = "Unknown"
	KindInvalidInput      Kind = "InvalidInput"      // unknown asset, malformed amount, bad address
	KindInvalidToken      Kind = "InvalidToken"      // party token mismatch or reuse
	KindNotFound          Kind = "NotFound"          // unknown deal id
	KindInvalidTransition Kind = "InvalidTransition" // operation illegal in the current stage
	KindAdapterTransient  Kind = "AdapterTransient"  // RPC timeout, rate limit, chain unavailable
	KindAdapterPermanent  Kind = "AdapterPermanent"  // bad signature, dead nonce, permanently reorged tx
	KindReorgDetected     Kind = "ReorgDetected"     // confirmed deposit vanished
	KindOracleUnavailable Kind = "OracleUnavailable" // cannot freeze a USD commission
	KindFatal             Kind = "Fatal"             // store corruption, consistency violation
)

// Error carries a kind, a human message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it unwrappable.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf walks the chain and returns the first classified kind, or
// KindUnknown when nothing in the chain carries one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is lets errors.Is match on kind: otcerr.E(kind, ...) matches any
// error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether the payout queue should retry with
// backoff instead of failing the intent.
func IsTransient(err error) bool {
	return KindOf(err) == KindAdapterTransient
}
