// Package bridgeerr provides the structured error taxonomy used throughout
// promptbridge: a single tagged Error type classifying failures raised by
// the foreign runtime, the cache, the retry policy, and the bridge itself.
package bridgeerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags an Error with the variant it represents.
type Kind string

const (
	KindConfiguration    Kind = "configuration"
	KindForeignImport    Kind = "foreign_import"
	KindForeignException Kind = "foreign_exception"
	KindAssertion        Kind = "assertion"
	KindTimeout          Kind = "timeout"
	KindRateLimited      Kind = "rate_limited"
	KindTransport        Kind = "transport"
	KindCancelled        Kind = "cancelled"
	KindEncoding         Kind = "encoding"
	KindNotConfigured    Kind = "not_configured"
	KindCache            Kind = "cache"
	KindInternal         Kind = "internal"
)

// Error is the single tagged error variant for promptbridge.
//
// Unlike go-eventloop's family of distinct TypeError/RangeError/TimeoutError
// structs, every promptbridge failure is one Error carrying a Kind, so
// retryability and surfacing rules (spec §7) are a pure function of Kind
// rather than a type switch over N structs.
type Error struct {
	Kind Kind
	// Message is a short, user-facing summary.
	Message string
	// ForeignClass is the foreign exception's class/name, when Kind is
	// KindForeignException or was classified from one.
	ForeignClass string
	// ForeignTraceback is a best-effort stringified foreign traceback,
	// captured only when cheap to obtain.
	ForeignTraceback string
	// RetryAfter, when non-zero, is the minimum delay a RateLimited error
	// requests before the next attempt (as nanoseconds int64 to keep the
	// type import-free; callers convert via time.Duration(err.RetryAfter)).
	RetryAfter int64
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.ForeignClass != "" {
		fmt.Fprintf(&b, " (%s)", e.ForeignClass)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes the cause chain for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, enabling
// errors.Is(err, bridgeerr.New(bridgeerr.KindTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel zero-message errors for errors.Is comparisons, mirroring the
// convention of comparing by Kind rather than by pointer identity.
var (
	ErrConfiguration = New(KindConfiguration, "")
	ErrForeignImport = New(KindForeignImport, "")
	ErrAssertion     = New(KindAssertion, "")
	ErrTimeout       = New(KindTimeout, "")
	ErrRateLimited   = New(KindRateLimited, "")
	ErrTransport     = New(KindTransport, "")
	ErrCancelled     = New(KindCancelled, "")
	ErrEncoding      = New(KindEncoding, "")
	ErrNotConfigured = New(KindNotConfigured, "")
	ErrCache         = New(KindCache, "")
	ErrInternal      = New(KindInternal, "")
)

// IsRetryable reports whether an error's Kind is retryable per spec §4.2/§7:
// true for Timeout, RateLimited, Transport; false for everything else
// (including an error that isn't a *Error at all — an unclassified error
// defaults to non-retryable so unknown failures fail closed).
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindTransport:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
