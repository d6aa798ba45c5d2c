// Package syncerr classifies failures raised while pulling, mapping and persisting external records.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind tags an Error with its place in the taxonomy
type Kind int

const (
	KindUnknown Kind = iota
	KindDependencyNotReady
	KindRateLimit
	KindTransient
	KindValidation
	KindMappingNotFound
	KindInvalidMapping
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindDependencyNotReady: "dependency_not_ready",
	KindRateLimit:          "rate_limit",
	KindTransient:          "transient",
	KindValidation:         "validation",
	KindMappingNotFound:    "mapping_not_found",
	KindInvalidMapping:     "invalid_mapping",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Retryable reports whether failures of this kind are expected to clear with time
func (k Kind) Retryable() bool {
	switch k {
	case KindDependencyNotReady, KindRateLimit, KindTransient:
		return true
	default:
		return false
	}
}

// Error is a classified failure
type Error struct {
	Kind       Kind
	Op         string
	Msg        string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may be retried later
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// Is matches another *Error with the same kind, so errors.Is(err, &Error{Kind: KindRateLimit}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// DependencyNotReady reports a referenced entity that has not been synced yet
func DependencyNotReady(format string, args ...any) *Error {
	return newError(KindDependencyNotReady, nil, format, args...)
}

// RateLimit reports throttling by the external system; retryAfter may be zero
func RateLimit(retryAfter time.Duration, format string, args ...any) *Error {
	e := newError(KindRateLimit, nil, format, args...)
	e.RetryAfter = retryAfter
	return e
}

// Transient wraps an I/O failure that is worth retrying
func Transient(err error, format string, args ...any) *Error {
	return newError(KindTransient, err, format, args...)
}

// Validation reports malformed or incomplete input data
func Validation(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// MappingNotFound reports an object type without a registered mapping
func MappingNotFound(objectType string) *Error {
	return newError(KindMappingNotFound, nil, "no mapping registered for object type %q", objectType)
}

// InvalidMapping reports a registration that is not a usable mapping
func InvalidMapping(format string, args ...any) *Error {
	return newError(KindInvalidMapping, nil, format, args...)
}

// WithOp returns a copy of e annotated with the failed operation
func (e *Error) WithOp(op string) *Error {
	c := *e
	c.Op = op
	return &c
}

// KindOf returns the kind of the first classified error in the chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Classify is KindOf with unclassified errors treated as transient.
// Context cancellation and nil are reported as KindUnknown.
func Classify(err error) Kind {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnknown
	}
	if k := KindOf(err); k != KindUnknown {
		return k
	}
	return KindTransient
}

// IsRetryable reports whether err carries a retryable classification.
// Unclassified errors are not retryable here; use Classify for the lenient view.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err).Retryable()
}

// RetryAfter returns the throttling hint of a rate limit error, zero otherwise
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit {
		return e.RetryAfter
	}
	return 0
}
