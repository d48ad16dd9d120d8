// Package errs defines the failure taxonomy shared by every chatpay service.
// Each service operation fails with exactly one Kind; the router maps kinds to
// reply templates and the queue worker uses them to decide retryability.
package errs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a failure for routing and retry decisions.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindState               Kind = "state"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindLedgerTransient     Kind = "ledger_transient"
	KindLedgerFailure       Kind = "ledger_failure"
	KindRateLimited         Kind = "rate_limited"
	KindSecurity            Kind = "security"
	KindInternal            Kind = "internal"
)

// Error carries a Kind alongside the wrapped cause. Security and internal
// failures additionally carry a correlation id for support lookup; the id is
// safe to surface to users.
type Error struct {
	Kind          Kind
	Msg           string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a bare error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf formats a message for the given kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. A nil err returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithCorrelation attaches a fresh correlation id to security and internal
// failures, returning the id so callers can log it alongside the error.
func WithCorrelation(err error) (error, string) {
	if err == nil {
		return nil, ""
	}
	id := uuid.NewString()
	var e *Error
	if errors.As(err, &e) {
		e.CorrelationID = id
		return err, id
	}
	return &Error{Kind: KindInternal, Msg: "internal error", CorrelationID: id, Err: err}, id
}

// KindOf extracts the kind from err. Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the failure may succeed on a later attempt.
// Validation, state, and balance failures are deterministic and never retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindLedgerTransient, KindInternal:
		return true
	default:
		return false
	}
}

// CorrelationID returns the correlation id attached to err, if any.
func CorrelationID(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}
