// Package enginerr defines the engine's error taxonomy: every failure that
// crosses a component boundary carries a Kind, a Severity, and whether the
// caller may retry.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure per the engine's error handling design.
type Kind string

const (
	NetworkError         Kind = "NETWORK_ERROR"
	APIError             Kind = "API_ERROR"
	RateLimitError       Kind = "RATE_LIMIT_ERROR"
	AuthenticationError  Kind = "AUTHENTICATION_ERROR"
	ValidationError      Kind = "VALIDATION_ERROR"
	InsufficientBalance  Kind = "INSUFFICIENT_BALANCE"
	OrderError           Kind = "ORDER_ERROR"
	PositionError        Kind = "POSITION_ERROR"
	InsufficientData     Kind = "INSUFFICIENT_DATA"
	InsufficientCapital  Kind = "INSUFFICIENT_CAPITAL"
)

// Severity ranks how urgently an Error demands operator attention.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// defaultSeverity and defaultRecoverable encode §7's taxonomy table. APIError
// and RateLimitError callers may override Recoverable per response (e.g. a
// 4xx APIError that isn't 429 is non-recoverable).
var defaultSeverity = map[Kind]Severity{
	NetworkError:        SeverityMedium,
	APIError:            SeverityMedium,
	RateLimitError:       SeverityHigh,
	AuthenticationError: SeverityCritical,
	ValidationError:     SeverityMedium,
	InsufficientBalance: SeverityHigh,
	OrderError:          SeverityHigh,
	PositionError:       SeverityHigh,
	InsufficientData:    SeverityMedium,
	InsufficientCapital: SeverityHigh,
}

var defaultRecoverable = map[Kind]bool{
	NetworkError:        true,
	APIError:            true,
	RateLimitError:      true,
	AuthenticationError: false,
	ValidationError:     false,
	InsufficientBalance: false,
	OrderError:          true,
	PositionError:       true,
	InsufficientData:    false,
	InsufficientCapital: false,
}

// Error is the engine's wrapped error type. Op names the failing operation
// (e.g. "gridcalc.SafeLeverage", "exchange.PlaceOrder") for log correlation.
type Error struct {
	Kind        Kind
	Severity    Severity
	Op          string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the taxonomy's default severity/recoverable
// values for kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:        kind,
		Severity:    defaultSeverity[kind],
		Op:          op,
		Recoverable: defaultRecoverable[kind],
		Err:         err,
	}
}

// Newf is New with a formatted message instead of a wrapped error.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// WithRecoverable overrides the taxonomy default, for cases that depend on
// the response (e.g. APIError on a 5xx is recoverable, on a 4xx it is not).
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
