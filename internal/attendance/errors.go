package attendance

import (
	"errors"
	"fmt"
)

var (
	ErrNotCheckedIn   = errors.New("no present record for this session")
	ErrRecordNotFound = errors.New("attendance record not found")
)

// Kind classifies coordinator failures for callers.
type Kind string

const (
	// KindValidation: malformed input, rejected before any gate ran; no record.
	KindValidation Kind = "validation"
	// KindDenied: a gate failed; a rejected record or audit event was written.
	KindDenied Kind = "denied"
	// KindTransient: a dependency failed; nothing was written and a retry is safe.
	KindTransient Kind = "transient"
	// KindNotCheckedIn: check-out without a present record.
	KindNotCheckedIn Kind = "not_checked_in"
	KindNotFound     Kind = "not_found"
)

// Error carries the failure kind and, for denials, the reason.
type Error struct {
	Kind   Kind
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != ReasonNone {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func validation(err error) error { return &Error{Kind: KindValidation, Err: err} }
func transient(err error) error  { return &Error{Kind: KindTransient, Err: err} }

func denied(reason Reason, err error) error {
	return &Error{Kind: KindDenied, Reason: reason, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a coordinator error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the denial reason carried by err.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}
