package trusttoken

import (
	"errors"
	"fmt"
)

// Status is the closed set of outcomes an issuance step reports.
type Status int

const (
	StatusOK Status = iota
	// StatusResourceExhausted: the association budget or the issuer's token
	// capacity is used up.
	StatusResourceExhausted
	// StatusFailedPrecondition: the issuer has no usable key commitment.
	StatusFailedPrecondition
	// StatusInternalError: local cryptographic, storage or sequencing failure.
	StatusInternalError
	// StatusBadResponse: the issuer's reply was missing or did not verify.
	StatusBadResponse
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusResourceExhausted:
		return "resource_exhausted"
	case StatusFailedPrecondition:
		return "failed_precondition"
	case StatusInternalError:
		return "internal_error"
	case StatusBadResponse:
		return "bad_response"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Error carries the Status of a failed step. Sentinels below match any Error
// with the same Status under errors.Is.
type Error struct {
	Op     string
	Status Status
	Err    error
}

var (
	ErrResourceExhausted  = &Error{Status: StatusResourceExhausted}
	ErrFailedPrecondition = &Error{Status: StatusFailedPrecondition}
	ErrInternal           = &Error{Status: StatusInternalError}
	ErrBadResponse        = &Error{Status: StatusBadResponse}
)

func (e *Error) Error() string {
	msg := e.Status.String()
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

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Status == e.Status
}

// StatusOf maps err onto the taxonomy. Errors that did not come from this
// package are internal errors.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusInternalError
}

func newError(op string, status Status, err error) error {
	return &Error{Op: op, Status: status, Err: err}
}
