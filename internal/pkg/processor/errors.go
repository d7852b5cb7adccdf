package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorClass decides how callers react to a failed processor call
type ErrorClass string

const (
	// ClassRetryable failed before the processor applied anything.
	ClassRetryable ErrorClass = "retryable"
	// ClassNonRetryable is a definitive rejection (validation, decline).
	ClassNonRetryable ErrorClass = "non_retryable"
	// ClassAmbiguous may or may not have been applied and must be reconciled
	// with FetchStatus before any further write.
	ClassAmbiguous ErrorClass = "ambiguous_must_reconcile"
)

// Error is a classified processor failure
type Error struct {
	Processor  string
	Op         string
	Class      ErrorClass
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (%s, http %d): %s", e.Processor, e.Op, e.Class, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s failed (%s): %s", e.Processor, e.Op, e.Class, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of a processor error. Unclassified errors are
// treated as ambiguous.
func ClassOf(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassAmbiguous
}

// SignatureError is returned when an inbound webhook fails verification
type SignatureError struct {
	Processor string
	Reason    string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s webhook signature invalid: %s", e.Processor, e.Reason)
}

// classifyTransport maps a transport failure to a class. Dial failures never
// reached the processor; anything after the request was written may have
// been applied.
func classifyTransport(err error) ErrorClass {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ClassRetryable
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassRetryable
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassAmbiguous
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassAmbiguous
	}
	return ClassAmbiguous
}

// classifyHTTPStatus maps a processor HTTP status to a class.
func classifyHTTPStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ClassRetryable
	case status >= 500:
		return ClassRetryable
	case status == 408:
		return ClassAmbiguous
	default:
		return ClassNonRetryable
	}
}
