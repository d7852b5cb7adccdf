package payments

import (
	"errors"
	"fmt"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
)

var (
	ErrNotFound               = errors.New("payment not found")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrAuthorizationMismatch is returned when a processor payment is
	// recorded again with different amount, currency or tenant.
	ErrAuthorizationMismatch = errors.New("payment already recorded with different details")
	// ErrProcessorNotConfigured is returned for commands on a payment whose
	// processor has no gateway in this deployment.
	ErrProcessorNotConfigured = errors.New("payment processor not configured")
)

// InvalidStateError is returned when a command is not legal in the
// payment's current status.
type InvalidStateError struct {
	PaymentID string
	Op        string
	Status    models.PaymentStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s payment %s in status %s", e.Op, e.PaymentID, e.Status)
}

// InvalidAmountError is returned for refunds that are not positive or exceed
// the refundable balance.
type InvalidAmountError struct {
	PaymentID      string
	RequestedCents int64
	RemainingCents int64
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid refund amount %d for payment %s (remaining %d)", e.RequestedCents, e.PaymentID, e.RemainingCents)
}

// ProcessorError is a failed processor call as seen by command callers.
type ProcessorError struct {
	Processor string
	Op        string
	Class     processor.ErrorClass
	Code      string
	Message   string
	Err       error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s %s failed (%s): %s", e.Processor, e.Op, e.Class, e.Message)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

func newProcessorError(gateway, op string, err error) *ProcessorError {
	pe := &ProcessorError{Processor: gateway, Op: op, Class: processor.ClassOf(err), Message: err.Error(), Err: err}
	var perr *processor.Error
	if errors.As(err, &perr) {
		pe.Code = perr.Code
		if perr.Message != "" {
			pe.Message = perr.Message
		}
	}
	return pe
}

// storedError is the persisted form of a command error so an idempotent
// retry returns the same failure.
type storedError struct {
	Kind      string               `json:"kind"`
	Processor string               `json:"processor,omitempty"`
	Op        string               `json:"op,omitempty"`
	Class     processor.ErrorClass `json:"class,omitempty"`
	Code      string               `json:"code,omitempty"`
	Message   string               `json:"message"`
}

const storedErrorProcessor = "processor"

func encodeError(err error) *storedError {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return &storedError{
			Kind:      storedErrorProcessor,
			Processor: pe.Processor,
			Op:        pe.Op,
			Class:     pe.Class,
			Code:      pe.Code,
			Message:   pe.Message,
		}
	}
	return nil
}

func (s *storedError) decode() error {
	if s == nil {
		return nil
	}
	return &ProcessorError{
		Processor: s.Processor,
		Op:        s.Op,
		Class:     s.Class,
		Code:      s.Code,
		Message:   s.Message,
	}
}

// committable reports whether a command outcome is final and must be
// returned again to retries of the same key. Validation errors and
// processor failures that were definitely not applied release the key.
func committable(err error) bool {
	if err == nil {
		return true
	}
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Class != processor.ClassRetryable
	}
	return false
}
