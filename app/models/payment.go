package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ProcessorStripe    = "stripe"
	ProcessorBraintree = "braintree"
)

// PaymentStatus is the canonical lifecycle state of a payment, independent
// of the processor that carries it.
type PaymentStatus string

const (
	PaymentStatusAuthorized             PaymentStatus = "authorized"
	PaymentStatusSubmittedForSettlement PaymentStatus = "submitted_for_settlement"
	PaymentStatusSettled                PaymentStatus = "settled"
	PaymentStatusPartialRefunded        PaymentStatus = "partial_refunded"
	PaymentStatusRefunded               PaymentStatus = "refunded"
	PaymentStatusVoided                 PaymentStatus = "voided"
	PaymentStatusFailed                 PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition can leave the status.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusVoided, PaymentStatusRefunded, PaymentStatusFailed:
		return true
	}
	return false
}

type Payment struct {
	ID                  string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	TenantID            string         `gorm:"type:varchar(36);not null;index" json:"tenant_id" validate:"required,max=36"`
	BookingID           string         `gorm:"type:varchar(36);index" json:"booking_id" validate:"max=36"`
	Processor           string         `gorm:"type:varchar(20);not null;uniqueIndex:ux_payments_processor_ref,priority:1" json:"processor" validate:"required,oneof=stripe braintree"`
	ProcessorPaymentID  string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_payments_processor_ref,priority:2" json:"processor_payment_id" validate:"required,max=191"`
	AmountCents         int64          `gorm:"not null" json:"amount_cents" validate:"gt=0"`
	Currency            string         `gorm:"type:varchar(3);not null" json:"currency" validate:"required,len=3"`
	Status              PaymentStatus  `gorm:"type:varchar(32);not null;index" json:"status"`
	CapturedAt          *time.Time     `gorm:"type:timestamp;default:null" json:"captured_at,omitempty"`
	CapturedAmountCents int64          `gorm:"not null;default:0" json:"captured_amount_cents"`
	VoidedAt            *time.Time     `gorm:"type:timestamp;default:null" json:"voided_at,omitempty"`
	RefundedAt          *time.Time     `gorm:"type:timestamp;default:null" json:"refunded_at,omitempty"`
	RefundedAmountCents int64          `gorm:"not null;default:0" json:"refunded_amount_cents"`
	LastEventSequence   int64          `gorm:"not null;default:0" json:"-"`
	Meta                datatypes.JSON `json:"meta,omitempty"`
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

func (p *Payment) Validate() error {
	v := validator.New()

	return v.Struct(p)
}

// CollectedCents is the amount submitted for settlement. Payments settled
// without a recorded capture collect the authorized amount.
func (p *Payment) CollectedCents() int64 {
	if p.CapturedAmountCents > 0 {
		return p.CapturedAmountCents
	}
	return p.AmountCents
}

// RemainingCents is the collected amount that has not been refunded yet.
func (p *Payment) RemainingCents() int64 {
	return p.CollectedCents() - p.RefundedAmountCents
}
