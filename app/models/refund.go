package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RefundStatus string

const (
	RefundStatusPending RefundStatus = "pending"
	RefundStatusSettled RefundStatus = "settled"
	RefundStatusFailed  RefundStatus = "failed"
)

// RefundInitiatorProcessor marks refunds that were first seen on an inbound
// processor event rather than issued through the admin API.
const RefundInitiatorProcessor = "processor"

type Refund struct {
	ID                string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	PaymentID         string       `gorm:"type:varchar(36);not null;index" json:"payment_id"`
	ProcessorRefundID string       `gorm:"type:varchar(191);index" json:"processor_refund_id,omitempty"`
	AmountCents       int64        `gorm:"not null" json:"amount_cents"`
	Reason            string       `gorm:"type:varchar(255)" json:"reason,omitempty"`
	Status            RefundStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	InitiatedByUserID string       `gorm:"type:varchar(64)" json:"initiated_by_user_id"`
	FailureReason     string       `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt         time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *Refund) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
