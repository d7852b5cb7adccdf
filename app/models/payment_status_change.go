package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	StatusChangeSourceCommand   = "command"
	StatusChangeSourceInbound   = "inbound"
	StatusChangeSourceReconcile = "reconcile"
)

// PaymentStatusChange is the append-only audit trail of a payment's
// transitions. Consecutive rows always form a legal path.
type PaymentStatusChange struct {
	ID         string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	PaymentID  string        `gorm:"type:varchar(36);not null;uniqueIndex:ux_payment_status_changes_position,priority:1" json:"payment_id"`
	Position   int           `gorm:"not null;uniqueIndex:ux_payment_status_changes_position,priority:2" json:"position"`
	FromStatus PaymentStatus `gorm:"type:varchar(32)" json:"from_status"`
	ToStatus   PaymentStatus `gorm:"type:varchar(32);not null" json:"to_status"`
	Source     string        `gorm:"type:varchar(20);not null" json:"source"`
	Reference  string        `gorm:"type:varchar(191)" json:"reference,omitempty"`
	CreatedAt  time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
}

func (c *PaymentStatusChange) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
