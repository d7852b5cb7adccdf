package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookEvent is one outgoing domain event addressed to one subscriber.
// Rows are immutable once written; dispatch state lives in WebhookDelivery.
type WebhookEvent struct {
	ID           string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	FactID       string         `gorm:"type:varchar(36);not null;index" json:"fact_id"`
	TenantID     string         `gorm:"type:varchar(36);not null;index" json:"tenant_id"`
	EventType    string         `gorm:"type:varchar(100);not null;index" json:"event_type"`
	SubscriberID string         `gorm:"type:varchar(36);not null;index" json:"subscriber_id"`
	Payload      datatypes.JSON `gorm:"not null" json:"payload"`
	OccurredAt   time.Time      `gorm:"not null" json:"occurred_at"`
	CreatedAt    time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
