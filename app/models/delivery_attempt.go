package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AttemptStatus string

const (
	AttemptStatusSuccess AttemptStatus = "success"
	AttemptStatusFailed  AttemptStatus = "failed"
)

// DeliveryAttempt is one HTTP delivery try. (WebhookEventID, AttemptNo) is
// unique and attempt numbers are contiguous from 1.
type DeliveryAttempt struct {
	ID             string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	WebhookEventID string        `gorm:"type:varchar(36);not null;uniqueIndex:ux_delivery_attempts_event_no,priority:1" json:"webhook_event_id"`
	AttemptNo      int           `gorm:"not null;uniqueIndex:ux_delivery_attempts_event_no,priority:2" json:"attempt_no"`
	SubscriberID   string        `gorm:"type:varchar(36);not null;index" json:"subscriber_id"`
	Status         AttemptStatus `gorm:"type:varchar(20);not null" json:"status"`
	HTTPStatus     int           `gorm:"not null;default:0" json:"http_status,omitempty"`
	LatencyMs      int64         `gorm:"not null;default:0" json:"latency_ms"`
	Error          string        `gorm:"type:text" json:"error,omitempty"`
	Manual         bool          `gorm:"not null;default:false" json:"manual"`
	CreatedAt      time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
}

func (a *DeliveryAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
