package models

import "time"

type DeliveryState string

const (
	DeliveryStatePending      DeliveryState = "pending"
	DeliveryStateInFlight     DeliveryState = "in_flight"
	DeliveryStateDelivered    DeliveryState = "delivered"
	DeliveryStateDeadLettered DeliveryState = "dead_lettered"
	DeliveryStateAbandoned    DeliveryState = "abandoned"
)

// IsTerminal reports whether the dispatcher will no longer pick the delivery up.
func (s DeliveryState) IsTerminal() bool {
	switch s {
	case DeliveryStateDelivered, DeliveryStateDeadLettered, DeliveryStateAbandoned:
		return true
	}
	return false
}

// WebhookDelivery carries the mutable dispatch bookkeeping for exactly one
// WebhookEvent. LeaseOwner and LeaseUntil are set while a worker holds it.
type WebhookDelivery struct {
	EventID       string        `gorm:"type:varchar(36);primaryKey" json:"event_id"`
	SubscriberID  string        `gorm:"type:varchar(36);not null;index" json:"subscriber_id"`
	State         DeliveryState `gorm:"type:varchar(20);not null;index:idx_webhook_deliveries_due,priority:1" json:"state"`
	AttemptCount  int           `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt time.Time     `gorm:"not null;index:idx_webhook_deliveries_due,priority:2" json:"next_attempt_at"`
	LeaseOwner    string        `gorm:"type:varchar(64);not null;default:''" json:"-"`
	LeaseUntil    *time.Time    `gorm:"default:null" json:"lease_until,omitempty"`
	LastError     string        `gorm:"type:text" json:"last_error,omitempty"`
	ArchivedAt    *time.Time    `gorm:"default:null" json:"archived_at,omitempty"`
	CreatedAt     time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsLeased reports whether a worker currently holds a valid lease.
func (d *WebhookDelivery) IsLeased(now time.Time) bool {
	return d.State == DeliveryStateInFlight && d.LeaseUntil != nil && d.LeaseUntil.After(now)
}
