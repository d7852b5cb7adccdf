package models

import "time"

// InboundEvent stores processor webhook payloads with deduplication
// metadata for idempotent processing.
type InboundEvent struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Processor        string     `gorm:"type:varchar(20);not null;index:ux_inbound_events_processor_event,unique,priority:1" json:"processor"`
	ProcessorEventID string     `gorm:"type:varchar(191);not null;index:ux_inbound_events_processor_event,unique,priority:2" json:"processor_event_id"`
	EventType        string     `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	Payload          string     `gorm:"type:longtext;not null" json:"payload"`
	SignatureHeader  string     `gorm:"type:text" json:"-"`
	SignatureValid   bool       `gorm:"default:false;index" json:"signature_valid"`
	Attempts         int        `gorm:"not null;default:0" json:"attempts"`
	ProcessedAt      *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError  string     `gorm:"type:text" json:"processing_error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NeedsProcessing reports whether the event has not been applied successfully yet.
func (e *InboundEvent) NeedsProcessing() bool {
	return e.SignatureValid && (e.ProcessedAt == nil || e.ProcessingError != "")
}
