package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WebhookSubscriber is an internal or external endpoint receiving domain
// events. A subscriber without tenant receives events of every tenant.
type WebhookSubscriber struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	TenantID    *string   `gorm:"type:varchar(36);index" json:"tenant_id,omitempty"`
	URL         string    `gorm:"type:varchar(2048);not null" json:"url" validate:"required,url,max=2048"`
	Enabled     bool      `gorm:"not null;default:true;index" json:"enabled"`
	Secret      string    `gorm:"type:varchar(255);not null" json:"-" validate:"required,min=16,max=255"`
	EventTypes  string    `gorm:"type:text" json:"-"`
	Description string    `gorm:"type:varchar(255)" json:"description,omitempty" validate:"max=255"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *WebhookSubscriber) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

func (s *WebhookSubscriber) Validate() error {
	v := validator.New()

	return v.Struct(s)
}

// EventTypeList returns the subscribed event types. Empty means all.
func (s *WebhookSubscriber) EventTypeList() []string {
	if strings.TrimSpace(s.EventTypes) == "" {
		return nil
	}
	parts := strings.Split(s.EventTypes, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *WebhookSubscriber) SetEventTypes(types []string) {
	clean := make([]string, 0, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	s.EventTypes = strings.Join(clean, ",")
}

// Accepts reports whether an event of the given type and tenant should be
// fanned out to this subscriber.
func (s *WebhookSubscriber) Accepts(tenantID, eventType string) bool {
	if !s.Enabled {
		return false
	}
	if s.TenantID != nil && *s.TenantID != tenantID {
		return false
	}
	types := s.EventTypeList()
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == eventType {
			return true
		}
	}
	return false
}
