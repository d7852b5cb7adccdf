package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/ClubPay/app/models"
)

// inboundEventRepository implements the InboundEventRepository interface
type inboundEventRepository struct {
	db *gorm.DB
}

// NewInboundEventRepository creates a new inbound event repository instance
func NewInboundEventRepository(db *gorm.DB) InboundEventRepository {
	return &inboundEventRepository{db: db}
}

func (r *inboundEventRepository) CreateIfNotExists(ctx context.Context, event *models.InboundEvent) (bool, *models.InboundEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "processor"},
			{Name: "processor_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.InboundEvent
	if err := r.db.WithContext(ctx).Where("processor = ? AND processor_event_id = ?", event.Processor, event.ProcessorEventID).
		First(&stored).Error; err != nil {
		return false, nil, translate(err)
	}
	return created, &stored, nil
}

func (r *inboundEventRepository) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
		"attempts":         gorm.Expr("attempts + 1"),
	}
	return r.db.WithContext(ctx).Model(&models.InboundEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *inboundEventRepository) ListPending(ctx context.Context, createdBefore time.Time, maxAttempts, limit int) ([]models.InboundEvent, error) {
	var events []models.InboundEvent
	err := r.db.WithContext(ctx).
		Where("signature_valid = ? AND (processed_at IS NULL OR processing_error <> '') AND attempts < ? AND created_at < ?",
			true, maxAttempts, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
