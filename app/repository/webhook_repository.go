package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/ClubPay/app/models"
)

const attemptLookupChunk = 500

// webhookRepository implements the WebhookRepository interface
type webhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository creates a new webhook event store instance
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &webhookRepository{db: db}
}

func (r *webhookRepository) CreateSubscriber(ctx context.Context, sub *models.WebhookSubscriber) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *webhookRepository) GetSubscriber(ctx context.Context, id string) (*models.WebhookSubscriber, error) {
	var sub models.WebhookSubscriber
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

func (r *webhookRepository) ListSubscribers(ctx context.Context) ([]models.WebhookSubscriber, error) {
	var subs []models.WebhookSubscriber
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&subs).Error
	return subs, err
}

func (r *webhookRepository) ListActiveSubscribers(ctx context.Context, tenantID string) ([]models.WebhookSubscriber, error) {
	var subs []models.WebhookSubscriber
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND (tenant_id IS NULL OR tenant_id = ?)", true, tenantID).
		Order("created_at ASC").
		Find(&subs).Error
	return subs, err
}

func (r *webhookRepository) SetSubscriberEnabled(ctx context.Context, id string, enabled bool) (*models.WebhookSubscriber, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookSubscriber{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if res.Error != nil {
		return nil, res.Error
	}
	return r.GetSubscriber(ctx, id)
}

func (r *webhookRepository) AppendEvents(ctx context.Context, events []models.WebhookEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendEvents(tx, events)
	})
}

// appendEvents writes the events and one pending delivery per event.
func appendEvents(tx *gorm.DB, events []models.WebhookEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := tx.Create(&events).Error; err != nil {
		return err
	}
	deliveries := make([]models.WebhookDelivery, 0, len(events))
	for _, ev := range events {
		deliveries = append(deliveries, models.WebhookDelivery{
			EventID:       ev.ID,
			SubscriberID:  ev.SubscriberID,
			State:         models.DeliveryStatePending,
			NextAttemptAt: ev.CreatedAt,
		})
	}
	return tx.Create(&deliveries).Error
}

func (r *webhookRepository) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&ev).Error; err != nil {
		return nil, translate(err)
	}
	return &ev, nil
}

func (r *webhookRepository) GetDelivery(ctx context.Context, eventID string) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&d).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *webhookRepository) ListAttempts(ctx context.Context, eventID string) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	err := r.db.WithContext(ctx).
		Where("webhook_event_id = ?", eventID).
		Order("attempt_no ASC").
		Find(&attempts).Error
	return attempts, err
}

func (r *webhookRepository) ListDue(ctx context.Context, now time.Time, excludeSubscribers []string, limit int) ([]models.WebhookDelivery, error) {
	q := r.db.WithContext(ctx).
		Table("webhook_deliveries AS d").
		Select("d.*").
		Joins("JOIN webhook_subscribers s ON s.id = d.subscriber_id").
		Where("s.enabled = ? AND d.state = ? AND d.next_attempt_at <= ?", true, models.DeliveryStatePending, now)
	// NOT IN with an empty list renders as NOT IN (NULL) and matches nothing.
	if len(excludeSubscribers) > 0 {
		q = q.Where("d.subscriber_id NOT IN ?", excludeSubscribers)
	}

	var due []models.WebhookDelivery
	err := q.Order("d.next_attempt_at ASC").Limit(limit).Find(&due).Error
	return due, err
}

func (r *webhookRepository) Claim(ctx context.Context, snapshot *models.WebhookDelivery, owner string, leaseUntil time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("event_id = ? AND state = ? AND attempt_count = ? AND lease_owner = ?",
			snapshot.EventID, snapshot.State, snapshot.AttemptCount, snapshot.LeaseOwner).
		Updates(map[string]interface{}{
			"state":       models.DeliveryStateInFlight,
			"lease_owner": owner,
			"lease_until": leaseUntil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *webhookRepository) RecordAttempt(ctx context.Context, owner string, attempt *models.DeliveryAttempt, next DeliveryTransition) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.WebhookDelivery{}).
			Where("event_id = ? AND state = ? AND lease_owner = ? AND attempt_count = ?",
				attempt.WebhookEventID, models.DeliveryStateInFlight, owner, attempt.AttemptNo-1).
			Updates(map[string]interface{}{
				"state":           next.State,
				"attempt_count":   attempt.AttemptNo,
				"next_attempt_at": next.NextAttemptAt,
				"last_error":      next.LastError,
				"lease_owner":     "",
				"lease_until":     nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		return tx.Create(attempt).Error
	})
}

func (r *webhookRepository) ReleaseLease(ctx context.Context, owner, eventID, reason string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("event_id = ? AND state = ? AND lease_owner = ?", eventID, models.DeliveryStateInFlight, owner).
		Updates(map[string]interface{}{
			"state":           models.DeliveryStatePending,
			"lease_owner":     "",
			"lease_until":     nil,
			"next_attempt_at": now,
			"last_error":      reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *webhookRepository) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("state = ? AND lease_until < ?", models.DeliveryStateInFlight, now).
		Updates(map[string]interface{}{
			"state":           models.DeliveryStatePending,
			"lease_owner":     "",
			"lease_until":     nil,
			"next_attempt_at": now,
			"last_error":      "lease expired",
		})
	return res.RowsAffected, res.Error
}

func (r *webhookRepository) ListDeliveriesCreated(ctx context.Context, subscriberID string, from, to time.Time) ([]models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where("subscriber_id = ? AND created_at >= ? AND created_at < ?", subscriberID, from, to).
		Order("created_at ASC").
		Find(&deliveries).Error
	return deliveries, err
}

func (r *webhookRepository) ListAttemptsForEvents(ctx context.Context, eventIDs []string) ([]models.DeliveryAttempt, error) {
	var all []models.DeliveryAttempt
	for start := 0; start < len(eventIDs); start += attemptLookupChunk {
		end := start + attemptLookupChunk
		if end > len(eventIDs) {
			end = len(eventIDs)
		}
		var chunk []models.DeliveryAttempt
		err := r.db.WithContext(ctx).
			Where("webhook_event_id IN ?", eventIDs[start:end]).
			Order("webhook_event_id ASC, attempt_no ASC").
			Find(&chunk).Error
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}
	return all, nil
}

func (r *webhookRepository) ListUnarchivedDeadLetters(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where("state = ? AND archived_at IS NULL", models.DeliveryStateDeadLettered).
		Order("updated_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

func (r *webhookRepository) MarkArchived(ctx context.Context, eventID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("event_id = ?", eventID).
		Update("archived_at", at).Error
}
