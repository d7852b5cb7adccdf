// Package archive exports dead-lettered webhook events with their full
// attempt history to object storage.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
)

// ObjectWriter stores archive objects. *Client implements it.
type ObjectWriter interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
}

// Record is the JSON document written per dead-lettered event
type Record struct {
	Event      *models.WebhookEvent     `json:"event"`
	Delivery   *models.WebhookDelivery  `json:"delivery"`
	Attempts   []models.DeliveryAttempt `json:"attempts"`
	ArchivedAt time.Time                `json:"archived_at"`
}

// Archiver copies newly dead-lettered events to an ObjectWriter
type Archiver struct {
	repo   repository.WebhookRepository
	writer ObjectWriter
	cfg    *Config
	nowFn  func() time.Time
}

// NewArchiver creates an archiver
func NewArchiver(repo repository.WebhookRepository, writer ObjectWriter, cfg *Config) *Archiver {
	return &Archiver{
		repo:   repo,
		writer: writer,
		cfg:    cfg,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveOnce exports one batch and returns the number of archived events.
// An event is marked archived only after its object was written.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	batch := a.cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	deliveries, err := a.repo.ListUnarchivedDeadLetters(ctx, batch)
	if err != nil {
		return 0, err
	}

	archived := 0
	for i := range deliveries {
		d := &deliveries[i]
		if err := a.archive(ctx, d); err != nil {
			return archived, fmt.Errorf("archive %s: %w", d.EventID, err)
		}
		archived++
	}
	if archived > 0 {
		log.Infof("[Archive] Archived %d dead-lettered events", archived)
	}
	return archived, nil
}

func (a *Archiver) archive(ctx context.Context, d *models.WebhookDelivery) error {
	ev, err := a.repo.GetEvent(ctx, d.EventID)
	if err != nil {
		return err
	}
	attempts, err := a.repo.ListAttempts(ctx, d.EventID)
	if err != nil {
		return err
	}

	now := a.nowFn()
	body, err := json.Marshal(Record{Event: ev, Delivery: d, Attempts: attempts, ArchivedAt: now})
	if err != nil {
		return err
	}
	meta := map[string]string{
		"event-type":    ev.EventType,
		"subscriber-id": d.SubscriberID,
		"upload-source": "clubpay-dead-letters",
	}
	if err := a.writer.PutObject(ctx, a.cfg.ObjectKey(d.EventID, d.UpdatedAt), body, "application/json", meta); err != nil {
		return err
	}
	return a.repo.MarkArchived(ctx, d.EventID, now)
}
