package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/ClubPay/app/models"
)

var (
	// ErrNotFound is returned instead of gorm.ErrRecordNotFound so callers do
	// not depend on the ORM.
	ErrNotFound = errors.New("record not found")
	// ErrLeaseLost means another worker took over the delivery, or the
	// attempt number was already recorded.
	ErrLeaseLost = errors.New("delivery lease lost")
)

// PaymentRepository defines the ledger operations for payments and refunds
type PaymentRepository interface {
	CreateIfNotExists(ctx context.Context, payment *models.Payment) (bool, *models.Payment, error)
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByProcessorRef(ctx context.Context, processor, processorPaymentID string) (*models.Payment, error)
	ListRefunds(ctx context.Context, paymentID string) ([]models.Refund, error)
	ListStatusChanges(ctx context.Context, paymentID string) ([]models.PaymentStatusChange, error)
	// WithLock runs fn in a transaction holding the payment row lock. The
	// transaction commits when fn returns nil.
	WithLock(ctx context.Context, paymentID string, fn func(tx PaymentTx) error) error
}

// PaymentTx is the view of the ledger inside a locked payment transaction
type PaymentTx interface {
	Payment() *models.Payment
	SavePayment() error
	ListRefunds() ([]models.Refund, error)
	CreateRefund(refund *models.Refund) error
	SaveRefund(refund *models.Refund) error
	RecordStatusChange(from, to models.PaymentStatus, source, reference string) error
	// AppendEvents writes outgoing webhook events in the same transaction.
	AppendEvents(events []models.WebhookEvent) error
}

// DeliveryTransition describes the state a delivery moves to after an attempt
type DeliveryTransition struct {
	State         models.DeliveryState
	NextAttemptAt time.Time
	LastError     string
}

// WebhookRepository defines the operations of the outgoing webhook event store
type WebhookRepository interface {
	CreateSubscriber(ctx context.Context, sub *models.WebhookSubscriber) error
	GetSubscriber(ctx context.Context, id string) (*models.WebhookSubscriber, error)
	ListSubscribers(ctx context.Context) ([]models.WebhookSubscriber, error)
	// ListActiveSubscribers returns enabled subscribers of the tenant plus
	// platform-wide ones.
	ListActiveSubscribers(ctx context.Context, tenantID string) ([]models.WebhookSubscriber, error)
	SetSubscriberEnabled(ctx context.Context, id string, enabled bool) (*models.WebhookSubscriber, error)

	AppendEvents(ctx context.Context, events []models.WebhookEvent) error
	GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error)
	GetDelivery(ctx context.Context, eventID string) (*models.WebhookDelivery, error)
	ListAttempts(ctx context.Context, eventID string) ([]models.DeliveryAttempt, error)

	// ListDue returns pending deliveries of enabled subscribers whose next
	// attempt is due, skipping the excluded subscribers.
	ListDue(ctx context.Context, now time.Time, excludeSubscribers []string, limit int) ([]models.WebhookDelivery, error)
	// Claim leases the delivery if it still matches the snapshot.
	Claim(ctx context.Context, snapshot *models.WebhookDelivery, owner string, leaseUntil time.Time) (bool, error)
	// RecordAttempt stores the attempt and applies the transition, provided
	// the caller still owns the lease.
	RecordAttempt(ctx context.Context, owner string, attempt *models.DeliveryAttempt, next DeliveryTransition) error
	// ReleaseLease hands a claimed delivery back to pending without
	// counting an attempt.
	ReleaseLease(ctx context.Context, owner, eventID, reason string, now time.Time) error
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	ListDeliveriesCreated(ctx context.Context, subscriberID string, from, to time.Time) ([]models.WebhookDelivery, error)
	ListAttemptsForEvents(ctx context.Context, eventIDs []string) ([]models.DeliveryAttempt, error)
	ListUnarchivedDeadLetters(ctx context.Context, limit int) ([]models.WebhookDelivery, error)
	MarkArchived(ctx context.Context, eventID string, at time.Time) error
}

// InboundEventRepository stores raw processor webhooks for deduplication and reprocessing
type InboundEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.InboundEvent) (bool, *models.InboundEvent, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
	ListPending(ctx context.Context, createdBefore time.Time, maxAttempts, limit int) ([]models.InboundEvent, error)
}

// Repositories holds all repository instances
type Repositories struct {
	Payment PaymentRepository
	Webhook WebhookRepository
	Inbound InboundEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Payment: NewPaymentRepository(db),
		Webhook: NewWebhookRepository(db),
		Inbound: NewInboundEventRepository(db),
	}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
