package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/ClubPay/app/models"
)

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// CreateIfNotExists inserts a freshly authorized payment together with its
// first status history row. An existing payment with the same processor
// reference is returned unchanged.
func (r *paymentRepository) CreateIfNotExists(ctx context.Context, payment *models.Payment) (bool, *models.Payment, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "processor"},
				{Name: "processor_payment_id"},
			},
			DoNothing: true,
		}).Create(payment)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true
		return recordStatusChange(tx, payment.ID, "", payment.Status, models.StatusChangeSourceCommand, payment.ProcessorPaymentID)
	})
	if err != nil {
		return false, nil, err
	}

	stored, err := r.GetByProcessorRef(ctx, payment.Processor, payment.ProcessorPaymentID)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

func (r *paymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *paymentRepository) GetByProcessorRef(ctx context.Context, processor, processorPaymentID string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).
		Where("processor = ? AND processor_payment_id = ?", processor, processorPaymentID).
		First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *paymentRepository) ListRefunds(ctx context.Context, paymentID string) ([]models.Refund, error) {
	return listRefunds(r.db.WithContext(ctx), paymentID)
}

func (r *paymentRepository) ListStatusChanges(ctx context.Context, paymentID string) ([]models.PaymentStatusChange, error) {
	var changes []models.PaymentStatusChange
	err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("position ASC").Find(&changes).Error
	return changes, err
}

func (r *paymentRepository) WithLock(ctx context.Context, paymentID string, fn func(tx PaymentTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Payment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", paymentID).
			First(&p).Error
		if err != nil {
			return translate(err)
		}
		return fn(&gormPaymentTx{tx: tx, payment: &p})
	})
}

// gormPaymentTx implements PaymentTx on top of an open transaction
type gormPaymentTx struct {
	tx      *gorm.DB
	payment *models.Payment
}

func (t *gormPaymentTx) Payment() *models.Payment {
	return t.payment
}

func (t *gormPaymentTx) SavePayment() error {
	return t.tx.Save(t.payment).Error
}

func (t *gormPaymentTx) ListRefunds() ([]models.Refund, error) {
	return listRefunds(t.tx, t.payment.ID)
}

func (t *gormPaymentTx) CreateRefund(refund *models.Refund) error {
	refund.PaymentID = t.payment.ID
	return t.tx.Create(refund).Error
}

func (t *gormPaymentTx) SaveRefund(refund *models.Refund) error {
	return t.tx.Save(refund).Error
}

func (t *gormPaymentTx) RecordStatusChange(from, to models.PaymentStatus, source, reference string) error {
	return recordStatusChange(t.tx, t.payment.ID, from, to, source, reference)
}

func (t *gormPaymentTx) AppendEvents(events []models.WebhookEvent) error {
	return appendEvents(t.tx, events)
}

func listRefunds(db *gorm.DB, paymentID string) ([]models.Refund, error) {
	var refunds []models.Refund
	err := db.Where("payment_id = ?", paymentID).Order("created_at ASC, id ASC").Find(&refunds).Error
	return refunds, err
}

// recordStatusChange must run under the payment lock so positions stay dense.
func recordStatusChange(tx *gorm.DB, paymentID string, from, to models.PaymentStatus, source, reference string) error {
	var count int64
	if err := tx.Model(&models.PaymentStatusChange{}).Where("payment_id = ?", paymentID).Count(&count).Error; err != nil {
		return err
	}
	return tx.Create(&models.PaymentStatusChange{
		PaymentID:  paymentID,
		Position:   int(count) + 1,
		FromStatus: from,
		ToStatus:   to,
		Source:     source,
		Reference:  reference,
	}).Error
}
