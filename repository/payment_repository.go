package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atlas-payment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentRepository is the payment ledger. Its first five methods make up
// the providers.Recorder contract used by gateway adapters.
type PaymentRepository interface {
	// LogPayment upserts on (provider, key).
	LogPayment(ctx context.Context, provider models.ProviderName, key string, u models.PaymentUpdate) (*models.MergeResult, error)
	// ApplyUpdate merges into an existing record; nil result when none matches.
	ApplyUpdate(ctx context.Context, provider models.ProviderName, key string, u models.PaymentUpdate) (*models.MergeResult, error)
	FindByKey(ctx context.Context, provider models.ProviderName, key string) (*models.PaymentRecord, error)
	FindByReference(ctx context.Context, provider models.ProviderName, reference string) (*models.PaymentRecord, error)
	RecordRefund(ctx context.Context, originalID uuid.UUID, refundKey string, amountCents int64, raw []byte) (*models.PaymentRecord, *models.PaymentRecord, error)

	FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentRecord, error)
	ListByEvent(ctx context.Context, eventID uuid.UUID, status models.PaymentStatus, page, limit int) ([]models.PaymentRecord, int64, error)
	// ListForReconciliation returns non-refund records of one event and
	// provider created in [from, to).
	ListForReconciliation(ctx context.Context, eventID uuid.UUID, provider models.ProviderName, from, to time.Time) ([]models.PaymentRecord, error)
	// Insert creates rec unless its key already exists and reports whether it did.
	Insert(ctx context.Context, rec *models.PaymentRecord) (bool, error)
	// MarkReconciled writes only the reconciliation stamp.
	MarkReconciled(ctx context.Context, id uuid.UUID, at time.Time, note string) error
	// SetInvoiceURL stores the invoice once; later calls are no-ops.
	SetInvoiceURL(ctx context.Context, id uuid.UUID, url string) (bool, error)
}

var ErrEmptyPaymentKey = errors.New("provider payment id is required")

// GormPaymentRepository implements PaymentRepository using GORM on Postgres.
type GormPaymentRepository struct {
	db *gorm.DB
}

func NewGormPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

func (r *GormPaymentRepository) LogPayment(ctx context.Context, provider models.ProviderName, key string, u models.PaymentUpdate) (*models.MergeResult, error) {
	if key == "" {
		return nil, ErrEmptyPaymentKey
	}
	var result *models.MergeResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := lockByKey(tx, provider, key)
		if err != nil {
			return err
		}
		if rec != nil {
			result, err = mergeAndSave(tx, rec, u)
			return err
		}

		fresh := u.NewRecord(provider, key)
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh)
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected == 1 {
			result = &models.MergeResult{Record: fresh, Created: true, Changed: true}
			return nil
		}

		// A concurrent writer inserted the same key first; merge into theirs.
		rec, err = lockByKey(tx, provider, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("payment %s/%s vanished after insert conflict", provider, key)
		}
		result, err = mergeAndSave(tx, rec, u)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *GormPaymentRepository) ApplyUpdate(ctx context.Context, provider models.ProviderName, key string, u models.PaymentUpdate) (*models.MergeResult, error) {
	if key == "" {
		return nil, ErrEmptyPaymentKey
	}
	var result *models.MergeResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := lockByKey(tx, provider, key)
		if err != nil || rec == nil {
			return err
		}
		result, err = mergeAndSave(tx, rec, u)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *GormPaymentRepository) FindByKey(ctx context.Context, provider models.ProviderName, key string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_payment_id = ?", provider, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *GormPaymentRepository) FindByReference(ctx context.Context, provider models.ProviderName, reference string) (*models.PaymentRecord, error) {
	if reference == "" {
		return nil, nil
	}
	var rec models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_reference = ? AND parent_payment_id IS NULL", provider, reference).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordRefund books a refund against originalID. Replaying the same refund
// key returns the existing entries unchanged.
func (r *GormPaymentRepository) RecordRefund(ctx context.Context, originalID uuid.UUID, refundKey string, amountCents int64, raw []byte) (*models.PaymentRecord, *models.PaymentRecord, error) {
	if refundKey == "" {
		return nil, nil, ErrEmptyPaymentKey
	}
	var refund, original models.PaymentRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&original, "id = ?", originalID).Error; err != nil {
			return err
		}
		existing, err := lockByKey(tx, original.Provider, refundKey)
		if err != nil {
			return err
		}
		if existing != nil {
			refund = *existing
			return nil
		}
		if amountCents <= 0 || amountCents > original.RefundableCents() {
			return fmt.Errorf("refund of %d exceeds refundable %d on payment %s", amountCents, original.RefundableCents(), original.ID)
		}

		refund = *newRefundRecord(&original, refundKey, amountCents, raw)
		if err := tx.Create(&refund).Error; err != nil {
			return err
		}
		original.ApplyRefund(amountCents)
		return tx.Save(&original).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &refund, &original, nil
}

func (r *GormPaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *GormPaymentRepository) ListByEvent(ctx context.Context, eventID uuid.UUID, status models.PaymentStatus, page, limit int) ([]models.PaymentRecord, int64, error) {
	var records []models.PaymentRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).Where("event_id = ?", eventID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * limit
	if err := query.
		Offset(offset).Limit(limit).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (r *GormPaymentRepository) ListForReconciliation(ctx context.Context, eventID uuid.UUID, provider models.ProviderName, from, to time.Time) ([]models.PaymentRecord, error) {
	var records []models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND provider = ? AND parent_payment_id IS NULL", eventID, provider).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

func (r *GormPaymentRepository) Insert(ctx context.Context, rec *models.PaymentRecord) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkReconciled leaves every other column alone, so a webhook landing
// between the reconciler's read and its stamp is not overwritten.
func (r *GormPaymentRepository) MarkReconciled(ctx context.Context, id uuid.UUID, at time.Time, note string) error {
	res := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"reconciled_at": at, "reconciliation_note": note})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *GormPaymentRepository) SetInvoiceURL(ctx context.Context, id uuid.UUID, url string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND (invoice_url IS NULL OR invoice_url = '')", id).
		Update("invoice_url", url)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ---- helpers ----

func lockByKey(tx *gorm.DB, provider models.ProviderName, key string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider = ? AND provider_payment_id = ?", provider, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func mergeAndSave(tx *gorm.DB, rec *models.PaymentRecord, u models.PaymentUpdate) (*models.MergeResult, error) {
	prev := rec.Status
	changed := rec.Merge(u)
	if changed {
		if err := tx.Save(rec).Error; err != nil {
			return nil, err
		}
	}
	return &models.MergeResult{Record: rec, PreviousStatus: prev, Changed: changed}, nil
}

func newRefundRecord(original *models.PaymentRecord, refundKey string, amountCents int64, raw []byte) *models.PaymentRecord {
	key := refundKey
	parent := original.ID
	amount := -amountCents
	now := time.Now().UTC()
	rec := models.PaymentUpdate{
		EventID:        original.EventID,
		RegistrationID: original.RegistrationID,
		InstallmentID:  original.InstallmentID,
		Status:         models.PaymentStatusRefunded,
		AmountCents:    &amount,
		Currency:       original.Currency,
		PaymentMethod:  original.PaymentMethod,
		CustomerEmail:  original.CustomerEmail,
		CapturedAt:     &now,
		RawResponse:    raw,
	}.NewRecord(original.Provider, key)
	rec.ParentPaymentID = &parent
	return rec
}
