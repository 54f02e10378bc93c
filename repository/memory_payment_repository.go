package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"atlas-payment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MemoryPaymentRepository is a PaymentRepository held in process memory. It
// backs the stub gateway in local runs (PAYMENT_STORE=memory) and tests.
type MemoryPaymentRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.PaymentRecord
	keys    map[string]uuid.UUID
	now     func() time.Time
}

func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{
		records: make(map[uuid.UUID]*models.PaymentRecord),
		keys:    make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

// SetClock replaces the timestamp source; tests use it to place records
// inside a reconciliation window.
func (r *MemoryPaymentRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func memKey(provider models.ProviderName, key string) string {
	return string(provider) + "\x00" + key
}

func (r *MemoryPaymentRepository) LogPayment(_ context.Context, provider models.ProviderName, key string, u models.PaymentUpdate) (*models.MergeResult, error) {
	if key == "" {
		return nil, ErrEmptyPaymentKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.keys[memKey(provider, key)]; ok {
		return r.merge(r.records[id], u), nil
	}
	rec := u.NewRecord(provider, key)
	r.insert(rec)
	return &models.MergeResult{Record: copyRecord(rec), Created: true, Changed: true}, nil
}

func (r *MemoryPaymentRepository) ApplyUpdate(_ context.Context, provider models.ProviderName, key string, u models.PaymentUpdate) (*models.MergeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.keys[memKey(provider, key)]
	if !ok {
		return nil, nil
	}
	return r.merge(r.records[id], u), nil
}

func (r *MemoryPaymentRepository) FindByKey(_ context.Context, provider models.ProviderName, key string) (*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.keys[memKey(provider, key)]
	if !ok {
		return nil, nil
	}
	return copyRecord(r.records[id]), nil
}

func (r *MemoryPaymentRepository) FindByReference(_ context.Context, provider models.ProviderName, reference string) (*models.PaymentRecord, error) {
	if reference == "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *models.PaymentRecord
	for _, rec := range r.records {
		if rec.Provider == provider && rec.ProviderReference == reference && rec.ParentPaymentID == nil {
			if found == nil || rec.CreatedAt.After(found.CreatedAt) {
				found = rec
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyRecord(found), nil
}

func (r *MemoryPaymentRepository) RecordRefund(_ context.Context, originalID uuid.UUID, refundKey string, amountCents int64, raw []byte) (*models.PaymentRecord, *models.PaymentRecord, error) {
	if refundKey == "" {
		return nil, nil, ErrEmptyPaymentKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	original, ok := r.records[originalID]
	if !ok {
		return nil, nil, gorm.ErrRecordNotFound
	}
	if id, ok := r.keys[memKey(original.Provider, refundKey)]; ok {
		return copyRecord(r.records[id]), copyRecord(original), nil
	}
	if amountCents <= 0 || amountCents > original.RefundableCents() {
		return nil, nil, fmt.Errorf("refund of %d exceeds refundable %d on payment %s", amountCents, original.RefundableCents(), original.ID)
	}
	refund := newRefundRecord(original, refundKey, amountCents, raw)
	r.insert(refund)
	original.ApplyRefund(amountCents)
	original.UpdatedAt = r.now()
	return copyRecord(refund), copyRecord(original), nil
}

func (r *MemoryPaymentRepository) FindByID(_ context.Context, id uuid.UUID) (*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

func (r *MemoryPaymentRepository) ListByEvent(_ context.Context, eventID uuid.UUID, status models.PaymentStatus, page, limit int) ([]models.PaymentRecord, int64, error) {
	matched := r.filter(func(rec *models.PaymentRecord) bool {
		return rec.EventID == eventID && (status == "" || rec.Status == status)
	})
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := int64(len(matched))
	start := (page - 1) * limit
	if start < 0 || start >= len(matched) {
		return []models.PaymentRecord{}, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (r *MemoryPaymentRepository) ListForReconciliation(_ context.Context, eventID uuid.UUID, provider models.ProviderName, from, to time.Time) ([]models.PaymentRecord, error) {
	matched := r.filter(func(rec *models.PaymentRecord) bool {
		return rec.EventID == eventID && rec.Provider == provider && rec.ParentPaymentID == nil &&
			!rec.CreatedAt.Before(from) && rec.CreatedAt.Before(to)
	})
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return matched, nil
}

func (r *MemoryPaymentRepository) Insert(_ context.Context, rec *models.PaymentRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ProviderPaymentID != nil {
		if _, ok := r.keys[memKey(rec.Provider, *rec.ProviderPaymentID)]; ok {
			return false, nil
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	r.insert(copyRecord(rec))
	return true, nil
}

func (r *MemoryPaymentRepository) MarkReconciled(_ context.Context, id uuid.UUID, at time.Time, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	rec.ReconciledAt = &at
	rec.ReconciliationNote = note
	rec.UpdatedAt = r.now()
	return nil
}

func (r *MemoryPaymentRepository) SetInvoiceURL(_ context.Context, id uuid.UUID, url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.InvoiceURL != "" {
		return false, nil
	}
	rec.InvoiceURL = url
	return true, nil
}

// All returns every record, oldest first.
func (r *MemoryPaymentRepository) All() []models.PaymentRecord {
	all := r.filter(func(*models.PaymentRecord) bool { return true })
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all
}

// ---- internals, callers hold mu ----

func (r *MemoryPaymentRepository) insert(rec *models.PaymentRecord) {
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_ = rec.BeforeSave(nil)
	r.records[rec.ID] = rec
	if rec.ProviderPaymentID != nil {
		r.keys[memKey(rec.Provider, *rec.ProviderPaymentID)] = rec.ID
	}
}

func (r *MemoryPaymentRepository) merge(rec *models.PaymentRecord, u models.PaymentUpdate) *models.MergeResult {
	prev := rec.Status
	changed := rec.Merge(u)
	if changed {
		_ = rec.BeforeSave(nil)
		rec.UpdatedAt = r.now()
	}
	return &models.MergeResult{Record: copyRecord(rec), PreviousStatus: prev, Changed: changed}
}

func (r *MemoryPaymentRepository) filter(keep func(*models.PaymentRecord) bool) []models.PaymentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PaymentRecord
	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, *copyRecord(rec))
		}
	}
	return out
}

func copyRecord(rec *models.PaymentRecord) *models.PaymentRecord {
	cp := *rec
	return &cp
}
