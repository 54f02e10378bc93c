package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProviderName identifies a payment gateway adapter.
type ProviderName string

const (
	ProviderRazorpay  ProviderName = "razorpay"
	ProviderStripe    ProviderName = "stripe"
	ProviderInstamojo ProviderName = "instamojo"
	ProviderPhonePe   ProviderName = "phonepe"
	ProviderCashfree  ProviderName = "cashfree"
	ProviderPayU      ProviderName = "payu"
	ProviderPaytm     ProviderName = "paytm"
	ProviderStub      ProviderName = "stub"
)

// PaymentStatus is the lifecycle state of a PaymentRecord.
type PaymentStatus string

const (
	PaymentStatusInitiated     PaymentStatus = "initiated"
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusRefunded      PaymentStatus = "refunded"
	PaymentStatusPartialRefund PaymentStatus = "partial-refund"
)

// allowedTransitions lists legal moves between distinct statuses.
// Nothing leaves refunded.
var allowedTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusInitiated:     {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusFailed:        {PaymentStatusPaid},
	PaymentStatusPaid:          {PaymentStatusRefunded, PaymentStatusPartialRefund},
	PaymentStatusPartialRefund: {PaymentStatusRefunded},
}

// CanTransition reports whether a record may move from one status to another.
// Same-status moves are always allowed and are no-ops.
func CanTransition(from, to PaymentStatus) bool {
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PaymentRecord is the durable ledger entry for one attempted or completed
// charge or refund. Records are never deleted.
type PaymentRecord struct {
	ID                 uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	EventID            uuid.UUID      `gorm:"type:uuid;not null;index:idx_payment_event_status,priority:1" json:"event_id"`
	RegistrationID     *uuid.UUID     `gorm:"type:uuid;index" json:"registration_id,omitempty"`
	Provider           ProviderName   `gorm:"type:varchar(20);not null;uniqueIndex:idx_payment_provider_key,priority:1,where:provider_payment_id IS NOT NULL" json:"provider"`
	ProviderPaymentID  *string        `gorm:"type:varchar(128);uniqueIndex:idx_payment_provider_key,priority:2,where:provider_payment_id IS NOT NULL" json:"provider_payment_id,omitempty"`
	ProviderReference  string         `gorm:"type:varchar(128);index" json:"provider_reference,omitempty"`
	Status             PaymentStatus  `gorm:"type:varchar(20);not null;index:idx_payment_event_status,priority:2" json:"status"`
	AmountCents        int64          `gorm:"not null" json:"amount_cents"`
	Currency           string         `gorm:"type:varchar(3);not null" json:"currency"`
	FeeCents           *int64         `json:"fee_cents,omitempty"`
	NetCents           *int64         `json:"net_cents,omitempty"`
	PaymentMethod      string         `gorm:"type:varchar(50)" json:"payment_method,omitempty"`
	CapturedAt         *time.Time     `json:"captured_at,omitempty"`
	RawResponse        datatypes.JSON `gorm:"type:jsonb" json:"-"`
	InvoiceURL         string         `json:"invoice_url,omitempty"`
	InstallmentID      *uuid.UUID     `gorm:"type:uuid;index" json:"installment_id,omitempty"`
	ParentPaymentID    *uuid.UUID     `gorm:"type:uuid;index" json:"parent_payment_id,omitempty"`
	RefundedCents      int64          `gorm:"not null;default:0" json:"refunded_cents"`
	CustomerEmail      string         `gorm:"type:varchar(255)" json:"customer_email,omitempty"`
	SyncedFromGateway  bool           `gorm:"not null;default:false" json:"synced_from_gateway"`
	ReconciledAt       *time.Time     `json:"reconciled_at,omitempty"`
	ReconciliationNote string         `json:"reconciliation_note,omitempty"`
	CreatedAt          time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave keeps net consistent with amount and fee.
func (p *PaymentRecord) BeforeSave(_ *gorm.DB) error {
	p.Currency = strings.ToUpper(p.Currency)
	if p.FeeCents != nil {
		net := p.AmountCents - *p.FeeCents
		p.NetCents = &net
	}
	return nil
}

// Key returns the gateway id, or "" when none has been assigned yet.
func (p *PaymentRecord) Key() string {
	if p.ProviderPaymentID == nil {
		return ""
	}
	return *p.ProviderPaymentID
}

// IsRefundEntry reports whether this record is the negative side of a refund.
func (p *PaymentRecord) IsRefundEntry() bool {
	return p.ParentPaymentID != nil && p.AmountCents < 0
}

// PaymentUpdate carries the fields a provider interaction learnt about a
// payment. Nil and zero fields are left untouched when merged.
type PaymentUpdate struct {
	// RecordID fixes the id of a newly created record; ignored on merge.
	RecordID          uuid.UUID
	EventID           uuid.UUID
	RegistrationID    *uuid.UUID
	InstallmentID     *uuid.UUID
	Status            PaymentStatus
	AmountCents       *int64
	Currency          string
	FeeCents          *int64
	PaymentMethod     string
	ProviderReference string
	CustomerEmail     string
	CapturedAt        *time.Time
	RawResponse       []byte
}

// NewRecord builds a fresh record for provider/key from the update.
func (u PaymentUpdate) NewRecord(provider ProviderName, key string) *PaymentRecord {
	rec := &PaymentRecord{
		ID:                uuid.New(),
		EventID:           u.EventID,
		RegistrationID:    u.RegistrationID,
		InstallmentID:     u.InstallmentID,
		Provider:          provider,
		ProviderPaymentID: &key,
		ProviderReference: u.ProviderReference,
		Status:            u.Status,
		Currency:          u.Currency,
		FeeCents:          u.FeeCents,
		PaymentMethod:     u.PaymentMethod,
		CustomerEmail:     u.CustomerEmail,
		CapturedAt:        u.CapturedAt,
	}
	if u.RecordID != uuid.Nil {
		rec.ID = u.RecordID
	}
	if rec.Status == "" {
		rec.Status = PaymentStatusInitiated
	}
	if u.AmountCents != nil {
		rec.AmountCents = *u.AmountCents
	}
	if len(u.RawResponse) > 0 {
		rec.RawResponse = datatypes.JSON(u.RawResponse)
	}
	return rec
}

// Merge applies u onto p and reports whether anything changed. A status
// change that CanTransition rejects is skipped while the other fields are
// still merged, so a late "paid" webhook never revives a refunded record.
func (p *PaymentRecord) Merge(u PaymentUpdate) bool {
	changed := false

	if u.Status != "" && u.Status != p.Status && CanTransition(p.Status, u.Status) {
		p.Status = u.Status
		changed = true
	}
	if u.RegistrationID != nil && p.RegistrationID == nil {
		p.RegistrationID = u.RegistrationID
		changed = true
	}
	if u.InstallmentID != nil && p.InstallmentID == nil {
		p.InstallmentID = u.InstallmentID
		changed = true
	}
	if u.AmountCents != nil && *u.AmountCents != p.AmountCents {
		p.AmountCents = *u.AmountCents
		changed = true
	}
	if u.Currency != "" && !strings.EqualFold(u.Currency, p.Currency) {
		p.Currency = strings.ToUpper(u.Currency)
		changed = true
	}
	if u.FeeCents != nil && (p.FeeCents == nil || *p.FeeCents != *u.FeeCents) {
		fee := *u.FeeCents
		p.FeeCents = &fee
		changed = true
	}
	if u.PaymentMethod != "" && u.PaymentMethod != p.PaymentMethod {
		p.PaymentMethod = u.PaymentMethod
		changed = true
	}
	if u.ProviderReference != "" && u.ProviderReference != p.ProviderReference {
		p.ProviderReference = u.ProviderReference
		changed = true
	}
	if u.CustomerEmail != "" && p.CustomerEmail == "" {
		p.CustomerEmail = u.CustomerEmail
		changed = true
	}
	if u.CapturedAt != nil && p.CapturedAt == nil && p.Status == PaymentStatusPaid {
		t := *u.CapturedAt
		p.CapturedAt = &t
		changed = true
	}
	// The raw payload alone is not a change; it rides along with real ones.
	if changed && len(u.RawResponse) > 0 {
		p.RawResponse = datatypes.JSON(u.RawResponse)
	}
	return changed
}

// ApplyRefund books amount against the original record and moves it to
// refunded or partial-refund.
func (p *PaymentRecord) ApplyRefund(amount int64) PaymentStatus {
	p.RefundedCents += amount
	next := PaymentStatusPartialRefund
	if p.RefundedCents >= p.AmountCents {
		next = PaymentStatusRefunded
	}
	if CanTransition(p.Status, next) {
		p.Status = next
	}
	return p.Status
}

// RefundableCents is what remains to be refunded on a paid record.
func (p *PaymentRecord) RefundableCents() int64 {
	if p.Status != PaymentStatusPaid && p.Status != PaymentStatusPartialRefund {
		return 0
	}
	return p.AmountCents - p.RefundedCents
}

// MergeResult is the outcome of an upsert or update on a payment record.
type MergeResult struct {
	Record         *PaymentRecord
	PreviousStatus PaymentStatus
	Created        bool
	Changed        bool
}
