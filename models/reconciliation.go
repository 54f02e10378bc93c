package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Discrepancy is one field on which local and gateway data disagree.
type Discrepancy struct {
	Field   string `json:"field"`
	Local   string `json:"local"`
	Gateway string `json:"gateway"`
	Delta   int64  `json:"delta,omitempty"`
}

// PaymentSnapshot is a denormalised copy of a payment at reconciliation time.
// Reports keep snapshots rather than references so later edits to records
// never alter a past report.
type PaymentSnapshot struct {
	PaymentID         string        `json:"payment_id,omitempty"`
	ProviderPaymentID string        `json:"provider_payment_id"`
	RegistrationID    string        `json:"registration_id,omitempty"`
	Status            string        `json:"status"`
	AmountCents       int64         `json:"amount_cents"`
	Currency          string        `json:"currency"`
	Discrepancies     []Discrepancy `json:"discrepancies,omitempty"`
	Healed            bool          `json:"healed,omitempty"`
	Note              string        `json:"note,omitempty"`
}

// EventReconciliation holds the outcome for one event.
type EventReconciliation struct {
	EventID    uuid.UUID         `json:"event_id"`
	Provider   ProviderName      `json:"provider"`
	Matched    []PaymentSnapshot `json:"matched"`
	Mismatched []PaymentSnapshot `json:"mismatched"`
	Missing    []PaymentSnapshot `json:"missing"`
	Extra      []PaymentSnapshot `json:"extra"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Total is the number of distinct payments seen for the event.
func (e *EventReconciliation) Total() int {
	return len(e.Matched) + len(e.Mismatched) + len(e.Missing) + len(e.Extra)
}

type ReconciliationSummary struct {
	TotalPayments int `json:"total_payments"`
	Matched       int `json:"matched"`
	Mismatched    int `json:"mismatched"`
	Missing       int `json:"missing"`
	Extra         int `json:"extra"`
	Errors        int `json:"errors"`
	EventsChecked int `json:"events_checked"`
}

// Add folds one event's outcome into the summary.
func (s *ReconciliationSummary) Add(e EventReconciliation) {
	s.EventsChecked++
	s.TotalPayments += e.Total()
	s.Matched += len(e.Matched)
	s.Mismatched += len(e.Mismatched)
	s.Missing += len(e.Missing)
	s.Extra += len(e.Extra)
	if e.Error != "" {
		s.Errors++
	}
}

// ReconciliationReport is written once per run and never updated.
type ReconciliationReport struct {
	ID          uuid.UUID                                 `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ReportDate  time.Time                                 `gorm:"type:date;not null;index" json:"report_date"`
	WindowStart time.Time                                 `gorm:"not null" json:"window_start"`
	WindowEnd   time.Time                                 `gorm:"not null" json:"window_end"`
	Events      datatypes.JSONType[[]EventReconciliation] `gorm:"type:jsonb" json:"events"`
	Summary     datatypes.JSONType[ReconciliationSummary] `gorm:"type:jsonb" json:"summary"`
	GeneratedAt time.Time                                 `gorm:"not null" json:"generated_at"`
	GeneratedBy string                                    `gorm:"type:varchar(100)" json:"generated_by"`
	CreatedAt   time.Time                                 `gorm:"autoCreateTime" json:"created_at"`
}
