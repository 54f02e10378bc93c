package models

import "time"

const (
	EventPaymentInitiated        = "payment_initiated"
	EventPaymentPaid             = "payment_paid"
	EventPaymentFailed           = "payment_failed"
	EventPaymentRefunded         = "payment_refunded"
	EventCheckoutFailed          = "checkout_failed"
	EventInstallmentDue          = "installment_due"
	EventPlanCompleted           = "plan_completed"
	EventPlanDefaulted           = "plan_defaulted"
	EventReconciliationCompleted = "reconciliation_completed"
)

// PaymentEvent is published whenever a payment changes state.
type PaymentEvent struct {
	EventType      string    `json:"event_type"`
	PaymentID      string    `json:"payment_id"`
	EventID        string    `json:"event_id"`
	RegistrationID string    `json:"registration_id,omitempty"`
	Provider       string    `json:"provider"`
	Status         string    `json:"status"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	CheckoutURL    string    `json:"checkout_url,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PlanEvent is published for installment and plan lifecycle changes.
type PlanEvent struct {
	EventType      string    `json:"event_type"`
	PlanID         string    `json:"plan_id"`
	InstallmentID  string    `json:"installment_id,omitempty"`
	EventID        string    `json:"event_id"`
	RegistrationID string    `json:"registration_id"`
	Status         string    `json:"status"`
	AmountCents    int64     `json:"amount_cents,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ReconciliationEvent announces a finished reconciliation run.
type ReconciliationEvent struct {
	EventType string                `json:"event_type"`
	ReportID  string                `json:"report_id"`
	Date      string                `json:"date"`
	Summary   ReconciliationSummary `json:"summary"`
	Timestamp time.Time             `json:"timestamp"`
}

// CheckoutRequestMessage is queued by the registration service when an
// attendee needs a payment link.
type CheckoutRequestMessage struct {
	EventID        string `json:"event_id"`
	RegistrationID string `json:"registration_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	Description    string `json:"description"`
	CustomerEmail  string `json:"customer_email"`
	CustomerName   string `json:"customer_name"`
	CustomerPhone  string `json:"customer_phone"`
	SuccessURL     string `json:"success_url"`
	CancelURL      string `json:"cancel_url"`
}
