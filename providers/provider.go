package providers

import (
	"context"
	"net/http"
	"time"

	"atlas-payment-service/models"

	"github.com/google/uuid"
)

// Provider is the contract every payment gateway adapter implements.
type Provider interface {
	// Name returns the provider identifier used in records and routes.
	Name() models.ProviderName

	// Capabilities reports which optional operations the gateway supports.
	Capabilities() Capabilities

	// CreateCheckout opens a hosted checkout and logs an initiated payment.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// CreatePartialPayment opens a checkout for a single installment.
	CreatePartialPayment(ctx context.Context, req PartialPaymentRequest) (*CheckoutSession, error)

	// ProcessPayment charges a saved payment method without a redirect.
	ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error)

	// RefundPayment refunds all or part of a paid record.
	RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error)

	// GetPaymentStatus asks the gateway for the current state of a payment.
	GetPaymentStatus(ctx context.Context, providerPaymentID string) (*StatusSnapshot, error)

	// VerifyWebhook authenticates an inbound notification. Any mismatch is an
	// InvalidSignature error.
	VerifyWebhook(req *WebhookRequest) error

	// HandleWebhook applies an already verified notification.
	HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookOutcome, error)

	// ListPayments returns gateway-side payments created in [from, to).
	ListPayments(ctx context.Context, from, to time.Time) ([]GatewayPayment, error)
}

// Capabilities describes optional gateway features.
type Capabilities struct {
	PartialPayments bool `json:"partial_payments"`
	DirectCharge    bool `json:"direct_charge"`
	Refunds         bool `json:"refunds"`
	ListPayments    bool `json:"list_payments"`
}

// Customer identifies the payer to the gateway.
type Customer struct {
	ID    string
	Email string
	Name  string
	Phone string
}

type CheckoutRequest struct {
	// RecordID is the id the local payment record will get. Adapters send it
	// to the gateway as metadata where they can.
	RecordID       uuid.UUID
	EventID        uuid.UUID
	RegistrationID *uuid.UUID
	InstallmentID  *uuid.UUID
	LineItems      []models.CheckoutLineItem
	Currency       string
	Description    string
	Customer       Customer
	SuccessURL     string
	CancelURL      string
}

// withRecordID assigns a fresh record id when the caller did not.
func (r CheckoutRequest) withRecordID() CheckoutRequest {
	if r.RecordID == uuid.Nil {
		r.RecordID = uuid.New()
	}
	return r
}

// TotalCents sums the line items.
func (r CheckoutRequest) TotalCents() int64 {
	var total int64
	for _, li := range r.LineItems {
		q := li.Quantity
		if q < 1 {
			q = 1
		}
		total += li.AmountCents * q
	}
	return total
}

// Purpose is a short human description for gateways that require one.
func (r CheckoutRequest) Purpose() string {
	if r.Description != "" {
		return r.Description
	}
	if len(r.LineItems) > 0 {
		return r.LineItems[0].Name
	}
	return "Event registration"
}

// PartialPaymentRequest is a checkout for one installment of a plan.
type PartialPaymentRequest struct {
	EventID        uuid.UUID
	RegistrationID uuid.UUID
	PlanID         uuid.UUID
	InstallmentID  uuid.UUID
	Sequence       int
	AmountCents    int64
	Currency       string
	Customer       Customer
	SuccessURL     string
	CancelURL      string
}

// AsCheckout expresses the installment as a single-line checkout.
func (r PartialPaymentRequest) AsCheckout() CheckoutRequest {
	regID := r.RegistrationID
	instID := r.InstallmentID
	return CheckoutRequest{
		EventID:        r.EventID,
		RegistrationID: &regID,
		InstallmentID:  &instID,
		LineItems: []models.CheckoutLineItem{{
			Name:        installmentName(r.Sequence),
			AmountCents: r.AmountCents,
			Quantity:    1,
		}},
		Currency:    r.Currency,
		Description: installmentName(r.Sequence),
		Customer:    r.Customer,
		SuccessURL:  r.SuccessURL,
		CancelURL:   r.CancelURL,
	}
}

// CheckoutSession tells the client where to send the payer. Form-post
// gateways also return the fields to submit.
type CheckoutSession struct {
	ProviderPaymentID string            `json:"provider_payment_id"`
	PaymentRecordID   uuid.UUID         `json:"payment_record_id"`
	URL               string            `json:"url"`
	Method            string            `json:"method"`
	FormFields        map[string]string `json:"form_fields,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
}

// ChargeRequest charges a saved method off-session.
type ChargeRequest struct {
	EventID         uuid.UUID
	RegistrationID  *uuid.UUID
	InstallmentID   *uuid.UUID
	AmountCents     int64
	Currency        string
	Description     string
	Customer        Customer
	PaymentMethodID string
	IdempotencyKey  string
}

type ChargeResult struct {
	ProviderPaymentID string               `json:"provider_payment_id"`
	PaymentRecordID   uuid.UUID            `json:"payment_record_id"`
	Status            models.PaymentStatus `json:"status"`
	FailureReason     string               `json:"failure_reason,omitempty"`
}

// RefundRequest refunds AmountCents of Payment; zero means the remainder.
type RefundRequest struct {
	Payment     *models.PaymentRecord
	AmountCents int64
	Reason      string
}

type RefundResult struct {
	RefundID     string                `json:"refund_id"`
	AmountCents  int64                 `json:"amount_cents"`
	GatewayState string                `json:"gateway_state"`
	Refund       *models.PaymentRecord `json:"refund"`
	Original     *models.PaymentRecord `json:"original"`
}

// StatusSnapshot is the gateway's view of one payment.
type StatusSnapshot struct {
	ProviderPaymentID string               `json:"provider_payment_id"`
	Reference         string               `json:"reference,omitempty"`
	Status            models.PaymentStatus `json:"status"`
	RawStatus         string               `json:"raw_status"`
	AmountCents       int64                `json:"amount_cents"`
	Currency          string               `json:"currency"`
	FeeCents          *int64               `json:"fee_cents,omitempty"`
	PaymentMethod     string               `json:"payment_method,omitempty"`
	CapturedAt        *time.Time           `json:"captured_at,omitempty"`
	// RefundedCents is the cumulative amount refunded at the gateway, when
	// the gateway reports it.
	RefundedCents int64 `json:"refunded_cents,omitempty"`
}

// Update converts the snapshot to a merge for the local record. Refund
// statuses are left out: refunds are booked as entries, never merged.
func (s *StatusSnapshot) Update() models.PaymentUpdate {
	u := models.PaymentUpdate{
		Status:            MergeableStatus(s.Status),
		Currency:          s.Currency,
		FeeCents:          s.FeeCents,
		PaymentMethod:     s.PaymentMethod,
		ProviderReference: s.Reference,
		CapturedAt:        s.CapturedAt,
	}
	if s.AmountCents > 0 {
		amt := s.AmountCents
		u.AmountCents = &amt
	}
	return u
}

// WebhookRequest is an inbound notification as received: raw body and headers.
type WebhookRequest struct {
	Headers http.Header
	Body    []byte
}

// WebhookOutcome describes what HandleWebhook did.
type WebhookOutcome struct {
	EventType         string                `json:"event_type"`
	ProviderPaymentID string                `json:"provider_payment_id,omitempty"`
	Record            *models.PaymentRecord `json:"record,omitempty"`
	PreviousStatus    models.PaymentStatus  `json:"previous_status,omitempty"`
	Changed           bool                  `json:"changed"`
	Ignored           bool                  `json:"ignored"`
	Reason            string                `json:"reason,omitempty"`
}

// BecamePaid reports whether this webhook moved the record into paid.
func (o *WebhookOutcome) BecamePaid() bool {
	return o != nil && o.Changed && o.Record != nil &&
		o.Record.Status == models.PaymentStatusPaid && o.PreviousStatus != models.PaymentStatusPaid
}

// GatewayPayment is one payment as listed by the gateway for reconciliation.
type GatewayPayment struct {
	ID             string     `json:"id"`
	Reference      string     `json:"reference,omitempty"`
	LocalRecordID  string     `json:"local_record_id,omitempty"`
	RegistrationID string     `json:"registration_id,omitempty"`
	Email          string     `json:"email,omitempty"`
	Status         string     `json:"status"`
	AmountCents    int64      `json:"amount_cents"`
	Currency       string     `json:"currency"`
	FeeCents       *int64     `json:"fee_cents,omitempty"`
	PaymentMethod  string     `json:"payment_method,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CapturedAt     *time.Time `json:"captured_at,omitempty"`
	RefundedCents  int64      `json:"refunded_cents,omitempty"`
}

// Recorder persists what adapters learn. It is implemented by the payment
// repository. LogPayment upserts on (provider, key); ApplyUpdate is
// update-only and returns a nil result when no payment matches the key; the
// finders likewise return nil, nil for a miss.
type Recorder interface {
	LogPayment(ctx context.Context, provider models.ProviderName, key string, u models.PaymentUpdate) (*models.MergeResult, error)
	ApplyUpdate(ctx context.Context, provider models.ProviderName, key string, u models.PaymentUpdate) (*models.MergeResult, error)
	FindByKey(ctx context.Context, provider models.ProviderName, key string) (*models.PaymentRecord, error)
	FindByReference(ctx context.Context, provider models.ProviderName, reference string) (*models.PaymentRecord, error)
	RecordRefund(ctx context.Context, originalID uuid.UUID, refundKey string, amountCents int64, raw []byte) (refund *models.PaymentRecord, original *models.PaymentRecord, err error)
}
