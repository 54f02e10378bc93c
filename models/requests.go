package models

import (
	"time"
)

// CheckoutLineItem is one line on a checkout.
type CheckoutLineItem struct {
	Name        string `json:"name" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required,gt=0"`
	Quantity    int64  `json:"quantity" binding:"omitempty,gte=1"`
}

// CreateCheckoutRequest is the body of POST /payments/checkout.
type CreateCheckoutRequest struct {
	EventID        string             `json:"event_id" binding:"required,uuid"`
	RegistrationID string             `json:"registration_id" binding:"omitempty,uuid"`
	LineItems      []CheckoutLineItem `json:"line_items" binding:"required,min=1,dive"`
	Currency       string             `json:"currency" binding:"omitempty,len=3"`
	CustomerEmail  string             `json:"customer_email" binding:"required,email"`
	CustomerName   string             `json:"customer_name"`
	CustomerPhone  string             `json:"customer_phone"`
	SuccessURL     string             `json:"success_url" binding:"required,url"`
	CancelURL      string             `json:"cancel_url" binding:"required,url"`
}

// InstallmentCheckoutRequest is the body of the installment checkout route.
type InstallmentCheckoutRequest struct {
	SuccessURL string `json:"success_url" binding:"required,url"`
	CancelURL  string `json:"cancel_url" binding:"required,url"`
}

// CreatePlanRequest is the body of POST /payments/plans.
type CreatePlanRequest struct {
	EventID          string      `json:"event_id" binding:"required,uuid"`
	RegistrationID   string      `json:"registration_id" binding:"required,uuid"`
	TotalAmountCents int64       `json:"total_amount_cents" binding:"required,gt=0"`
	Currency         string      `json:"currency" binding:"omitempty,len=3"`
	DueDates         []time.Time `json:"due_dates" binding:"required,min=1"`
	AutoCharge       bool        `json:"auto_charge"`
	CustomerEmail    string      `json:"customer_email" binding:"required,email"`
	CustomerID       string      `json:"customer_id"`
	PaymentMethodID  string      `json:"payment_method_id"`
}

type CancelPlanRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type ReschedulePlanRequest struct {
	Changes []InstallmentChange `json:"changes" binding:"required,min=1,dive"`
}

// RefundPaymentRequest is the body of POST /payments/:id/refund. A zero
// amount refunds whatever remains.
type RefundPaymentRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"omitempty,gt=0"`
	Reason      string `json:"reason"`
}

// RunReconciliationRequest triggers a reconciliation run on demand.
type RunReconciliationRequest struct {
	Date     string   `json:"date" binding:"omitempty,datetime=2006-01-02"`
	EventIDs []string `json:"event_ids" binding:"omitempty,dive,uuid"`
}

// UpsertEventConfigRequest sets the gateway for an event. Credentials are
// either inline or the name of a Secrets Manager secret.
type UpsertEventConfigRequest struct {
	Provider          string            `json:"provider" binding:"required"`
	Mode              string            `json:"mode" binding:"omitempty,oneof=test live"`
	Currency          string            `json:"currency" binding:"omitempty,len=3"`
	Credentials       map[string]string `json:"credentials"`
	CredentialsSecret string            `json:"credentials_secret"`
	Enabled           *bool             `json:"enabled"`
}
