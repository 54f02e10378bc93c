package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atlas-payment-service/documents"
	"atlas-payment-service/models"
	"atlas-payment-service/notifier"
	aws_pkg "atlas-payment-service/pkg/aws"
	"atlas-payment-service/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// settlement applies the consequences of a payment changing state: plan
// progress, registration status, invoice, notification and event. It is
// shared by webhooks, auto-charge and reconciliation healing.
type settlement struct {
	payments      repository.PaymentRepository
	plans         repository.PlanRepository
	registrations repository.RegistrationRepository
	invoices      documents.Generator
	fx            *sideEffects
	now           func() time.Time
	logger        *zap.Logger
}

func majorUnits(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// paid runs once per record transition into paid.
func (s *settlement) paid(ctx context.Context, rec *models.PaymentRecord) {
	log := s.logger.With(zap.String("payment_id", rec.ID.String()), zap.String("event_id", rec.EventID.String()))

	if rec.InstallmentID != nil {
		s.installmentPaid(ctx, rec, log)
	} else if rec.RegistrationID != nil {
		s.markRegistration(ctx, *rec.RegistrationID, models.RegistrationPaid, log)
	}

	s.issueInvoice(ctx, rec, log)

	s.fx.notify(ctx, notifier.TemplatePaymentReceipt, rec.EventID.String(), rec.CustomerEmail, map[string]interface{}{
		"payment_id":  rec.ID.String(),
		"amount":      majorUnits(rec.AmountCents),
		"currency":    rec.Currency,
		"invoice_url": rec.InvoiceURL,
	})
	s.fx.publishEvent(ctx, models.EventPaymentPaid, rec.ID.String(), paymentEvent(models.EventPaymentPaid, rec, s.now()))
	s.fx.count(ctx, aws_pkg.MetricPaymentSucceeded, map[string]string{"Provider": string(rec.Provider)})
}

func (s *settlement) installmentPaid(ctx context.Context, rec *models.PaymentRecord, log *zap.Logger) {
	plan, err := s.plans.FindByInstallmentID(ctx, *rec.InstallmentID)
	if err != nil {
		log.Error("Installment payment without plan", zap.String("installment_id", rec.InstallmentID.String()), zap.Error(err))
		return
	}
	paidAt := s.now()
	if rec.CapturedAt != nil {
		paidAt = *rec.CapturedAt
	}
	var wasActive bool
	updated, err := s.plans.Mutate(ctx, plan.ID, func(p *models.PaymentPlan) error {
		wasActive = p.Status == models.PlanStatusActive
		return p.MarkInstallmentPaid(*rec.InstallmentID, rec.ID, paidAt)
	})
	if err != nil {
		log.Warn("Could not mark installment paid", zap.String("plan_id", plan.ID.String()), zap.Error(err))
		return
	}
	log.Info("Installment paid", zap.String("plan_id", updated.ID.String()), zap.String("plan_status", string(updated.Status)))

	switch {
	case wasActive && updated.Status == models.PlanStatusCompleted:
		s.markRegistration(ctx, updated.RegistrationID, models.RegistrationPaid, log)
		s.fx.publishEvent(ctx, models.EventPlanCompleted, updated.ID.String(), planEvent(models.EventPlanCompleted, updated, nil, s.now()))
	case updated.Status == models.PlanStatusActive:
		if next := updated.NextDueInstallment(); next != nil {
			s.fx.publishEvent(ctx, models.EventInstallmentDue, updated.ID.String(), planEvent(models.EventInstallmentDue, updated, next, s.now()))
		}
	}
}

func (s *settlement) issueInvoice(ctx context.Context, rec *models.PaymentRecord, log *zap.Logger) {
	if s.invoices == nil || rec.InvoiceURL != "" {
		return
	}
	in := documents.InvoiceInput{
		PaymentID:         rec.ID.String(),
		ProviderPaymentID: rec.Key(),
		EventID:           rec.EventID.String(),
		CustomerEmail:     rec.CustomerEmail,
		AmountCents:       rec.AmountCents,
		FeeCents:          rec.FeeCents,
		Currency:          rec.Currency,
		Provider:          string(rec.Provider),
		PaymentMethod:     rec.PaymentMethod,
		PaidAt:            s.now(),
	}
	if rec.CapturedAt != nil {
		in.PaidAt = *rec.CapturedAt
	}
	if rec.ProviderReference != "" {
		in.ProviderPaymentID = rec.ProviderReference
	}
	if rec.InstallmentID != nil {
		in.Description = "Installment payment"
	}
	if ev, err := s.registrations.FindEvent(ctx, rec.EventID); err == nil {
		in.EventName, in.Venue = ev.Name, ev.Venue
	}
	if rec.RegistrationID != nil {
		if reg, err := s.registrations.FindByID(ctx, *rec.RegistrationID); err == nil {
			in.CustomerName = reg.FullName
			if in.CustomerEmail == "" {
				in.CustomerEmail = reg.Email
			}
		}
	}

	url, err := s.invoices.GenerateInvoice(ctx, in)
	if err != nil {
		log.Error("Failed to generate invoice", zap.Error(err))
		return
	}
	set, err := s.payments.SetInvoiceURL(ctx, rec.ID, url)
	if err != nil {
		log.Error("Failed to store invoice URL", zap.Error(err))
		return
	}
	if set {
		rec.InvoiceURL = url
	}
}

func (s *settlement) failed(ctx context.Context, rec *models.PaymentRecord, reason string) {
	s.fx.notify(ctx, notifier.TemplatePaymentFailed, rec.EventID.String(), rec.CustomerEmail, map[string]interface{}{
		"payment_id": rec.ID.String(),
		"amount":     majorUnits(rec.AmountCents),
		"currency":   rec.Currency,
		"reason":     reason,
	})
	s.fx.publishEvent(ctx, models.EventPaymentFailed, rec.ID.String(), paymentEvent(models.EventPaymentFailed, rec, s.now()))
	s.fx.count(ctx, aws_pkg.MetricPaymentFailed, map[string]string{"Provider": string(rec.Provider)})
}

// refunded runs after a refund is booked against original.
func (s *settlement) refunded(ctx context.Context, original *models.PaymentRecord, amount int64) {
	log := s.logger.With(zap.String("payment_id", original.ID.String()))
	if original.Status == models.PaymentStatusRefunded && original.RegistrationID != nil && original.InstallmentID == nil {
		s.markRegistration(ctx, *original.RegistrationID, models.RegistrationRefunded, log)
	}
	s.fx.notify(ctx, notifier.TemplateRefundProcessed, original.EventID.String(), original.CustomerEmail, map[string]interface{}{
		"payment_id": original.ID.String(),
		"amount":     majorUnits(amount),
		"currency":   original.Currency,
	})
	evt := paymentEvent(models.EventPaymentRefunded, original, s.now())
	evt.AmountCents = amount
	s.fx.publishEvent(ctx, models.EventPaymentRefunded, original.ID.String(), evt)
	s.fx.count(ctx, aws_pkg.MetricPaymentRefunded, map[string]string{"Provider": string(original.Provider)})
}

// unbookedRefund is how much of what the gateway reports as refunded is not
// yet booked on rec. A full refund with no amount means the remainder; a
// partial refund with no amount cannot be booked and yields zero.
func unbookedRefund(rec *models.PaymentRecord, status models.PaymentStatus, refundedCents int64) int64 {
	if status != models.PaymentStatusRefunded && status != models.PaymentStatusPartialRefund {
		return 0
	}
	refundable := rec.RefundableCents()
	if refundable <= 0 {
		return 0
	}
	if refundedCents <= 0 {
		if status == models.PaymentStatusRefunded {
			return refundable
		}
		return 0
	}
	delta := refundedCents - rec.RefundedCents
	if delta <= 0 {
		return 0
	}
	return min(delta, refundable)
}

// bookGatewayRefund records a refund made at the gateway as a refund entry.
// The key carries the cumulative refunded total, so polling the same gateway
// state twice books it once.
func (s *settlement) bookGatewayRefund(ctx context.Context, rec *models.PaymentRecord, amount int64) (*models.PaymentRecord, error) {
	key := fmt.Sprintf("gwrf_%s_%d", rec.Key(), rec.RefundedCents+amount)
	_, original, err := s.payments.RecordRefund(ctx, rec.ID, key, amount, nil)
	if err != nil {
		return nil, err
	}
	s.refunded(ctx, original, amount)
	return original, nil
}

func (s *settlement) markRegistration(ctx context.Context, id uuid.UUID, status models.RegistrationPaymentStatus, log *zap.Logger) {
	if err := s.registrations.UpdatePaymentStatus(ctx, id, status); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("Registration not found for payment", zap.String("registration_id", id.String()))
			return
		}
		log.Error("Failed to update registration payment status", zap.String("registration_id", id.String()), zap.Error(err))
	}
}

func paymentEvent(eventType string, rec *models.PaymentRecord, at time.Time) models.PaymentEvent {
	e := models.PaymentEvent{
		EventType:   eventType,
		PaymentID:   rec.ID.String(),
		EventID:     rec.EventID.String(),
		Provider:    string(rec.Provider),
		Status:      string(rec.Status),
		AmountCents: rec.AmountCents,
		Currency:    rec.Currency,
		Timestamp:   at,
	}
	if rec.RegistrationID != nil {
		e.RegistrationID = rec.RegistrationID.String()
	}
	return e
}

func planEvent(eventType string, plan *models.PaymentPlan, inst *models.Installment, at time.Time) models.PlanEvent {
	e := models.PlanEvent{
		EventType:      eventType,
		PlanID:         plan.ID.String(),
		EventID:        plan.EventID.String(),
		RegistrationID: plan.RegistrationID.String(),
		Status:         string(plan.Status),
		Timestamp:      at,
	}
	if inst != nil {
		e.InstallmentID = inst.ID.String()
		e.Status = string(inst.Status)
		e.AmountCents = inst.AmountCents
	}
	return e
}
