package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/documents"
	"atlas-payment-service/models"
	aws_pkg "atlas-payment-service/pkg/aws"
	"atlas-payment-service/providers"
	"atlas-payment-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PaymentService is the checkout, webhook and refund surface.
type PaymentService interface {
	CreateCheckout(ctx context.Context, req *models.CreateCheckoutRequest) (*providers.CheckoutSession, error)
	CreateInstallmentCheckout(ctx context.Context, planID, installmentID uuid.UUID, req *models.InstallmentCheckoutRequest) (*providers.CheckoutSession, error)
	HandleWebhook(ctx context.Context, provider string, eventID uuid.UUID, req *providers.WebhookRequest) (*providers.WebhookOutcome, error)
	Refund(ctx context.Context, paymentID uuid.UUID, req *models.RefundPaymentRequest) (*providers.RefundResult, error)
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*models.PaymentRecord, error)
	// RefreshStatus asks the gateway for the current state and merges it.
	RefreshStatus(ctx context.Context, paymentID uuid.UUID) (*models.PaymentRecord, error)
	ListPayments(ctx context.Context, eventID uuid.UUID, status models.PaymentStatus, page, limit int) ([]models.PaymentRecord, int64, error)
}

type paymentServiceImpl struct {
	payments      repository.PaymentRepository
	plans         repository.PlanRepository
	registrations repository.RegistrationRepository
	resolver      ProviderResolver
	settle        *settlement
	fx            *sideEffects
	now           func() time.Time
	logger        *zap.Logger
}

// Deps groups the stores and collaborators the services share.
type Deps struct {
	Payments      repository.PaymentRepository
	Plans         repository.PlanRepository
	Registrations repository.RegistrationRepository
	Resolver      ProviderResolver
	Invoices      documents.Generator
	Now           func() time.Time
}

// NewPaymentService creates a new PaymentService.
func NewPaymentService(deps Deps, fx Effects, logger *zap.Logger) PaymentService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	side := newSideEffects(fx, logger)
	return &paymentServiceImpl{
		payments:      deps.Payments,
		plans:         deps.Plans,
		registrations: deps.Registrations,
		resolver:      deps.Resolver,
		settle:        newSettlement(deps, side, logger),
		fx:            side,
		now:           deps.Now,
		logger:        side.logger,
	}
}

func newSettlement(deps Deps, fx *sideEffects, logger *zap.Logger) *settlement {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &settlement{
		payments:      deps.Payments,
		plans:         deps.Plans,
		registrations: deps.Registrations,
		invoices:      deps.Invoices,
		fx:            fx,
		now:           now,
		logger:        logger,
	}
}

func (s *paymentServiceImpl) CreateCheckout(ctx context.Context, req *models.CreateCheckoutRequest) (*providers.CheckoutSession, error) {
	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		return nil, apperrors.InvalidInput("invalid event_id", err)
	}
	var regID *uuid.UUID
	if req.RegistrationID != "" {
		id, err := uuid.Parse(req.RegistrationID)
		if err != nil {
			return nil, apperrors.InvalidInput("invalid registration_id", err)
		}
		if err := s.checkRegistrationPayable(ctx, eventID, id); err != nil {
			return nil, err
		}
		regID = &id
	}

	provider, cfg, err := s.resolver.ForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = cfg.Currency
	}

	sess, err := provider.CreateCheckout(ctx, providers.CheckoutRequest{
		EventID:        eventID,
		RegistrationID: regID,
		LineItems:      req.LineItems,
		Currency:       currency,
		Customer: providers.Customer{
			Email: req.CustomerEmail,
			Name:  req.CustomerName,
			Phone: req.CustomerPhone,
		},
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		s.logger.Error("CreateCheckout failed",
			zap.String("event_id", eventID.String()),
			zap.String("provider", string(cfg.Provider)),
			zap.Error(err))
		return nil, err
	}

	s.afterCheckout(ctx, sess, eventID, regID, cfg.Provider, currency)
	return sess, nil
}

// checkRegistrationPayable rejects unknown, foreign and already settled
// registrations.
func (s *paymentServiceImpl) checkRegistrationPayable(ctx context.Context, eventID, regID uuid.UUID) error {
	reg, err := s.registrations.FindByID(ctx, regID)
	if err != nil {
		return notFoundOr(err, "registration", regID.String())
	}
	if reg.EventID != eventID {
		return apperrors.InvalidInput(fmt.Sprintf("registration %s does not belong to event %s", regID, eventID), nil)
	}
	if reg.PaymentStatus == models.RegistrationPaid {
		return apperrors.Conflict(fmt.Sprintf("registration %s is already paid", regID))
	}
	if s.plans != nil {
		if _, err := s.plans.FindActiveByRegistration(ctx, regID); err == nil {
			return apperrors.Conflict(fmt.Sprintf("registration %s pays through an active payment plan", regID))
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Internal("failed to check payment plans", err)
		}
	}
	return nil
}

func (s *paymentServiceImpl) CreateInstallmentCheckout(ctx context.Context, planID, installmentID uuid.UUID, req *models.InstallmentCheckoutRequest) (*providers.CheckoutSession, error) {
	plan, err := s.plans.FindByID(ctx, planID)
	if err != nil {
		return nil, planError(err, planID.String())
	}
	if plan.Status != models.PlanStatusActive {
		return nil, planError(models.ErrPlanNotActive, planID.String())
	}
	inst, err := plan.Installment(installmentID)
	if err != nil {
		return nil, planError(err, planID.String())
	}
	if inst.Status != models.InstallmentDue && inst.Status != models.InstallmentOverdue {
		return nil, planError(fmt.Errorf("%w: installment %d is %s", models.ErrInstallmentNotPayable, inst.Sequence, inst.Status), planID.String())
	}

	provider, cfg, err := s.resolver.ForEvent(ctx, plan.EventID)
	if err != nil {
		return nil, err
	}
	customer := providers.Customer{Email: plan.CustomerEmail}
	if reg, err := s.registrations.FindByID(ctx, plan.RegistrationID); err == nil {
		customer.Name, customer.Phone = reg.FullName, reg.Phone
		if customer.Email == "" {
			customer.Email = reg.Email
		}
	}

	sess, err := provider.CreatePartialPayment(ctx, providers.PartialPaymentRequest{
		EventID:        plan.EventID,
		RegistrationID: plan.RegistrationID,
		PlanID:         plan.ID,
		InstallmentID:  inst.ID,
		Sequence:       inst.Sequence,
		AmountCents:    inst.AmountCents,
		Currency:       plan.Currency,
		Customer:       customer,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
	})
	if err != nil {
		s.logger.Error("CreateInstallmentCheckout failed",
			zap.String("plan_id", planID.String()),
			zap.String("installment_id", installmentID.String()),
			zap.Error(err))
		return nil, err
	}

	regID := plan.RegistrationID
	s.afterCheckout(ctx, sess, plan.EventID, &regID, cfg.Provider, plan.Currency)
	return sess, nil
}

func (s *paymentServiceImpl) afterCheckout(ctx context.Context, sess *providers.CheckoutSession, eventID uuid.UUID, regID *uuid.UUID, provider models.ProviderName, currency string) {
	s.logger.Info("Checkout created",
		zap.String("event_id", eventID.String()),
		zap.String("provider", string(provider)),
		zap.String("payment_id", sess.PaymentRecordID.String()))

	evt := models.PaymentEvent{
		EventType:   models.EventPaymentInitiated,
		PaymentID:   sess.PaymentRecordID.String(),
		EventID:     eventID.String(),
		Provider:    string(provider),
		Status:      string(models.PaymentStatusInitiated),
		Currency:    currency,
		CheckoutURL: sess.URL,
		Timestamp:   s.now(),
	}
	if rec, err := s.payments.FindByID(ctx, sess.PaymentRecordID); err == nil {
		evt.AmountCents = rec.AmountCents
	}
	if regID != nil {
		evt.RegistrationID = regID.String()
	}
	s.fx.publishEvent(ctx, models.EventPaymentInitiated, sess.PaymentRecordID.String(), evt)
	s.fx.count(ctx, aws_pkg.MetricCheckoutCreated, map[string]string{"Provider": string(provider)})
}

// HandleWebhook verifies and applies a gateway notification. Verification
// failures never touch the ledger.
func (s *paymentServiceImpl) HandleWebhook(ctx context.Context, provider string, eventID uuid.UUID, req *providers.WebhookRequest) (*providers.WebhookOutcome, error) {
	p, cfg, err := s.resolver.ForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if string(cfg.Provider) != strings.ToLower(provider) {
		return nil, apperrors.NotFound("webhook route", provider+"/"+eventID.String())
	}

	if err := p.VerifyWebhook(req); err != nil {
		s.logger.Warn("Webhook rejected",
			zap.String("provider", provider),
			zap.String("event_id", eventID.String()),
			zap.Error(err))
		s.fx.count(ctx, aws_pkg.MetricWebhookRejected, map[string]string{"Provider": provider})
		if errors.Is(err, apperrors.ErrInvalidSignature) {
			return nil, err
		}
		return nil, apperrors.InvalidSignature(provider, err)
	}

	out, err := p.HandleWebhook(ctx, req)
	if err != nil {
		s.logger.Error("Webhook handling failed",
			zap.String("provider", provider),
			zap.String("event_id", eventID.String()),
			zap.Error(err))
		return nil, err
	}
	if out.Ignored || !out.Changed || out.Record == nil {
		return out, nil
	}

	rec := out.Record
	switch {
	case out.BecamePaid():
		s.settle.paid(ctx, rec)
		out.Record = rec
	case rec.Status == models.PaymentStatusFailed && out.PreviousStatus != models.PaymentStatusFailed:
		s.settle.failed(ctx, rec, out.EventType)
	case (rec.Status == models.PaymentStatusRefunded || rec.Status == models.PaymentStatusPartialRefund) &&
		rec.Status != out.PreviousStatus:
		s.settle.refunded(ctx, rec, rec.RefundedCents)
	}
	return out, nil
}

func (s *paymentServiceImpl) Refund(ctx context.Context, paymentID uuid.UUID, req *models.RefundPaymentRequest) (*providers.RefundResult, error) {
	rec, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return nil, notFoundOr(err, "payment", paymentID.String())
	}
	if rec.IsRefundEntry() {
		return nil, apperrors.InvalidInput("cannot refund a refund entry", nil)
	}
	p, cfg, err := s.resolver.ForEvent(ctx, rec.EventID)
	if err != nil {
		return nil, err
	}
	if cfg.Provider != rec.Provider {
		return nil, apperrors.Conflict(fmt.Sprintf("payment %s was taken through %s but event now uses %s", rec.ID, rec.Provider, cfg.Provider))
	}
	if !p.Capabilities().Refunds {
		return nil, apperrors.Unsupported(string(rec.Provider), "refunds")
	}

	res, err := p.RefundPayment(ctx, providers.RefundRequest{Payment: rec, AmountCents: req.AmountCents, Reason: req.Reason})
	if err != nil {
		s.logger.Error("Refund failed", zap.String("payment_id", paymentID.String()), zap.Error(err))
		return nil, err
	}
	s.settle.refunded(ctx, res.Original, res.AmountCents)
	return res, nil
}

func (s *paymentServiceImpl) GetPayment(ctx context.Context, paymentID uuid.UUID) (*models.PaymentRecord, error) {
	rec, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return nil, notFoundOr(err, "payment", paymentID.String())
	}
	return rec, nil
}

func (s *paymentServiceImpl) RefreshStatus(ctx context.Context, paymentID uuid.UUID) (*models.PaymentRecord, error) {
	rec, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if rec.IsRefundEntry() || rec.Key() == "" {
		return rec, nil
	}
	p, cfg, err := s.resolver.ForEvent(ctx, rec.EventID)
	if err != nil {
		return nil, err
	}
	if cfg.Provider != rec.Provider {
		return rec, nil
	}
	snap, err := p.GetPaymentStatus(ctx, rec.Key())
	if err != nil {
		return nil, err
	}
	if amount := unbookedRefund(rec, snap.Status, snap.RefundedCents); amount > 0 {
		original, err := s.settle.bookGatewayRefund(ctx, rec, amount)
		if err != nil {
			return nil, apperrors.Internal("failed to book gateway refund", err)
		}
		return original, nil
	}
	res, err := s.payments.ApplyUpdate(ctx, rec.Provider, rec.Key(), snap.Update())
	if err != nil {
		return nil, apperrors.Internal("failed to apply gateway status", err)
	}
	if res == nil {
		return rec, nil
	}
	if res.Changed && res.Record.Status == models.PaymentStatusPaid && res.PreviousStatus != models.PaymentStatusPaid {
		s.settle.paid(ctx, res.Record)
	} else if res.Changed && res.Record.Status == models.PaymentStatusFailed && res.PreviousStatus != models.PaymentStatusFailed {
		s.settle.failed(ctx, res.Record, snap.RawStatus)
	}
	return res.Record, nil
}

func (s *paymentServiceImpl) ListPayments(ctx context.Context, eventID uuid.UUID, status models.PaymentStatus, page, limit int) ([]models.PaymentRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	records, total, err := s.payments.ListByEvent(ctx, eventID, status, page, limit)
	if err != nil {
		return nil, 0, apperrors.Internal("failed to list payments", err)
	}
	return records, total, nil
}
