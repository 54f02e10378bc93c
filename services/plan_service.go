package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	"atlas-payment-service/notifier"
	aws_pkg "atlas-payment-service/pkg/aws"
	"atlas-payment-service/providers"
	"atlas-payment-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// PlanService manages installment plans and their scheduled upkeep.
type PlanService interface {
	Create(ctx context.Context, req *models.CreatePlanRequest) (*models.PlanSummary, error)
	Get(ctx context.Context, planID uuid.UUID) (*models.PlanSummary, error)
	Cancel(ctx context.Context, planID uuid.UUID, reason string) (*models.PlanSummary, error)
	Reschedule(ctx context.Context, planID uuid.UUID, changes []models.InstallmentChange) (*models.PlanSummary, error)

	// SweepOverdue moves due installments past their date to overdue.
	SweepOverdue(ctx context.Context) (int, error)
	// SendReminders notifies attendees about installments due soon or overdue.
	SendReminders(ctx context.Context) (int, error)
	// AutoCharge charges saved payment methods for due installments.
	AutoCharge(ctx context.Context) (*AutoChargeReport, error)
}

// AutoChargeReport summarises one AutoCharge run.
type AutoChargeReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Defaulted int `json:"defaulted"`
}

// PlanOptions configure reminders and retries.
type PlanOptions struct {
	Policy models.ReminderPolicy
	// ReminderLead is how far ahead of the due date reminders start.
	ReminderLead time.Duration
}

type planServiceImpl struct {
	plans         repository.PlanRepository
	payments      repository.PaymentRepository
	registrations repository.RegistrationRepository
	resolver      ProviderResolver
	settle        *settlement
	fx            *sideEffects
	policy        models.ReminderPolicy
	reminderLead  time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

// NewPlanService creates a new PlanService.
func NewPlanService(deps Deps, opts PlanOptions, fx Effects, logger *zap.Logger) PlanService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.Policy.Backoff == nil {
		opts.Policy = models.DefaultReminderPolicy()
	}
	if opts.ReminderLead <= 0 {
		opts.ReminderLead = 72 * time.Hour
	}
	side := newSideEffects(fx, logger)
	return &planServiceImpl{
		plans:         deps.Plans,
		payments:      deps.Payments,
		registrations: deps.Registrations,
		resolver:      deps.Resolver,
		settle:        newSettlement(deps, side, logger),
		fx:            side,
		policy:        opts.Policy,
		reminderLead:  opts.ReminderLead,
		now:           deps.Now,
		logger:        side.logger,
	}
}

func (s *planServiceImpl) Create(ctx context.Context, req *models.CreatePlanRequest) (*models.PlanSummary, error) {
	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		return nil, apperrors.InvalidInput("invalid event_id", err)
	}
	regID, err := uuid.Parse(req.RegistrationID)
	if err != nil {
		return nil, apperrors.InvalidInput("invalid registration_id", err)
	}
	if len(req.DueDates) == 0 {
		return nil, apperrors.InvalidInput("at least one due date is required", nil)
	}
	if req.TotalAmountCents < int64(len(req.DueDates)) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("total %d too small for %d installments", req.TotalAmountCents, len(req.DueDates)), nil)
	}

	reg, err := s.registrations.FindByID(ctx, regID)
	if err != nil {
		return nil, notFoundOr(err, "registration", regID.String())
	}
	if reg.EventID != eventID {
		return nil, apperrors.InvalidInput(fmt.Sprintf("registration %s does not belong to event %s", regID, eventID), nil)
	}
	if reg.PaymentStatus == models.RegistrationPaid {
		return nil, apperrors.Conflict(fmt.Sprintf("registration %s is already paid", regID))
	}

	provider, cfg, err := s.resolver.ForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	caps := provider.Capabilities()
	if req.AutoCharge {
		if !caps.DirectCharge {
			return nil, apperrors.Unsupported(string(cfg.Provider), "automatic installment charges")
		}
		if req.CustomerID == "" || req.PaymentMethodID == "" {
			return nil, apperrors.InvalidInput("auto_charge requires customer_id and payment_method_id", nil)
		}
	} else if !caps.PartialPayments {
		return nil, apperrors.Unsupported(string(cfg.Provider), "partial payments")
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = cfg.Currency
	}
	plan, err := models.NewPaymentPlan(eventID, regID, cfg.Provider, req.TotalAmountCents, currency, req.DueDates)
	if err != nil {
		return nil, planError(err, "")
	}
	plan.AutoCharge = req.AutoCharge
	plan.CustomerEmail = req.CustomerEmail
	if req.AutoCharge {
		plan.SavedPaymentMethod = datatypes.NewJSONType(models.SavedPaymentMethod{
			CustomerID:      req.CustomerID,
			PaymentMethodID: req.PaymentMethodID,
		})
	}

	if err := s.plans.Create(ctx, plan); err != nil {
		s.logger.Error("Failed to create payment plan", zap.String("registration_id", regID.String()), zap.Error(err))
		return nil, planError(err, plan.ID.String())
	}
	s.logger.Info("Payment plan created",
		zap.String("plan_id", plan.ID.String()),
		zap.String("registration_id", regID.String()),
		zap.Int("installments", len(plan.Installments)))

	if next := plan.NextDueInstallment(); next != nil {
		s.fx.publishEvent(ctx, models.EventInstallmentDue, plan.ID.String(), planEvent(models.EventInstallmentDue, plan, next, s.now()))
	}
	summary := plan.Summary()
	return &summary, nil
}

func (s *planServiceImpl) Get(ctx context.Context, planID uuid.UUID) (*models.PlanSummary, error) {
	plan, err := s.plans.FindByID(ctx, planID)
	if err != nil {
		return nil, planError(err, planID.String())
	}
	summary := plan.Summary()
	return &summary, nil
}

func (s *planServiceImpl) Cancel(ctx context.Context, planID uuid.UUID, reason string) (*models.PlanSummary, error) {
	plan, err := s.plans.Mutate(ctx, planID, func(p *models.PaymentPlan) error {
		return p.Cancel(reason, s.now())
	})
	if err != nil {
		return nil, planError(err, planID.String())
	}
	s.logger.Info("Payment plan cancelled", zap.String("plan_id", planID.String()), zap.String("reason", reason))
	summary := plan.Summary()
	return &summary, nil
}

func (s *planServiceImpl) Reschedule(ctx context.Context, planID uuid.UUID, changes []models.InstallmentChange) (*models.PlanSummary, error) {
	now := s.now()
	plan, err := s.plans.Mutate(ctx, planID, func(p *models.PaymentPlan) error {
		if err := p.Reschedule(changes); err != nil {
			return err
		}
		// An overdue installment moved into the future is due again.
		for i := range p.Installments {
			inst := &p.Installments[i]
			if inst.Status == models.InstallmentOverdue && !inst.DueDate.Before(now) {
				inst.Status = models.InstallmentDue
			}
		}
		return nil
	})
	if err != nil {
		return nil, planError(err, planID.String())
	}
	summary := plan.Summary()
	return &summary, nil
}

func (s *planServiceImpl) SweepOverdue(ctx context.Context) (int, error) {
	now := s.now()
	plans, err := s.plans.ListWithOpenInstallments(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list plans with open installments: %w", err)
	}

	moved := 0
	for _, candidate := range plans {
		var overdue []models.Installment
		plan, err := s.plans.Mutate(ctx, candidate.ID, func(p *models.PaymentPlan) error {
			for _, inst := range p.MarkOverdue(now) {
				overdue = append(overdue, *inst)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("Overdue sweep failed for plan", zap.String("plan_id", candidate.ID.String()), zap.Error(err))
			continue
		}
		for i := range overdue {
			moved++
			s.logger.Info("Installment overdue",
				zap.String("plan_id", plan.ID.String()),
				zap.Int("sequence", overdue[i].Sequence))
			s.fx.publishEvent(ctx, models.EventInstallmentDue, plan.ID.String(), planEvent(models.EventInstallmentDue, plan, &overdue[i], now))
		}
	}
	return moved, nil
}

func (s *planServiceImpl) SendReminders(ctx context.Context) (int, error) {
	now := s.now()
	plans, err := s.plans.ListWithOpenInstallments(ctx, now.Add(s.reminderLead))
	if err != nil {
		return 0, fmt.Errorf("list plans with open installments: %w", err)
	}

	sent := 0
	for _, candidate := range plans {
		// The reminder is booked under the plan lock before it is sent so two
		// runs never remind twice for the same slot.
		var due []models.Installment
		plan, err := s.plans.Mutate(ctx, candidate.ID, func(p *models.PaymentPlan) error {
			due = nil
			for i := range p.Installments {
				inst := &p.Installments[i]
				if inst.DueDate.After(now.Add(s.reminderLead)) || !s.policy.ShouldRemind(inst, now) {
					continue
				}
				inst.RecordReminder(now)
				due = append(due, *inst)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("Reminder booking failed", zap.String("plan_id", candidate.ID.String()), zap.Error(err))
			continue
		}
		for _, inst := range due {
			template := notifier.TemplateInstallmentReminder
			if inst.Status == models.InstallmentOverdue {
				template = notifier.TemplateInstallmentOverdue
			}
			s.fx.notify(ctx, template, plan.EventID.String(), plan.CustomerEmail, map[string]interface{}{
				"plan_id":        plan.ID.String(),
				"installment_id": inst.ID.String(),
				"sequence":       inst.Sequence,
				"amount":         majorUnits(inst.AmountCents),
				"currency":       plan.Currency,
				"due_date":       inst.DueDate.Format("2006-01-02"),
				"reminder":       inst.ReminderCount,
			})
			sent++
		}
	}
	if sent > 0 {
		s.fx.value(ctx, aws_pkg.MetricRemindersSent, float64(sent), nil)
	}
	return sent, nil
}

func (s *planServiceImpl) AutoCharge(ctx context.Context) (*AutoChargeReport, error) {
	now := s.now()
	plans, err := s.plans.ListWithOpenInstallments(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list plans with open installments: %w", err)
	}

	report := &AutoChargeReport{}
	for i := range plans {
		if !plans[i].AutoCharge {
			continue
		}
		s.chargePlan(ctx, &plans[i], now, report)
	}
	if report.Attempted > 0 {
		s.logger.Info("Auto-charge run finished",
			zap.Int("attempted", report.Attempted),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("defaulted", report.Defaulted))
	}
	return report, nil
}

func (s *planServiceImpl) chargePlan(ctx context.Context, candidate *models.PaymentPlan, now time.Time, report *AutoChargeReport) {
	log := s.logger.With(zap.String("plan_id", candidate.ID.String()))

	// Claim the attempt under the plan lock before calling the gateway.
	var target models.Installment
	claimed := false
	plan, err := s.plans.Mutate(ctx, candidate.ID, func(p *models.PaymentPlan) error {
		claimed = false
		inst := p.NextDueInstallment()
		if inst == nil || !s.policy.ShouldCharge(inst, now) {
			return nil
		}
		inst.RecordChargeAttempt(now)
		target = *inst
		claimed = true
		return nil
	})
	if err != nil {
		log.Error("Could not claim auto-charge attempt", zap.Error(err))
		return
	}
	if !claimed {
		return
	}
	report.Attempted++

	provider, _, err := s.resolver.ForEvent(ctx, plan.EventID)
	var result *providers.ChargeResult
	if err == nil {
		saved := plan.SavedPaymentMethod.Data()
		regID := plan.RegistrationID
		instID := target.ID
		result, err = provider.ProcessPayment(ctx, providers.ChargeRequest{
			EventID:         plan.EventID,
			RegistrationID:  &regID,
			InstallmentID:   &instID,
			AmountCents:     target.AmountCents,
			Currency:        plan.Currency,
			Description:     fmt.Sprintf("Installment %d", target.Sequence),
			Customer:        providers.Customer{ID: saved.CustomerID, Email: plan.CustomerEmail},
			PaymentMethodID: saved.PaymentMethodID,
			IdempotencyKey:  fmt.Sprintf("%s-%d", target.ID, target.ChargeAttempts),
		})
	}

	if err == nil && result.Status == models.PaymentStatusPaid {
		report.Succeeded++
		rec, ferr := s.payments.FindByID(ctx, result.PaymentRecordID)
		if ferr != nil {
			log.Error("Charged payment record not found", zap.String("payment_id", result.PaymentRecordID.String()), zap.Error(ferr))
			return
		}
		s.settle.paid(ctx, rec)
		return
	}

	report.Failed++
	reason := "gateway error"
	if err != nil {
		log.Warn("Auto-charge failed", zap.Int("attempt", target.ChargeAttempts), zap.Error(err))
	} else {
		reason = result.FailureReason
		log.Warn("Auto-charge declined", zap.Int("attempt", target.ChargeAttempts), zap.String("reason", reason))
		if rec, ferr := s.payments.FindByID(ctx, result.PaymentRecordID); ferr == nil {
			s.settle.failed(ctx, rec, reason)
		}
	}
	s.fx.count(ctx, aws_pkg.MetricAutoChargeFailed, map[string]string{"Provider": string(plan.Provider)})

	if target.ChargeAttempts >= s.policy.MaxRetries {
		s.defaultPlan(ctx, plan.ID, target.ID, now, reason, report)
	}
}

// defaultPlan gives up on an installment whose retries are exhausted.
func (s *planServiceImpl) defaultPlan(ctx context.Context, planID, installmentID uuid.UUID, now time.Time, reason string, report *AutoChargeReport) {
	plan, err := s.plans.Mutate(ctx, planID, func(p *models.PaymentPlan) error {
		if inst, err := p.Installment(installmentID); err == nil && inst.Status == models.InstallmentDue {
			inst.Status = models.InstallmentOverdue
		}
		return p.MarkInstallmentFailed(installmentID, now)
	})
	if err != nil {
		s.logger.Error("Could not default payment plan", zap.String("plan_id", planID.String()), zap.Error(err))
		return
	}
	report.Defaulted++
	s.logger.Warn("Payment plan defaulted", zap.String("plan_id", planID.String()), zap.String("reason", reason))
	s.fx.publishEvent(ctx, models.EventPlanDefaulted, plan.ID.String(), planEvent(models.EventPlanDefaulted, plan, nil, now))
	s.fx.notify(ctx, notifier.TemplatePlanDefaulted, plan.EventID.String(), plan.CustomerEmail, map[string]interface{}{
		"plan_id":   plan.ID.String(),
		"remaining": majorUnits(plan.RemainingAmount()),
		"currency":  plan.Currency,
		"reason":    reason,
	})
}
