package models

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/datatypes"
)

type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusCancelled PlanStatus = "cancelled"
	PlanStatusDefaulted PlanStatus = "defaulted"
)

type InstallmentStatus string

const (
	InstallmentPending   InstallmentStatus = "pending"
	InstallmentDue       InstallmentStatus = "due"
	InstallmentPaid      InstallmentStatus = "paid"
	InstallmentOverdue   InstallmentStatus = "overdue"
	InstallmentFailed    InstallmentStatus = "failed"
	InstallmentCancelled InstallmentStatus = "cancelled"
)

var (
	ErrPlanNotActive         = errors.New("payment plan is not active")
	ErrInstallmentNotFound   = errors.New("installment not found")
	ErrInstallmentNotPayable = errors.New("installment is not payable")
	ErrScheduleMismatch      = errors.New("installment amounts must add up to the plan total")
	ErrInvalidInstallments   = errors.New("installment count must be at least 1")
	ErrScheduleOrder         = errors.New("installment due dates must follow their sequence")
)

// SavedPaymentMethod is what a gateway needs to charge a customer off-session.
type SavedPaymentMethod struct {
	CustomerID      string `json:"customer_id"`
	PaymentMethodID string `json:"payment_method_id"`
}

// PaymentPlan splits a registration's amount into dated installments.
// Installments belong to exactly one plan and are deleted with it.
type PaymentPlan struct {
	ID                 uuid.UUID                              `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	EventID            uuid.UUID                              `gorm:"type:uuid;not null;index" json:"event_id"`
	RegistrationID     uuid.UUID                              `gorm:"type:uuid;not null;index" json:"registration_id"`
	Provider           ProviderName                           `gorm:"type:varchar(20);not null" json:"provider"`
	TotalAmountCents   int64                                  `gorm:"not null" json:"total_amount_cents"`
	Currency           string                                 `gorm:"type:varchar(3);not null" json:"currency"`
	Status             PlanStatus                             `gorm:"type:varchar(20);not null;index" json:"status"`
	AutoCharge         bool                                   `gorm:"not null;default:false" json:"auto_charge"`
	SavedPaymentMethod datatypes.JSONType[SavedPaymentMethod] `gorm:"type:jsonb" json:"-"`
	CustomerEmail      string                                 `gorm:"type:varchar(255)" json:"customer_email"`
	CancelReason       string                                 `json:"cancel_reason,omitempty"`
	CompletedAt        *time.Time                             `json:"completed_at,omitempty"`
	CancelledAt        *time.Time                             `json:"cancelled_at,omitempty"`
	DefaultedAt        *time.Time                             `json:"defaulted_at,omitempty"`
	Installments       []Installment                          `gorm:"foreignKey:PlanID;constraint:OnDelete:CASCADE" json:"installments"`
	CreatedAt          time.Time                              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time                              `gorm:"autoUpdateTime" json:"updated_at"`
}

type Installment struct {
	ID                  uuid.UUID         `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	PlanID              uuid.UUID         `gorm:"type:uuid;not null;index" json:"plan_id"`
	Sequence            int               `gorm:"not null" json:"sequence"`
	AmountCents         int64             `gorm:"not null" json:"amount_cents"`
	DueDate             time.Time         `gorm:"not null;index" json:"due_date"`
	Status              InstallmentStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	PaidAt              *time.Time        `json:"paid_at,omitempty"`
	PaymentRecordID     *uuid.UUID        `gorm:"type:uuid" json:"payment_record_id,omitempty"`
	ReminderCount       int               `gorm:"not null;default:0" json:"reminder_count"`
	LastReminderAt      *time.Time        `json:"last_reminder_at,omitempty"`
	ChargeAttempts      int               `gorm:"not null;default:0" json:"charge_attempts"`
	LastChargeAttemptAt *time.Time        `json:"last_charge_attempt_at,omitempty"`
	CreatedAt           time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsOpen reports whether the installment still expects money.
func (i *Installment) IsOpen() bool {
	return i.Status == InstallmentPending || i.Status == InstallmentDue || i.Status == InstallmentOverdue
}

// SplitAmount divides total into n shares; the last one absorbs the rounding
// remainder so the shares always add up to total.
func SplitAmount(total int64, n int) ([]int64, error) {
	if n < 1 {
		return nil, ErrInvalidInstallments
	}
	if total < int64(n) {
		return nil, fmt.Errorf("total %d too small for %d installments", total, n)
	}
	base := total / int64(n)
	shares := make([]int64, n)
	for i := range shares {
		shares[i] = base
	}
	shares[n-1] += total - base*int64(n)
	return shares, nil
}

// NewPaymentPlan builds an active plan whose first installment is due now.
func NewPaymentPlan(eventID, registrationID uuid.UUID, provider ProviderName, total int64, currency string, dueDates []time.Time) (*PaymentPlan, error) {
	shares, err := SplitAmount(total, len(dueDates))
	if err != nil {
		return nil, err
	}
	dates := append([]time.Time(nil), dueDates...)
	sort.Slice(dates, func(a, b int) bool { return dates[a].Before(dates[b]) })

	plan := &PaymentPlan{
		ID:               uuid.New(),
		EventID:          eventID,
		RegistrationID:   registrationID,
		Provider:         provider,
		TotalAmountCents: total,
		Currency:         currency,
		Status:           PlanStatusActive,
	}
	for i, d := range dates {
		status := InstallmentPending
		if i == 0 {
			status = InstallmentDue
		}
		plan.Installments = append(plan.Installments, Installment{
			ID:          uuid.New(),
			PlanID:      plan.ID,
			Sequence:    i + 1,
			AmountCents: shares[i],
			DueDate:     d.UTC(),
			Status:      status,
		})
	}
	return plan, nil
}

// Installment returns a pointer into the plan's installments.
func (p *PaymentPlan) Installment(id uuid.UUID) (*Installment, error) {
	for i := range p.Installments {
		if p.Installments[i].ID == id {
			return &p.Installments[i], nil
		}
	}
	return nil, ErrInstallmentNotFound
}

func (p *PaymentPlan) sortInstallments() {
	sort.SliceStable(p.Installments, func(a, b int) bool {
		return p.Installments[a].Sequence < p.Installments[b].Sequence
	})
}

// MarkInstallmentPaid records payment of one installment, activates the next
// pending one and completes the plan once every installment is paid.
func (p *PaymentPlan) MarkInstallmentPaid(id, paymentRecordID uuid.UUID, at time.Time) error {
	inst, err := p.Installment(id)
	if err != nil {
		return err
	}
	if inst.Status == InstallmentPaid {
		return nil
	}
	if inst.Status != InstallmentDue && inst.Status != InstallmentOverdue {
		return fmt.Errorf("%w: installment %d is %s", ErrInstallmentNotPayable, inst.Sequence, inst.Status)
	}
	paidAt := at.UTC()
	recID := paymentRecordID
	inst.Status = InstallmentPaid
	inst.PaidAt = &paidAt
	inst.PaymentRecordID = &recID

	p.activateNext()
	if p.allPaid() {
		p.Status = PlanStatusCompleted
		p.CompletedAt = &paidAt
	}
	return nil
}

// activateNext promotes the earliest pending installment to due, but only
// when no earlier installment is still open.
func (p *PaymentPlan) activateNext() {
	p.sortInstallments()
	for i := range p.Installments {
		inst := &p.Installments[i]
		switch inst.Status {
		case InstallmentDue, InstallmentOverdue:
			return
		case InstallmentPending:
			inst.Status = InstallmentDue
			return
		}
	}
}

func (p *PaymentPlan) allPaid() bool {
	return len(p.Installments) > 0 && lo.EveryBy(p.Installments, func(i Installment) bool {
		return i.Status == InstallmentPaid
	})
}

// MarkOverdue moves due installments whose date has passed to overdue and
// returns them.
func (p *PaymentPlan) MarkOverdue(now time.Time) []*Installment {
	if p.Status != PlanStatusActive {
		return nil
	}
	var moved []*Installment
	for i := range p.Installments {
		inst := &p.Installments[i]
		if inst.Status == InstallmentDue && inst.DueDate.Before(now) {
			inst.Status = InstallmentOverdue
			moved = append(moved, inst)
		}
	}
	return moved
}

// MarkInstallmentFailed gives up on an overdue installment and defaults the plan.
func (p *PaymentPlan) MarkInstallmentFailed(id uuid.UUID, at time.Time) error {
	if p.Status != PlanStatusActive {
		return ErrPlanNotActive
	}
	inst, err := p.Installment(id)
	if err != nil {
		return err
	}
	if inst.Status != InstallmentOverdue {
		return fmt.Errorf("%w: installment %d is %s", ErrInstallmentNotPayable, inst.Sequence, inst.Status)
	}
	inst.Status = InstallmentFailed
	t := at.UTC()
	p.Status = PlanStatusDefaulted
	p.DefaultedAt = &t
	return nil
}

// Cancel cancels every installment that has not been paid.
func (p *PaymentPlan) Cancel(reason string, at time.Time) error {
	if p.Status != PlanStatusActive {
		return ErrPlanNotActive
	}
	for i := range p.Installments {
		if p.Installments[i].Status != InstallmentPaid {
			p.Installments[i].Status = InstallmentCancelled
		}
	}
	t := at.UTC()
	p.Status = PlanStatusCancelled
	p.CancelReason = reason
	p.CancelledAt = &t
	return nil
}

// InstallmentChange moves an unpaid installment to a new date and/or amount.
type InstallmentChange struct {
	InstallmentID uuid.UUID  `json:"installment_id" binding:"required"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	AmountCents   *int64     `json:"amount_cents,omitempty"`
}

// Reschedule applies changes to unpaid installments. The changes are applied
// to a copy first so a rejected schedule leaves the plan untouched.
func (p *PaymentPlan) Reschedule(changes []InstallmentChange) error {
	if p.Status != PlanStatusActive {
		return ErrPlanNotActive
	}
	updated := append([]Installment(nil), p.Installments...)
	for _, ch := range changes {
		idx := lo.IndexOf(lo.Map(updated, func(i Installment, _ int) uuid.UUID { return i.ID }), ch.InstallmentID)
		if idx < 0 {
			return ErrInstallmentNotFound
		}
		inst := &updated[idx]
		if !inst.IsOpen() {
			return fmt.Errorf("%w: installment %d is %s", ErrInstallmentNotPayable, inst.Sequence, inst.Status)
		}
		if ch.DueDate != nil {
			inst.DueDate = ch.DueDate.UTC()
		}
		if ch.AmountCents != nil {
			if *ch.AmountCents <= 0 {
				return fmt.Errorf("installment %d: amount must be positive", inst.Sequence)
			}
			inst.AmountCents = *ch.AmountCents
		}
	}
	sum := lo.SumBy(updated, func(i Installment) int64 { return i.AmountCents })
	if sum != p.TotalAmountCents {
		return fmt.Errorf("%w: got %d, want %d", ErrScheduleMismatch, sum, p.TotalAmountCents)
	}
	if err := checkDueOrder(updated); err != nil {
		return err
	}
	p.Installments = updated
	return nil
}

// checkDueOrder requires due dates to be non-decreasing in sequence order,
// the order in which installments fall due.
func checkDueOrder(insts []Installment) error {
	ordered := append([]Installment(nil), insts...)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].Sequence < ordered[b].Sequence })
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if cur.DueDate.Before(prev.DueDate) {
			return fmt.Errorf("%w: installment %d due %s is before installment %d due %s", ErrScheduleOrder,
				cur.Sequence, cur.DueDate.Format(time.DateOnly), prev.Sequence, prev.DueDate.Format(time.DateOnly))
		}
	}
	return nil
}

// TotalPaid sums paid installments.
func (p *PaymentPlan) TotalPaid() int64 {
	return lo.SumBy(p.Installments, func(i Installment) int64 {
		if i.Status == InstallmentPaid {
			return i.AmountCents
		}
		return 0
	})
}

func (p *PaymentPlan) RemainingAmount() int64 {
	return p.TotalAmountCents - p.TotalPaid()
}

// NextDueInstallment is the earliest open installment, or nil.
func (p *PaymentPlan) NextDueInstallment() *Installment {
	p.sortInstallments()
	for i := range p.Installments {
		s := p.Installments[i].Status
		if s == InstallmentDue || s == InstallmentOverdue {
			return &p.Installments[i]
		}
	}
	return nil
}

func (p *PaymentPlan) OverdueInstallments() []Installment {
	return lo.Filter(p.Installments, func(i Installment, _ int) bool {
		return i.Status == InstallmentOverdue
	})
}

// PlanSummary is the read model returned to API callers.
type PlanSummary struct {
	Plan                *PaymentPlan  `json:"plan"`
	TotalPaidCents      int64         `json:"total_paid_cents"`
	RemainingCents      int64         `json:"remaining_cents"`
	NextDue             *Installment  `json:"next_due,omitempty"`
	OverdueInstallments []Installment `json:"overdue_installments"`
}

func (p *PaymentPlan) Summary() PlanSummary {
	return PlanSummary{
		Plan:                p,
		TotalPaidCents:      p.TotalPaid(),
		RemainingCents:      p.RemainingAmount(),
		NextDue:             p.NextDueInstallment(),
		OverdueInstallments: p.OverdueInstallments(),
	}
}

// ReminderPolicy bounds reminders and automatic charge retries.
type ReminderPolicy struct {
	MaxReminders int
	MaxRetries   int
	Backoff      func(attempt int) time.Duration
}

// DefaultReminderPolicy backs off 24h, 48h, 96h... capped at a week.
func DefaultReminderPolicy() ReminderPolicy {
	return ReminderPolicy{
		MaxReminders: 3,
		MaxRetries:   3,
		Backoff:      ExponentialBackoff(24*time.Hour, 7*24*time.Hour),
	}
}

func ExponentialBackoff(base, limit time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= limit {
				return limit
			}
		}
		return d
	}
}

// ShouldRemind reports whether another reminder may be sent for inst at now.
func (rp ReminderPolicy) ShouldRemind(inst *Installment, now time.Time) bool {
	if inst.Status != InstallmentDue && inst.Status != InstallmentOverdue {
		return false
	}
	if inst.ReminderCount >= rp.MaxReminders {
		return false
	}
	if inst.LastReminderAt == nil {
		return true
	}
	return !now.Before(inst.LastReminderAt.Add(rp.Backoff(inst.ReminderCount - 1)))
}

// ShouldCharge reports whether an automatic charge may be attempted.
func (rp ReminderPolicy) ShouldCharge(inst *Installment, now time.Time) bool {
	if inst.Status != InstallmentDue && inst.Status != InstallmentOverdue {
		return false
	}
	if inst.DueDate.After(now) || inst.ChargeAttempts >= rp.MaxRetries {
		return false
	}
	if inst.LastChargeAttemptAt == nil {
		return true
	}
	return !now.Before(inst.LastChargeAttemptAt.Add(rp.Backoff(inst.ChargeAttempts - 1)))
}

// RecordReminder updates the reminder counters after a send.
func (i *Installment) RecordReminder(at time.Time) {
	t := at.UTC()
	i.ReminderCount++
	i.LastReminderAt = &t
}

func (i *Installment) RecordChargeAttempt(at time.Time) {
	t := at.UTC()
	i.ChargeAttempts++
	i.LastChargeAttemptAt = &t
}
