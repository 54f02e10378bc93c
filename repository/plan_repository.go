package repository

import (
	"context"
	"errors"
	"time"

	"atlas-payment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlanRepository stores payment plans together with their installments.
type PlanRepository interface {
	Create(ctx context.Context, plan *models.PaymentPlan) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentPlan, error)
	FindByInstallmentID(ctx context.Context, installmentID uuid.UUID) (*models.PaymentPlan, error)
	FindActiveByRegistration(ctx context.Context, registrationID uuid.UUID) (*models.PaymentPlan, error)
	// Mutate loads the plan under a row lock, applies fn and saves the plan
	// and its installments in the same transaction. Nothing is written when
	// fn returns an error.
	Mutate(ctx context.Context, id uuid.UUID, fn func(plan *models.PaymentPlan) error) (*models.PaymentPlan, error)
	// ListWithOpenInstallments returns active plans that have an installment
	// due or overdue on or before the cutoff.
	ListWithOpenInstallments(ctx context.Context, cutoff time.Time) ([]models.PaymentPlan, error)
}

// ErrActivePlanExists is returned when a registration already has an active plan.
var ErrActivePlanExists = errors.New("registration already has an active payment plan")

type GormPlanRepository struct {
	db *gorm.DB
}

func NewGormPlanRepository(db *gorm.DB) *GormPlanRepository {
	return &GormPlanRepository{db: db}
}

func orderedInstallments(db *gorm.DB) *gorm.DB {
	return db.Order("installments.sequence ASC")
}

func (r *GormPlanRepository) Create(ctx context.Context, plan *models.PaymentPlan) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.PaymentPlan{}).
			Where("registration_id = ? AND status = ?", plan.RegistrationID, models.PlanStatusActive).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrActivePlanExists
		}
		return tx.Create(plan).Error
	})
}

func (r *GormPlanRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentPlan, error) {
	var plan models.PaymentPlan
	if err := r.db.WithContext(ctx).
		Preload("Installments", orderedInstallments).
		First(&plan, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *GormPlanRepository) FindByInstallmentID(ctx context.Context, installmentID uuid.UUID) (*models.PaymentPlan, error) {
	var inst models.Installment
	if err := r.db.WithContext(ctx).Select("plan_id").First(&inst, "id = ?", installmentID).Error; err != nil {
		return nil, err
	}
	return r.FindByID(ctx, inst.PlanID)
}

func (r *GormPlanRepository) FindActiveByRegistration(ctx context.Context, registrationID uuid.UUID) (*models.PaymentPlan, error) {
	var plan models.PaymentPlan
	if err := r.db.WithContext(ctx).
		Preload("Installments", orderedInstallments).
		Where("registration_id = ? AND status = ?", registrationID, models.PlanStatusActive).
		First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *GormPlanRepository) Mutate(ctx context.Context, id uuid.UUID, fn func(plan *models.PaymentPlan) error) (*models.PaymentPlan, error) {
	var plan models.PaymentPlan
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&plan, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Where("plan_id = ?", id).Order("sequence ASC").Find(&plan.Installments).Error; err != nil {
			return err
		}
		if err := fn(&plan); err != nil {
			return err
		}
		return tx.Session(&gorm.Session{FullSaveAssociations: true}).Save(&plan).Error
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *GormPlanRepository) ListWithOpenInstallments(ctx context.Context, cutoff time.Time) ([]models.PaymentPlan, error) {
	var plans []models.PaymentPlan
	sub := r.db.Model(&models.Installment{}).
		Select("plan_id").
		Where("status IN ? AND due_date <= ?", []models.InstallmentStatus{models.InstallmentDue, models.InstallmentOverdue}, cutoff)
	err := r.db.WithContext(ctx).
		Preload("Installments", orderedInstallments).
		Where("status = ? AND id IN (?)", models.PlanStatusActive, sub).
		Order("created_at ASC").
		Find(&plans).Error
	return plans, err
}
