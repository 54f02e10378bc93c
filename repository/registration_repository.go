package repository

import (
	"context"
	"errors"
	"strings"

	"atlas-payment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegistrationRepository reads registrations and events owned by the
// registration service and updates their payment status.
type RegistrationRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Registration, error)
	// FindByEmail returns nil, nil when the event has no such attendee.
	FindByEmail(ctx context.Context, eventID uuid.UUID, email string) (*models.Registration, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status models.RegistrationPaymentStatus) error
	FindEvent(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

type GormRegistrationRepository struct {
	db *gorm.DB
}

func NewGormRegistrationRepository(db *gorm.DB) *GormRegistrationRepository {
	return &GormRegistrationRepository{db: db}
}

func (r *GormRegistrationRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Registration, error) {
	var reg models.Registration
	if err := r.db.WithContext(ctx).First(&reg, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *GormRegistrationRepository) FindByEmail(ctx context.Context, eventID uuid.UUID, email string) (*models.Registration, error) {
	if strings.TrimSpace(email) == "" {
		return nil, nil
	}
	var reg models.Registration
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND LOWER(email) = ?", eventID, strings.ToLower(strings.TrimSpace(email))).
		First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *GormRegistrationRepository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status models.RegistrationPaymentStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Registration{}).
		Where("id = ?", id).
		Update("payment_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *GormRegistrationRepository) FindEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var ev models.Event
	if err := r.db.WithContext(ctx).First(&ev, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// EventConfigRepository stores the per-event gateway configuration.
type EventConfigRepository interface {
	FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.EventPaymentConfig, error)
	ListEnabled(ctx context.Context) ([]models.EventPaymentConfig, error)
	Upsert(ctx context.Context, cfg *models.EventPaymentConfig) error
}

type GormEventConfigRepository struct {
	db *gorm.DB
}

func NewGormEventConfigRepository(db *gorm.DB) *GormEventConfigRepository {
	return &GormEventConfigRepository{db: db}
}

func (r *GormEventConfigRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.EventPaymentConfig, error) {
	var cfg models.EventPaymentConfig
	if err := r.db.WithContext(ctx).First(&cfg, "event_id = ?", eventID).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *GormEventConfigRepository) ListEnabled(ctx context.Context) ([]models.EventPaymentConfig, error) {
	var cfgs []models.EventPaymentConfig
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("event_id ASC").
		Find(&cfgs).Error
	return cfgs, err
}

func (r *GormEventConfigRepository) Upsert(ctx context.Context, cfg *models.EventPaymentConfig) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider", "mode", "currency", "credentials", "credentials_secret", "enabled", "updated_at"}),
	}).Create(cfg).Error
}
