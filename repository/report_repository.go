package repository

import (
	"context"
	"time"

	"atlas-payment-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReportRepository stores reconciliation reports. Reports are immutable:
// there is no update, only creation and retention cleanup.
type ReportRepository interface {
	Create(ctx context.Context, report *models.ReconciliationReport) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationReport, error)
	// List returns reports newest first, optionally limited to one date.
	List(ctx context.Context, date *time.Time, page, limit int) ([]models.ReconciliationReport, int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormReportRepository struct {
	db *gorm.DB
}

func NewGormReportRepository(db *gorm.DB) *GormReportRepository {
	return &GormReportRepository{db: db}
}

func (r *GormReportRepository) Create(ctx context.Context, report *models.ReconciliationReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}

func (r *GormReportRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationReport, error) {
	var report models.ReconciliationReport
	if err := r.db.WithContext(ctx).First(&report, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *GormReportRepository) List(ctx context.Context, date *time.Time, page, limit int) ([]models.ReconciliationReport, int64, error) {
	var reports []models.ReconciliationReport
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ReconciliationReport{})
	if date != nil {
		query = query.Where("report_date = ?", date.Format("2006-01-02"))
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * limit
	if err := query.
		Offset(offset).Limit(limit).
		Order("generated_at DESC").
		Find(&reports).Error; err != nil {
		return nil, 0, err
	}
	return reports, total, nil
}

func (r *GormReportRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("report_date < ?", cutoff.Format("2006-01-02")).
		Delete(&models.ReconciliationReport{})
	return res.RowsAffected, res.Error
}
