package services

import (
	"errors"
	"net/http"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	"atlas-payment-service/repository"

	"gorm.io/gorm"
)

// notFoundOr maps a missing row to NotFound and wraps anything else.
func notFoundOr(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound(what, id)
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperrors.Internal("failed to load "+what, err)
}

// planError translates plan state machine errors to API errors.
func planError(err error, planID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperrors.NotFound("payment plan", planID)
	case errors.Is(err, models.ErrInstallmentNotFound):
		return apperrors.NotFound("installment of plan", planID)
	case errors.Is(err, models.ErrPlanNotActive),
		errors.Is(err, models.ErrInstallmentNotPayable),
		errors.Is(err, repository.ErrActivePlanExists):
		return apperrors.New(http.StatusConflict, apperrors.KindConflict, err.Error(), err)
	case errors.Is(err, models.ErrScheduleMismatch),
		errors.Is(err, models.ErrScheduleOrder),
		errors.Is(err, models.ErrInvalidInstallments):
		return apperrors.InvalidInput(err.Error(), err)
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperrors.Internal("payment plan update failed", err)
}
