package controllers_test

import (
	"net/http"
	"testing"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestPlanController(t *testing.T) {
	planID := uuid.New()
	summary := &models.PlanSummary{
		Plan:           &models.PaymentPlan{ID: planID, Status: models.PlanStatusActive, TotalAmountCents: 300000},
		RemainingCents: 300000,
	}

	t.Run("Success - create 201", func(t *testing.T) {
		h := newHarness()
		h.plans.On("Create", mock.Anything, mock.MatchedBy(func(req *models.CreatePlanRequest) bool {
			return len(req.DueDates) == 3 && req.TotalAmountCents == 300000
		})).Return(summary, nil).Once()

		now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		w := h.do(http.MethodPost, "/payments/plans", map[string]interface{}{
			"event_id":           uuid.NewString(),
			"registration_id":    uuid.NewString(),
			"total_amount_cents": 300000,
			"due_dates":          []time.Time{now, now.AddDate(0, 1, 0), now.AddDate(0, 2, 0)},
			"customer_email":     "asha@example.com",
		}, attendee)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, float64(300000), decode(w)["remaining_cents"])
		h.assertExpectations(t)
	})

	t.Run("Failure - create without due dates - 400", func(t *testing.T) {
		h := newHarness()
		w := h.do(http.MethodPost, "/payments/plans", map[string]interface{}{
			"event_id":           uuid.NewString(),
			"registration_id":    uuid.NewString(),
			"total_amount_cents": 300000,
			"customer_email":     "asha@example.com",
		}, attendee)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Success - get", func(t *testing.T) {
		h := newHarness()
		h.plans.On("Get", mock.Anything, planID).Return(summary, nil).Once()
		w := h.do(http.MethodGet, "/payments/plans/"+planID.String(), nil, attendee)
		assert.Equal(t, http.StatusOK, w.Code)
		h.assertExpectations(t)
	})

	t.Run("Success - cancel", func(t *testing.T) {
		h := newHarness()
		h.plans.On("Cancel", mock.Anything, planID, "attendee withdrew").Return(summary, nil).Once()
		w := h.do(http.MethodPost, "/admin/plans/"+planID.String()+"/cancel", map[string]string{"reason": "attendee withdrew"}, admin)
		assert.Equal(t, http.StatusOK, w.Code)
		h.assertExpectations(t)
	})

	t.Run("Failure - cancel inactive plan - 409", func(t *testing.T) {
		h := newHarness()
		h.plans.On("Cancel", mock.Anything, planID, "again").Return(nil, apperrors.Conflict("payment plan is not active")).Once()
		w := h.do(http.MethodPost, "/admin/plans/"+planID.String()+"/cancel", map[string]string{"reason": "again"}, admin)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Success - reschedule", func(t *testing.T) {
		h := newHarness()
		instID := uuid.New()
		amount := int64(150000)
		h.plans.On("Reschedule", mock.Anything, planID, mock.MatchedBy(func(ch []models.InstallmentChange) bool {
			return len(ch) == 1 && ch[0].InstallmentID == instID && *ch[0].AmountCents == amount
		})).Return(summary, nil).Once()

		w := h.do(http.MethodPut, "/admin/plans/"+planID.String()+"/schedule", map[string]interface{}{
			"changes": []map[string]interface{}{{"installment_id": instID, "amount_cents": amount}},
		}, admin)
		assert.Equal(t, http.StatusOK, w.Code)
		h.assertExpectations(t)
	})

	t.Run("Failure - reschedule by attendee - 403", func(t *testing.T) {
		h := newHarness()
		w := h.do(http.MethodPut, "/admin/plans/"+planID.String()+"/schedule", map[string]interface{}{"changes": []interface{}{}}, attendee)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
