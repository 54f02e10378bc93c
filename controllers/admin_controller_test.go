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
	"gorm.io/datatypes"
)

func TestRunReconciliationController(t *testing.T) {
	report := &models.ReconciliationReport{
		ID:      uuid.New(),
		Summary: datatypes.NewJSONType(models.ReconciliationSummary{Matched: 4, Missing: 1}),
	}

	t.Run("Success - yesterday by default", func(t *testing.T) {
		h := newHarness()
		h.recon.On("Run", mock.Anything, (*time.Time)(nil), []uuid.UUID{}, "admin:admin-1").Return(report, nil).Once()

		w := h.do(http.MethodPost, "/admin/reconciliation/run", nil, admin)

		assert.Equal(t, http.StatusCreated, w.Code)
		h.assertExpectations(t)
	})

	t.Run("Success - explicit date and events", func(t *testing.T) {
		h := newHarness()
		eventID := uuid.New()
		day := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)
		h.recon.On("Run", mock.Anything, &day, []uuid.UUID{eventID}, "admin:admin-1").Return(report, nil).Once()

		w := h.do(http.MethodPost, "/admin/reconciliation/run", map[string]interface{}{
			"date": "2026-03-13", "event_ids": []string{eventID.String()},
		}, admin)

		assert.Equal(t, http.StatusCreated, w.Code)
		h.assertExpectations(t)
	})

	t.Run("Failure - malformed date - 400", func(t *testing.T) {
		h := newHarness()
		w := h.do(http.MethodPost, "/admin/reconciliation/run", map[string]string{"date": "13/03/2026"}, admin)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Failure - attendee - 403", func(t *testing.T) {
		h := newHarness()
		w := h.do(http.MethodPost, "/admin/reconciliation/run", nil, attendee)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestReportsController(t *testing.T) {
	id := uuid.New()

	t.Run("Success - list filtered by date", func(t *testing.T) {
		h := newHarness()
		day := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)
		h.recon.On("ListReports", mock.Anything, &day, 1, 20).
			Return([]models.ReconciliationReport{{ID: id}}, int64(1), nil).Once()

		w := h.do(http.MethodGet, "/admin/reconciliation/reports?date=2026-03-13", nil, admin)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), decode(w)["total"])
		h.assertExpectations(t)
	})

	t.Run("Failure - bad date - 400", func(t *testing.T) {
		h := newHarness()
		w := h.do(http.MethodGet, "/admin/reconciliation/reports?date=yesterday", nil, admin)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Success - get", func(t *testing.T) {
		h := newHarness()
		h.recon.On("GetReport", mock.Anything, id).Return(&models.ReconciliationReport{ID: id}, nil).Once()
		w := h.do(http.MethodGet, "/admin/reconciliation/reports/"+id.String(), nil, admin)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, id.String(), decode(w)["id"])
	})

	t.Run("Failure - unknown report - 404", func(t *testing.T) {
		h := newHarness()
		h.recon.On("GetReport", mock.Anything, id).Return(nil, apperrors.NotFound("reconciliation report", id.String())).Once()
		w := h.do(http.MethodGet, "/admin/reconciliation/reports/"+id.String(), nil, admin)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestEventConfigController(t *testing.T) {
	eventID := uuid.New()
	cfg := &models.EventPaymentConfig{EventID: eventID, Provider: models.ProviderRazorpay, Mode: "live", Currency: "INR", Enabled: true}

	t.Run("Success - upsert", func(t *testing.T) {
		h := newHarness()
		h.configs.On("Upsert", mock.Anything, eventID, mock.MatchedBy(func(req *models.UpsertEventConfigRequest) bool {
			return req.Provider == "razorpay" && req.CredentialsSecret == "atlas/events/devconf"
		})).Return(cfg, nil).Once()

		w := h.do(http.MethodPut, "/admin/events/"+eventID.String()+"/payment-config", map[string]string{
			"provider": "razorpay", "mode": "live", "credentials_secret": "atlas/events/devconf",
		}, admin)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "credentials\"")
		h.assertExpectations(t)
	})

	t.Run("Failure - invalid mode - 400", func(t *testing.T) {
		h := newHarness()
		w := h.do(http.MethodPut, "/admin/events/"+eventID.String()+"/payment-config", map[string]string{
			"provider": "razorpay", "mode": "sandbox",
		}, admin)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Success - get", func(t *testing.T) {
		h := newHarness()
		h.configs.On("Get", mock.Anything, eventID).Return(cfg, nil).Once()
		w := h.do(http.MethodGet, "/admin/events/"+eventID.String()+"/payment-config", nil, admin)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "razorpay", decode(w)["provider"])
	})
}

func TestHealth(t *testing.T) {
	h := newHarness()
	w := h.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
