package controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"time"

	"atlas-payment-service/controllers"
	"atlas-payment-service/models"
	"atlas-payment-service/providers"
	"atlas-payment-service/routes"
	"atlas-payment-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- Mock services ---

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) CreateCheckout(ctx context.Context, req *models.CreateCheckoutRequest) (*providers.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.CheckoutSession), args.Error(1)
}

func (m *MockPaymentService) CreateInstallmentCheckout(ctx context.Context, planID, installmentID uuid.UUID, req *models.InstallmentCheckoutRequest) (*providers.CheckoutSession, error) {
	args := m.Called(ctx, planID, installmentID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.CheckoutSession), args.Error(1)
}

func (m *MockPaymentService) HandleWebhook(ctx context.Context, provider string, eventID uuid.UUID, req *providers.WebhookRequest) (*providers.WebhookOutcome, error) {
	args := m.Called(ctx, provider, eventID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.WebhookOutcome), args.Error(1)
}

func (m *MockPaymentService) Refund(ctx context.Context, paymentID uuid.UUID, req *models.RefundPaymentRequest) (*providers.RefundResult, error) {
	args := m.Called(ctx, paymentID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.RefundResult), args.Error(1)
}

func (m *MockPaymentService) GetPayment(ctx context.Context, paymentID uuid.UUID) (*models.PaymentRecord, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentRecord), args.Error(1)
}

func (m *MockPaymentService) RefreshStatus(ctx context.Context, paymentID uuid.UUID) (*models.PaymentRecord, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentRecord), args.Error(1)
}

func (m *MockPaymentService) ListPayments(ctx context.Context, eventID uuid.UUID, status models.PaymentStatus, page, limit int) ([]models.PaymentRecord, int64, error) {
	args := m.Called(ctx, eventID, status, page, limit)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]models.PaymentRecord), args.Get(1).(int64), args.Error(2)
}

type MockPlanService struct {
	mock.Mock
	services.PlanService
}

func (m *MockPlanService) Create(ctx context.Context, req *models.CreatePlanRequest) (*models.PlanSummary, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PlanSummary), args.Error(1)
}

func (m *MockPlanService) Get(ctx context.Context, planID uuid.UUID) (*models.PlanSummary, error) {
	args := m.Called(ctx, planID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PlanSummary), args.Error(1)
}

func (m *MockPlanService) Cancel(ctx context.Context, planID uuid.UUID, reason string) (*models.PlanSummary, error) {
	args := m.Called(ctx, planID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PlanSummary), args.Error(1)
}

func (m *MockPlanService) Reschedule(ctx context.Context, planID uuid.UUID, changes []models.InstallmentChange) (*models.PlanSummary, error) {
	args := m.Called(ctx, planID, changes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PlanSummary), args.Error(1)
}

type MockReconciliationService struct {
	mock.Mock
	services.ReconciliationService
}

func (m *MockReconciliationService) Run(ctx context.Context, date *time.Time, eventIDs []uuid.UUID, generatedBy string) (*models.ReconciliationReport, error) {
	args := m.Called(ctx, date, eventIDs, generatedBy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReconciliationReport), args.Error(1)
}

func (m *MockReconciliationService) GetReport(ctx context.Context, id uuid.UUID) (*models.ReconciliationReport, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReconciliationReport), args.Error(1)
}

func (m *MockReconciliationService) ListReports(ctx context.Context, date *time.Time, page, limit int) ([]models.ReconciliationReport, int64, error) {
	args := m.Called(ctx, date, page, limit)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]models.ReconciliationReport), args.Get(1).(int64), args.Error(2)
}

type MockEventConfigService struct {
	mock.Mock
}

func (m *MockEventConfigService) Get(ctx context.Context, eventID uuid.UUID) (*models.EventPaymentConfig, error) {
	args := m.Called(ctx, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EventPaymentConfig), args.Error(1)
}

func (m *MockEventConfigService) Upsert(ctx context.Context, eventID uuid.UUID, req *models.UpsertEventConfigRequest) (*models.EventPaymentConfig, error) {
	args := m.Called(ctx, eventID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EventPaymentConfig), args.Error(1)
}

type MockInvoiceLinker struct {
	mock.Mock
}

func (m *MockInvoiceLinker) DownloadURL(ctx context.Context, eventID, paymentID string, expiry time.Duration) (string, error) {
	args := m.Called(ctx, eventID, paymentID, expiry)
	return args.String(0), args.Error(1)
}

// --- Helpers ---

type harness struct {
	payments *MockPaymentService
	plans    *MockPlanService
	recon    *MockReconciliationService
	configs  *MockEventConfigService
	invoices *MockInvoiceLinker
	router   *gin.Engine
}

func newHarness() *harness {
	h := &harness{
		payments: new(MockPaymentService),
		plans:    new(MockPlanService),
		recon:    new(MockReconciliationService),
		configs:  new(MockEventConfigService),
		invoices: new(MockInvoiceLinker),
		router:   gin.New(),
	}
	log := zap.NewNop()
	routes.Register(h.router, routes.Controllers{
		Payments: controllers.NewPaymentController(h.payments, h.invoices, log),
		Plans:    controllers.NewPlanController(h.plans, log),
		Webhooks: controllers.NewWebhookController(h.payments, log),
		Admin:    controllers.NewAdminController(h.recon, h.configs, log),
	}, nil)
	return h
}

var (
	attendee = map[string]string{"X-User-ID": "user-1"}
	admin    = map[string]string{"X-User-ID": "admin-1", "X-User-Role": "admin"}
)

func (h *harness) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return out
}

func (h *harness) assertExpectations(t mock.TestingT) {
	h.payments.AssertExpectations(t)
	h.plans.AssertExpectations(t)
	h.recon.AssertExpectations(t)
	h.configs.AssertExpectations(t)
	h.invoices.AssertExpectations(t)
}
