package services_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"atlas-payment-service/documents"
	"atlas-payment-service/models"
	"atlas-payment-service/notifier"
	"atlas-payment-service/providers"
	"atlas-payment-service/repository"
	"atlas-payment-service/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// --- Clock ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// --- Plan repository ---

type fakePlanRepo struct {
	mu    sync.Mutex
	plans map[uuid.UUID]*models.PaymentPlan
}

func newFakePlanRepo() *fakePlanRepo {
	return &fakePlanRepo{plans: make(map[uuid.UUID]*models.PaymentPlan)}
}

func clonePlan(p *models.PaymentPlan) *models.PaymentPlan {
	cp := *p
	cp.Installments = append([]models.Installment(nil), p.Installments...)
	return &cp
}

func (r *fakePlanRepo) Create(_ context.Context, plan *models.PaymentPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plans {
		if p.RegistrationID == plan.RegistrationID && p.Status == models.PlanStatusActive {
			return repository.ErrActivePlanExists
		}
	}
	r.plans[plan.ID] = clonePlan(plan)
	return nil
}

func (r *fakePlanRepo) FindByID(_ context.Context, id uuid.UUID) (*models.PaymentPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return clonePlan(p), nil
}

func (r *fakePlanRepo) FindByInstallmentID(_ context.Context, installmentID uuid.UUID) (*models.PaymentPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plans {
		for _, inst := range p.Installments {
			if inst.ID == installmentID {
				return clonePlan(p), nil
			}
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakePlanRepo) FindActiveByRegistration(_ context.Context, registrationID uuid.UUID) (*models.PaymentPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plans {
		if p.RegistrationID == registrationID && p.Status == models.PlanStatusActive {
			return clonePlan(p), nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakePlanRepo) Mutate(_ context.Context, id uuid.UUID, fn func(plan *models.PaymentPlan) error) (*models.PaymentPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	work := clonePlan(p)
	if err := fn(work); err != nil {
		return nil, err
	}
	r.plans[id] = clonePlan(work)
	return work, nil
}

func (r *fakePlanRepo) ListWithOpenInstallments(_ context.Context, cutoff time.Time) ([]models.PaymentPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PaymentPlan
	for _, p := range r.plans {
		if p.Status != models.PlanStatusActive {
			continue
		}
		for _, inst := range p.Installments {
			if (inst.Status == models.InstallmentDue || inst.Status == models.InstallmentOverdue) && !inst.DueDate.After(cutoff) {
				out = append(out, *clonePlan(p))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// --- Registrations ---

type fakeRegistrations struct {
	mu     sync.Mutex
	regs   map[uuid.UUID]*models.Registration
	events map[uuid.UUID]*models.Event
}

func newFakeRegistrations() *fakeRegistrations {
	return &fakeRegistrations{regs: make(map[uuid.UUID]*models.Registration), events: make(map[uuid.UUID]*models.Event)}
}

func (r *fakeRegistrations) add(reg models.Registration) *models.Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := reg
	r.regs[reg.ID] = &cp
	return &reg
}

func (r *fakeRegistrations) status(id uuid.UUID) models.RegistrationPaymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[id].PaymentStatus
}

func (r *fakeRegistrations) FindByID(_ context.Context, id uuid.UUID) (*models.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *reg
	return &cp, nil
}

func (r *fakeRegistrations) FindByEmail(_ context.Context, eventID uuid.UUID, email string) (*models.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.regs {
		if reg.EventID == eventID && email != "" && reg.Email == email {
			cp := *reg
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRegistrations) UpdatePaymentStatus(_ context.Context, id uuid.UUID, status models.RegistrationPaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	reg.PaymentStatus = status
	return nil
}

func (r *fakeRegistrations) FindEvent(_ context.Context, id uuid.UUID) (*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return ev, nil
}

// --- Event configs ---

type fakeConfigs struct {
	mu      sync.Mutex
	configs map[uuid.UUID]models.EventPaymentConfig
	finds   int
}

func newFakeConfigs() *fakeConfigs {
	return &fakeConfigs{configs: make(map[uuid.UUID]models.EventPaymentConfig)}
}

func (r *fakeConfigs) FindByEventID(_ context.Context, eventID uuid.UUID) (*models.EventPaymentConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finds++
	cfg, ok := r.configs[eventID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &cfg, nil
}

func (r *fakeConfigs) ListEnabled(_ context.Context) ([]models.EventPaymentConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EventPaymentConfig
	for _, c := range r.configs {
		if c.Enabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID.String() < out[j].EventID.String() })
	return out, nil
}

func (r *fakeConfigs) Upsert(_ context.Context, cfg *models.EventPaymentConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.EventID] = *cfg
	return nil
}

func (r *fakeConfigs) findCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finds
}

// --- Reports ---

type fakeReports struct {
	mu      sync.Mutex
	reports []models.ReconciliationReport
}

func (r *fakeReports) Create(_ context.Context, report *models.ReconciliationReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	r.reports = append(r.reports, *report)
	return nil
}

func (r *fakeReports) FindByID(_ context.Context, id uuid.UUID) (*models.ReconciliationReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.reports {
		if r.reports[i].ID == id {
			cp := r.reports[i]
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeReports) List(_ context.Context, date *time.Time, page, limit int) ([]models.ReconciliationReport, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ReconciliationReport
	for i := len(r.reports) - 1; i >= 0; i-- {
		if date == nil || r.reports[i].ReportDate.Equal(*date) {
			out = append(out, r.reports[i])
		}
	}
	total := int64(len(out))
	start := (page - 1) * limit
	if start >= len(out) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], total, nil
}

func (r *fakeReports) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.reports[:0]
	var n int64
	for _, rep := range r.reports {
		if rep.GeneratedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, rep)
	}
	r.reports = kept
	return n, nil
}

// --- Outbound collaborators ---

type published struct {
	eventType string
	key       string
	event     interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, eventType, key string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{eventType: eventType, key: key, event: event})
	return p.err
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

func (p *fakePublisher) last(eventType string) interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].eventType == eventType {
			return p.events[i].event
		}
	}
	return nil
}

type sentNotice struct {
	template  string
	eventID   string
	recipient string
	data      map[string]interface{}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (n *fakeNotifier) Send(_ context.Context, _, templateType, eventID string, recipients []string, data map[string]interface{}) ([]notifier.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	results := make([]notifier.Result, 0, len(recipients))
	for _, to := range recipients {
		n.sent = append(n.sent, sentNotice{template: templateType, eventID: eventID, recipient: to, data: data})
		results = append(results, notifier.Result{Recipient: to, Status: notifier.StatusQueued})
	}
	return results, nil
}

func (n *fakeNotifier) count(template string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.template == template {
			c++
		}
	}
	return c
}

type fakeMetrics struct {
	mu     sync.Mutex
	counts map[string]int
	values map[string]float64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{counts: make(map[string]int), values: make(map[string]float64)}
}

func (m *fakeMetrics) RecordCount(_ context.Context, name string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
	return nil
}

func (m *fakeMetrics) RecordValue(_ context.Context, name string, v float64, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] += v
	return nil
}

func (m *fakeMetrics) RecordLatency(_ context.Context, name string, d time.Duration, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = float64(d.Milliseconds())
	return nil
}

func (m *fakeMetrics) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *fakeMetrics) value(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[name]
}

type fakeInvoices struct {
	mu    sync.Mutex
	calls []documents.InvoiceInput
	err   error
}

func (g *fakeInvoices) GenerateInvoice(_ context.Context, in documents.InvoiceInput) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.calls = append(g.calls, in)
	return "https://invoices.test/" + in.PaymentID + ".html", nil
}

func (g *fakeInvoices) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeSecrets struct {
	values      map[string]map[string]string
	calls       int
	invalidated []string
}

func (s *fakeSecrets) Invalidate(name string) {
	s.invalidated = append(s.invalidated, name)
}

func (s *fakeSecrets) GetSecretMap(_ context.Context, name string) (map[string]string, error) {
	s.calls++
	v, ok := s.values[name]
	if !ok {
		return nil, errors.New("secret not found")
	}
	return v, nil
}

// --- Test environment ---

var testStart = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	clock     *testClock
	payments  *repository.MemoryPaymentRepository
	plans     *fakePlanRepo
	regs      *fakeRegistrations
	configs   *fakeConfigs
	reports   *fakeReports
	ledger    *providers.StubLedger
	registry  *providers.Registry
	secrets   *fakeSecrets
	resolver  services.ProviderResolver
	publisher *fakePublisher
	notifier  *fakeNotifier
	metrics   *fakeMetrics
	invoices  *fakeInvoices
	eventID   uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		clock:     &testClock{now: testStart},
		payments:  repository.NewMemoryPaymentRepository(),
		plans:     newFakePlanRepo(),
		regs:      newFakeRegistrations(),
		configs:   newFakeConfigs(),
		reports:   &fakeReports{},
		ledger:    providers.NewStubLedger(),
		registry:  providers.NewRegistry(),
		secrets:   &fakeSecrets{values: map[string]map[string]string{}},
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
		metrics:   newFakeMetrics(),
		invoices:  &fakeInvoices{},
		eventID:   uuid.New(),
	}
	e.payments.SetClock(e.clock.Now)
	providers.RegisterStub(e.registry, e.ledger)
	e.resolver = services.NewProviderResolver(e.configs, e.registry, e.secrets,
		providers.Deps{Recorder: e.payments, Logger: zap.NewNop(), Now: e.clock.Now},
		services.ResolverOptions{NotifyBaseURL: "https://pay.example.com"},
		zap.NewNop())
	e.regs.events[e.eventID] = &models.Event{ID: e.eventID, Name: "DevConf 2026", Venue: "Bengaluru"}
	require.NoError(t, e.configs.Upsert(context.Background(), &models.EventPaymentConfig{
		EventID:  e.eventID,
		Provider: models.ProviderStub,
		Mode:     "test",
		Currency: "INR",
		Enabled:  true,
	}))
	return e
}

func (e *testEnv) deps() services.Deps {
	return services.Deps{
		Payments:      e.payments,
		Plans:         e.plans,
		Registrations: e.regs,
		Resolver:      e.resolver,
		Invoices:      e.invoices,
		Now:           e.clock.Now,
	}
}

func (e *testEnv) effects() services.Effects {
	return services.Effects{Publisher: e.publisher, Notifier: e.notifier, Metrics: e.metrics}
}

func (e *testEnv) paymentService() services.PaymentService {
	return services.NewPaymentService(e.deps(), e.effects(), zap.NewNop())
}

func (e *testEnv) registration(email string) *models.Registration {
	return e.regs.add(models.Registration{
		ID:            uuid.New(),
		EventID:       e.eventID,
		Email:         email,
		FullName:      "Asha Rao",
		PaymentStatus: models.RegistrationUnpaid,
	})
}

func (e *testEnv) stub(t *testing.T) *providers.StubProvider {
	t.Helper()
	p, _, err := e.resolver.ForEvent(context.Background(), e.eventID)
	require.NoError(t, err)
	stub, ok := p.(*providers.StubProvider)
	require.True(t, ok)
	return stub
}

func (e *testEnv) payment(t *testing.T, id uuid.UUID) *models.PaymentRecord {
	t.Helper()
	rec, err := e.payments.FindByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (e *testEnv) plan(t *testing.T, id uuid.UUID) *models.PaymentPlan {
	t.Helper()
	p, err := e.plans.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func checkoutRequest(eventID uuid.UUID, reg *models.Registration, amount int64) *models.CreateCheckoutRequest {
	req := &models.CreateCheckoutRequest{
		EventID:       eventID.String(),
		LineItems:     []models.CheckoutLineItem{{Name: "Conference pass", AmountCents: amount, Quantity: 1}},
		CustomerEmail: "guest@example.com",
		SuccessURL:    "https://app.example.com/success",
		CancelURL:     "https://app.example.com/cancel",
	}
	if reg != nil {
		req.RegistrationID = reg.ID.String()
		req.CustomerEmail = reg.Email
	}
	return req
}
