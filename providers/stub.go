package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"

	"go.uber.org/zap"
)

const (
	stubSignatureHeader = "X-Stub-Signature"
	stubDefaultSecret   = "stub-secret"
	stubCheckoutBase    = "http://localhost:8080/stub-checkout"
	// StubFailingMethod makes ProcessPayment decline the charge.
	StubFailingMethod = "pm_stub_declined"
)

// StubLedger is the in-memory gateway behind StubProvider. It plays the
// role of the gateway's own books, so reconciliation can diff against it.
type StubLedger struct {
	mu       sync.Mutex
	payments map[string]*GatewayPayment
}

func NewStubLedger() *StubLedger {
	return &StubLedger{payments: make(map[string]*GatewayPayment)}
}

// Settle stores or replaces a gateway-side payment.
func (l *StubLedger) Settle(gp GatewayPayment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := gp
	l.payments[gp.ID] = &cp
}

// Get returns a copy of the payment with the given id.
func (l *StubLedger) Get(id string) (GatewayPayment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gp, ok := l.payments[id]
	if !ok {
		return GatewayPayment{}, false
	}
	return *gp, true
}

func (l *StubLedger) update(id string, fn func(*GatewayPayment)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	gp, ok := l.payments[id]
	if ok {
		fn(gp)
	}
	return ok
}

// Between lists payments created in [from, to), oldest first.
func (l *StubLedger) Between(from, to time.Time) []GatewayPayment {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []GatewayPayment
	for _, gp := range l.payments {
		if !gp.CreatedAt.Before(from) && gp.CreatedAt.Before(to) {
			out = append(out, *gp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// StubProvider is a fully capable adapter with no network dependency, used in
// tests and local development.
type StubProvider struct {
	base
	ledger       *StubLedger
	secret       string
	checkoutBase string
}

func NewStubProvider(cfg Config, deps Deps, ledger *StubLedger) (Provider, error) {
	b, err := newBase(models.ProviderStub, cfg, deps)
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		ledger = NewStubLedger()
	}
	return &StubProvider{
		base:         b,
		ledger:       ledger,
		secret:       b.cfg.credentialOr("webhook_secret", stubDefaultSecret),
		checkoutBase: b.cfg.baseURL(stubCheckoutBase, stubCheckoutBase),
	}, nil
}

type stubWebhook struct {
	Event         string `json:"event"`
	PaymentID     string `json:"payment_id"`
	AmountCents   int64  `json:"amount_cents,omitempty"`
	Currency      string `json:"currency,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

func (p *StubProvider) Capabilities() Capabilities {
	return Capabilities{PartialPayments: true, DirectCharge: true, Refunds: true, ListPayments: true}
}

func (p *StubProvider) Ledger() *StubLedger { return p.ledger }

func (p *StubProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	req = req.withRecordID()
	if req.TotalCents() <= 0 {
		return nil, apperrors.InvalidInput("stub: checkout amount must be positive", nil)
	}
	key := newKey("stub_")
	sess, err := p.session(ctx, key, p.checkoutBase+"/"+key, req, nil)
	if err != nil {
		return nil, err
	}
	p.ledger.Settle(GatewayPayment{
		ID:             key,
		LocalRecordID:  sess.PaymentRecordID.String(),
		RegistrationID: uuidString(req.RegistrationID),
		Email:          req.Customer.Email,
		Status:         "created",
		AmountCents:    req.TotalCents(),
		Currency:       req.Currency,
		CreatedAt:      p.now().UTC(),
	})
	return sess, nil
}

func (p *StubProvider) CreatePartialPayment(ctx context.Context, req PartialPaymentRequest) (*CheckoutSession, error) {
	return p.CreateCheckout(ctx, req.AsCheckout())
}

// ProcessPayment settles immediately; StubFailingMethod is declined.
func (p *StubProvider) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.AmountCents <= 0 {
		return nil, apperrors.InvalidInput("stub: charge amount must be positive", nil)
	}
	key := newKey("stubch_")
	now := p.now().UTC()
	status := models.PaymentStatusPaid
	var reason string
	if req.PaymentMethodID == StubFailingMethod {
		status = models.PaymentStatusFailed
		reason = "card_declined"
	}

	amount := req.AmountCents
	u := models.PaymentUpdate{
		EventID:        req.EventID,
		RegistrationID: req.RegistrationID,
		InstallmentID:  req.InstallmentID,
		Status:         status,
		AmountCents:    &amount,
		Currency:       req.Currency,
		PaymentMethod:  "card",
		CustomerEmail:  req.Customer.Email,
	}
	if status == models.PaymentStatusPaid {
		u.CapturedAt = &now
	}
	res, err := p.recorder.LogPayment(ctx, p.name, key, u)
	if err != nil {
		return nil, err
	}
	gp := GatewayPayment{
		ID:             key,
		LocalRecordID:  res.Record.ID.String(),
		RegistrationID: uuidString(req.RegistrationID),
		Email:          req.Customer.Email,
		Status:         string(status),
		AmountCents:    amount,
		Currency:       req.Currency,
		PaymentMethod:  "card",
		CreatedAt:      now,
	}
	if status == models.PaymentStatusPaid {
		gp.CapturedAt = &now
	}
	p.ledger.Settle(gp)
	return &ChargeResult{
		ProviderPaymentID: key,
		PaymentRecordID:   res.Record.ID,
		Status:            res.Record.Status,
		FailureReason:     reason,
	}, nil
}

func (p *StubProvider) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	amount, err := p.refundAmount(req)
	if err != nil {
		return nil, err
	}
	refundID := newKey("stubrf_")
	res, err := p.finishRefund(ctx, req, refundID, amount, "processed", nil)
	if err != nil {
		return nil, err
	}
	p.ledger.update(req.Payment.Key(), func(gp *GatewayPayment) {
		gp.Status = string(res.Original.Status)
		gp.RefundedCents = res.Original.RefundedCents
	})
	return res, nil
}

func (p *StubProvider) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*StatusSnapshot, error) {
	gp, ok := p.ledger.Get(providerPaymentID)
	if !ok {
		return nil, apperrors.NotFound("stub payment", providerPaymentID)
	}
	return &StatusSnapshot{
		ProviderPaymentID: gp.ID,
		Reference:         gp.Reference,
		Status:            ToPaymentStatus(gp.Status),
		RawStatus:         gp.Status,
		AmountCents:       gp.AmountCents,
		Currency:          gp.Currency,
		FeeCents:          gp.FeeCents,
		PaymentMethod:     gp.PaymentMethod,
		CapturedAt:        gp.CapturedAt,
		RefundedCents:     gp.RefundedCents,
	}, nil
}

func (p *StubProvider) VerifyWebhook(req *WebhookRequest) error {
	if !secureCompare(req.Headers.Get(stubSignatureHeader), p.Sign(req.Body)) {
		p.logger.Warn("stub webhook signature mismatch")
		return apperrors.InvalidSignature(string(p.name), nil)
	}
	return nil
}

func (p *StubProvider) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookOutcome, error) {
	var evt stubWebhook
	if err := json.Unmarshal(req.Body, &evt); err != nil {
		return nil, apperrors.InvalidInput("stub: malformed webhook payload", err)
	}
	var status models.PaymentStatus
	switch evt.Event {
	case "payment.succeeded":
		status = models.PaymentStatusPaid
	case "payment.failed":
		status = models.PaymentStatusFailed
	default:
		return p.ignore(evt.Event, "unhandled event type"), nil
	}

	u := models.PaymentUpdate{
		Status:        status,
		Currency:      evt.Currency,
		PaymentMethod: evt.PaymentMethod,
		RawResponse:   req.Body,
	}
	if evt.AmountCents > 0 {
		amt := evt.AmountCents
		u.AmountCents = &amt
	}
	if status == models.PaymentStatusPaid {
		u.CapturedAt = timePtr(p.now())
	}
	out, err := p.applyWebhook(ctx, evt.Event, evt.PaymentID, u)
	if err != nil || out.Ignored {
		return out, err
	}
	p.ledger.update(evt.PaymentID, func(gp *GatewayPayment) {
		gp.Status = string(out.Record.Status)
		gp.PaymentMethod = out.Record.PaymentMethod
		gp.CapturedAt = out.Record.CapturedAt
	})
	return out, nil
}

func (p *StubProvider) ListPayments(ctx context.Context, from, to time.Time) ([]GatewayPayment, error) {
	return p.ledger.Between(from, to), nil
}

// Sign returns the X-Stub-Signature value for body.
func (p *StubProvider) Sign(body []byte) string {
	return hmacSHA256Hex(p.secret, body)
}

// Simulate plays the payer finishing checkout: it builds the gateway
// notification for key, signs it and pushes it through the webhook path.
func (p *StubProvider) Simulate(ctx context.Context, key string, status models.PaymentStatus) (*WebhookOutcome, error) {
	event := "payment.succeeded"
	if status == models.PaymentStatusFailed {
		event = "payment.failed"
	}
	body, err := json.Marshal(stubWebhook{Event: event, PaymentID: key, PaymentMethod: "card"})
	if err != nil {
		return nil, err
	}
	req := &WebhookRequest{Headers: http.Header{}, Body: body}
	req.Headers.Set(stubSignatureHeader, p.Sign(body))
	if err := p.VerifyWebhook(req); err != nil {
		return nil, err
	}
	out, err := p.HandleWebhook(ctx, req)
	if err == nil {
		p.logger.Debug("stub payment simulated", zap.String("provider_payment_id", key), zap.String("status", string(status)))
	}
	return out, err
}
