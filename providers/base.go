package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// base carries what every HTTP-backed adapter shares.
type base struct {
	name     models.ProviderName
	cfg      Config
	recorder Recorder
	client   *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

func newBase(name models.ProviderName, cfg Config, deps Deps, required ...string) (base, error) {
	cfg.Provider = name
	if cfg.Mode == "" {
		cfg.Mode = ModeTest
	}
	if err := cfg.Validate(required...); err != nil {
		return base{}, err
	}
	if deps.Recorder == nil {
		return base{}, apperrors.Configuration(string(name)+": payment recorder is required", nil)
	}
	b := base{
		name:     name,
		cfg:      cfg,
		recorder: deps.Recorder,
		client:   deps.HTTPClient,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: cfg.timeout()}
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.logger = b.logger.With(zap.String("provider", string(name)))
	return b, nil
}

func (b *base) Name() models.ProviderName { return b.name }

func (b *base) unsupported(feature string) error {
	return apperrors.Unsupported(string(b.name), feature)
}

func (b *base) gatewayErr(op string, err error) error {
	return apperrors.Gateway(string(b.name), fmt.Errorf("%s: %w", op, err))
}

// ---- Payment logging ----

// logInitiated records the initiated payment for a fresh checkout.
func (b *base) logInitiated(ctx context.Context, key string, req CheckoutRequest, raw []byte) (*models.PaymentRecord, error) {
	amount := req.TotalCents()
	res, err := b.recorder.LogPayment(ctx, b.name, key, models.PaymentUpdate{
		RecordID:       req.RecordID,
		EventID:        req.EventID,
		RegistrationID: req.RegistrationID,
		InstallmentID:  req.InstallmentID,
		Status:         models.PaymentStatusInitiated,
		AmountCents:    &amount,
		Currency:       req.Currency,
		CustomerEmail:  req.Customer.Email,
		RawResponse:    raw,
	})
	if err != nil {
		return nil, fmt.Errorf("log payment: %w", err)
	}
	return res.Record, nil
}

// session builds the checkout response after logging the payment.
func (b *base) session(ctx context.Context, key, redirect string, req CheckoutRequest, raw []byte) (*CheckoutSession, error) {
	rec, err := b.logInitiated(ctx, key, req, raw)
	if err != nil {
		return nil, err
	}
	b.logger.Info("checkout created",
		zap.String("provider_payment_id", key),
		zap.String("payment_id", rec.ID.String()),
		zap.Int64("amount_cents", rec.AmountCents))
	return &CheckoutSession{
		ProviderPaymentID: key,
		PaymentRecordID:   rec.ID,
		URL:               redirect,
		Method:            http.MethodGet,
	}, nil
}

// applyWebhook merges a normalised webhook into the matching record. The
// reference is tried when the key matches nothing; events matching neither
// are dropped.
func (b *base) applyWebhook(ctx context.Context, eventType, key string, u models.PaymentUpdate) (*WebhookOutcome, error) {
	out := &WebhookOutcome{EventType: eventType, ProviderPaymentID: key}

	var res *models.MergeResult
	var err error
	if key != "" {
		res, err = b.recorder.ApplyUpdate(ctx, b.name, key, u)
		if err != nil {
			return nil, fmt.Errorf("apply webhook: %w", err)
		}
	}
	if res == nil && u.ProviderReference != "" {
		rec, ferr := b.recorder.FindByReference(ctx, b.name, u.ProviderReference)
		if ferr != nil {
			return nil, fmt.Errorf("find by reference: %w", ferr)
		}
		if rec != nil && rec.Key() != "" {
			out.ProviderPaymentID = rec.Key()
			res, err = b.recorder.ApplyUpdate(ctx, b.name, rec.Key(), u)
			if err != nil {
				return nil, fmt.Errorf("apply webhook: %w", err)
			}
		}
	}
	if res == nil {
		b.logger.Warn("webhook for unknown payment dropped",
			zap.String("event_type", eventType),
			zap.String("provider_payment_id", key),
			zap.String("reference", u.ProviderReference))
		out.Ignored = true
		out.Reason = "unknown payment"
		return out, nil
	}
	out.Record = res.Record
	out.PreviousStatus = res.PreviousStatus
	out.Changed = res.Changed
	if !res.Changed {
		out.Reason = "duplicate delivery"
	}
	return out, nil
}

func (b *base) ignore(eventType, reason string) *WebhookOutcome {
	b.logger.Info("webhook ignored", zap.String("event_type", eventType), zap.String("reason", reason))
	return &WebhookOutcome{EventType: eventType, Ignored: true, Reason: reason}
}

// ---- Refund helpers ----

// refundAmount resolves the requested amount against what is refundable.
func (b *base) refundAmount(req RefundRequest) (int64, error) {
	if req.Payment == nil {
		return 0, apperrors.InvalidInput("refund requires a payment", nil)
	}
	refundable := req.Payment.RefundableCents()
	if refundable <= 0 {
		return 0, apperrors.Conflict(fmt.Sprintf("payment %s is not refundable in status %s", req.Payment.ID, req.Payment.Status))
	}
	amount := req.AmountCents
	if amount == 0 {
		amount = refundable
	}
	if amount < 0 || amount > refundable {
		return 0, apperrors.InvalidInput(fmt.Sprintf("refund amount %d exceeds refundable %d", amount, refundable), nil)
	}
	return amount, nil
}

func (b *base) finishRefund(ctx context.Context, req RefundRequest, refundID string, amount int64, state string, raw []byte) (*RefundResult, error) {
	refund, original, err := b.recorder.RecordRefund(ctx, req.Payment.ID, refundID, amount, raw)
	if err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}
	b.logger.Info("refund recorded",
		zap.String("payment_id", req.Payment.ID.String()),
		zap.String("refund_id", refundID),
		zap.Int64("amount_cents", amount))
	return &RefundResult{
		RefundID:     refundID,
		AmountCents:  amount,
		GatewayState: state,
		Refund:       refund,
		Original:     original,
	}, nil
}

// ---- HTTP helper ----

type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Body)
}

// do sends req and decodes a JSON response into out when out is non-nil.
func (b *base) do(req *http.Request, out interface{}) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{Status: resp.StatusCode, Body: string(respBytes)}
	}

	if out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (b *base) doJSON(ctx context.Context, method, endpoint string, headers map[string]string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.do(req, out)
}

func (b *base) doForm(ctx context.Context, method, endpoint string, headers map[string]string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.do(req, out)
}

// ---- misc ----

// istZone is the offset Indian gateways report local timestamps in.
var istZone = time.FixedZone("IST", 5*3600+1800)

// newKey returns a gateway-safe transaction id made of prefix plus 32 hex chars.
func newKey(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func installmentName(seq int) string {
	if seq <= 0 {
		return "Installment"
	}
	return fmt.Sprintf("Installment %d", seq)
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func parseUUIDPtr(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
