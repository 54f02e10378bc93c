package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"

	"go.uber.org/zap"
)

const (
	razorpayAPIBase         = "https://api.razorpay.com/v1"
	razorpaySignatureHeader = "X-Razorpay-Signature"
)

// RazorpayProvider uses Payment Links for hosted checkout, keyed by the
// plink_ id. Direct charges are keyed by the pay_ id.
type RazorpayProvider struct {
	base
	keyID         string
	keySecret     string
	webhookSecret string
	apiBase       string
}

func NewRazorpayProvider(cfg Config, deps Deps) (Provider, error) {
	b, err := newBase(models.ProviderRazorpay, cfg, deps, "key_id", "key_secret", "webhook_secret")
	if err != nil {
		return nil, err
	}
	return &RazorpayProvider{
		base:          b,
		keyID:         b.cfg.credential("key_id"),
		keySecret:     b.cfg.credential("key_secret"),
		webhookSecret: b.cfg.credential("webhook_secret"),
		// Razorpay uses one host; test vs live is decided by the key pair.
		apiBase: b.cfg.baseURL(razorpayAPIBase, razorpayAPIBase),
	}, nil
}

// ---- Razorpay API request/response structs ----

type razorpayCustomer struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Contact string `json:"contact,omitempty"`
}

type razorpayLinkRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	AcceptPartial  bool              `json:"accept_partial"`
	Description    string            `json:"description"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	Customer       razorpayCustomer  `json:"customer"`
	Notify         map[string]bool   `json:"notify"`
	ReminderEnable bool              `json:"reminder_enable"`
	Notes          map[string]string `json:"notes,omitempty"`
	CallbackURL    string            `json:"callback_url,omitempty"`
	CallbackMethod string            `json:"callback_method,omitempty"`
}

type razorpayLink struct {
	ID          string `json:"id"`
	ShortURL    string `json:"short_url"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	AmountPaid  int64  `json:"amount_paid"`
	Currency    string `json:"currency"`
	ReferenceID string `json:"reference_id"`
	ExpireBy    int64  `json:"expire_by"`
	Payments    []struct {
		PaymentID string `json:"payment_id"`
		Amount    int64  `json:"amount"`
		Status    string `json:"status"`
		Method    string `json:"method"`
		CreatedAt int64  `json:"created_at"`
	} `json:"payments"`
}

type razorpayPayment struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	RefundStatus   string            `json:"refund_status"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	Method         string            `json:"method"`
	OrderID        string            `json:"order_id"`
	Email          string            `json:"email"`
	Fee            *int64            `json:"fee"`
	Notes          map[string]string `json:"-"`
	RawNotes       json.RawMessage   `json:"notes"`
	CreatedAt      int64             `json:"created_at"`
}

// status separates partial refunds, which Razorpay also reports as
// "refunded".
func (p *razorpayPayment) status() string {
	if p.RefundStatus == "partial" {
		return "partially_refunded"
	}
	return p.Status
}

// notes decodes the notes field, which Razorpay sends as [] when empty.
func (p *razorpayPayment) notes() map[string]string {
	if p.Notes != nil {
		return p.Notes
	}
	m := map[string]string{}
	_ = json.Unmarshal(p.RawNotes, &m)
	p.Notes = m
	return m
}

type razorpayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity razorpayPayment `json:"entity"`
		} `json:"payment"`
		PaymentLink *struct {
			Entity razorpayLink `json:"entity"`
		} `json:"payment_link"`
		Refund *struct {
			Entity razorpayRefund `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

// ---- Provider implementation ----

func (p *RazorpayProvider) Capabilities() Capabilities {
	return Capabilities{PartialPayments: true, DirectCharge: true, Refunds: true, ListPayments: true}
}

func (p *RazorpayProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	req = req.withRecordID()
	body := razorpayLinkRequest{
		Amount:      req.TotalCents(),
		Currency:    strings.ToUpper(req.Currency),
		Description: req.Purpose(),
		Customer: razorpayCustomer{
			Name:    req.Customer.Name,
			Email:   req.Customer.Email,
			Contact: req.Customer.Phone,
		},
		ReferenceID: strings.ReplaceAll(req.RecordID.String(), "-", ""),
		Notify:      map[string]bool{"sms": false, "email": false},
		Notes: map[string]string{
			"payment_record_id": req.RecordID.String(),
			"event_id":          req.EventID.String(),
			"registration_id":   uuidString(req.RegistrationID),
			"installment_id":    uuidString(req.InstallmentID),
		},
		CallbackURL:    req.SuccessURL,
		CallbackMethod: "get",
	}

	var link razorpayLink
	if err := p.doJSON(ctx, http.MethodPost, p.apiBase+"/payment_links", p.authHeaders(), body, &link); err != nil {
		p.logger.Error("razorpay CreateCheckout failed", zap.Error(err))
		return nil, p.gatewayErr("create payment link", err)
	}
	raw, _ := json.Marshal(link)
	sess, err := p.session(ctx, link.ID, link.ShortURL, req, raw)
	if err != nil {
		return nil, err
	}
	if link.ExpireBy > 0 {
		sess.ExpiresAt = timePtr(time.Unix(link.ExpireBy, 0))
	}
	return sess, nil
}

func (p *RazorpayProvider) CreatePartialPayment(ctx context.Context, req PartialPaymentRequest) (*CheckoutSession, error) {
	return p.CreateCheckout(ctx, req.AsCheckout())
}

// ProcessPayment charges a saved token through an order plus a recurring
// payment. The capture itself arrives later as payment.captured.
func (p *RazorpayProvider) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.Customer.ID == "" || req.PaymentMethodID == "" {
		return nil, apperrors.InvalidInput("razorpay: customer id and token are required for direct charges", nil)
	}
	var order struct {
		ID string `json:"id"`
	}
	orderBody := map[string]interface{}{
		"amount":   req.AmountCents,
		"currency": strings.ToUpper(req.Currency),
		"receipt":  req.IdempotencyKey,
		"notes": map[string]string{
			"event_id":        req.EventID.String(),
			"registration_id": uuidString(req.RegistrationID),
			"installment_id":  uuidString(req.InstallmentID),
		},
	}
	if err := p.doJSON(ctx, http.MethodPost, p.apiBase+"/orders", p.authHeaders(), orderBody, &order); err != nil {
		return nil, p.gatewayErr("create order", err)
	}

	var charge struct {
		PaymentID string `json:"razorpay_payment_id"`
		OrderID   string `json:"razorpay_order_id"`
	}
	chargeBody := map[string]interface{}{
		"email":       req.Customer.Email,
		"contact":     req.Customer.Phone,
		"amount":      req.AmountCents,
		"currency":    strings.ToUpper(req.Currency),
		"order_id":    order.ID,
		"customer_id": req.Customer.ID,
		"token":       req.PaymentMethodID,
		"recurring":   "1",
		"description": req.Description,
	}
	if err := p.doJSON(ctx, http.MethodPost, p.apiBase+"/payments/create/recurring", p.authHeaders(), chargeBody, &charge); err != nil {
		return nil, p.gatewayErr("create recurring payment", err)
	}

	amount := req.AmountCents
	res, err := p.recorder.LogPayment(ctx, p.name, charge.PaymentID, models.PaymentUpdate{
		EventID:           req.EventID,
		RegistrationID:    req.RegistrationID,
		InstallmentID:     req.InstallmentID,
		Status:            models.PaymentStatusInitiated,
		AmountCents:       &amount,
		Currency:          req.Currency,
		ProviderReference: charge.OrderID,
		CustomerEmail:     req.Customer.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("log payment: %w", err)
	}
	return &ChargeResult{
		ProviderPaymentID: charge.PaymentID,
		PaymentRecordID:   res.Record.ID,
		Status:            res.Record.Status,
	}, nil
}

func (p *RazorpayProvider) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	amount, err := p.refundAmount(req)
	if err != nil {
		return nil, err
	}
	paymentID := req.Payment.Key()
	if !strings.HasPrefix(paymentID, "pay_") {
		paymentID = req.Payment.ProviderReference
	}
	if paymentID == "" {
		return nil, apperrors.Conflict("razorpay: payment has no captured payment id to refund")
	}

	var refund razorpayRefund
	body := map[string]interface{}{
		"amount": amount,
		"notes":  map[string]string{"reason": req.Reason},
	}
	endpoint := fmt.Sprintf("%s/payments/%s/refund", p.apiBase, url.PathEscape(paymentID))
	if err := p.doJSON(ctx, http.MethodPost, endpoint, p.authHeaders(), body, &refund); err != nil {
		p.logger.Error("razorpay RefundPayment failed", zap.String("payment_id", paymentID), zap.Error(err))
		return nil, p.gatewayErr("refund", err)
	}
	raw, _ := json.Marshal(refund)
	return p.finishRefund(ctx, req, refund.ID, amount, refund.Status, raw)
}

func (p *RazorpayProvider) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*StatusSnapshot, error) {
	if strings.HasPrefix(providerPaymentID, "plink_") {
		var link razorpayLink
		endpoint := p.apiBase + "/payment_links/" + url.PathEscape(providerPaymentID)
		if err := p.doJSON(ctx, http.MethodGet, endpoint, p.authHeaders(), nil, &link); err != nil {
			return nil, p.statusErr(providerPaymentID, err)
		}
		snap := &StatusSnapshot{
			ProviderPaymentID: link.ID,
			Status:            ToPaymentStatus(link.Status),
			RawStatus:         link.Status,
			AmountCents:       link.Amount,
			Currency:          link.Currency,
		}
		for _, pay := range link.Payments {
			if NormalizeStatus(pay.Status) == NormalizedPaid {
				snap.Reference = pay.PaymentID
				snap.PaymentMethod = pay.Method
				snap.CapturedAt = timePtr(time.Unix(pay.CreatedAt, 0))
			}
		}
		return snap, nil
	}

	var pay razorpayPayment
	endpoint := p.apiBase + "/payments/" + url.PathEscape(providerPaymentID)
	if err := p.doJSON(ctx, http.MethodGet, endpoint, p.authHeaders(), nil, &pay); err != nil {
		return nil, p.statusErr(providerPaymentID, err)
	}
	return &StatusSnapshot{
		ProviderPaymentID: pay.ID,
		Reference:         pay.OrderID,
		Status:            ToPaymentStatus(pay.status()),
		RawStatus:         pay.status(),
		AmountCents:       pay.Amount,
		Currency:          pay.Currency,
		FeeCents:          pay.Fee,
		PaymentMethod:     pay.Method,
		RefundedCents:     pay.AmountRefunded,
	}, nil
}

func (p *RazorpayProvider) statusErr(id string, err error) error {
	if se, ok := err.(*httpStatusError); ok && se.Status == http.StatusNotFound {
		return apperrors.NotFound("razorpay payment", id)
	}
	return p.gatewayErr("get status", err)
}

func (p *RazorpayProvider) VerifyWebhook(req *WebhookRequest) error {
	got := req.Headers.Get(razorpaySignatureHeader)
	want := hmacSHA256Hex(p.webhookSecret, req.Body)
	if !secureCompare(got, want) {
		p.logger.Warn("razorpay webhook signature mismatch")
		return apperrors.InvalidSignature(string(p.name), nil)
	}
	return nil
}

func (p *RazorpayProvider) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookOutcome, error) {
	var evt razorpayWebhook
	if err := json.Unmarshal(req.Body, &evt); err != nil {
		return nil, apperrors.InvalidInput("razorpay: malformed webhook payload", err)
	}

	switch evt.Event {
	case "payment_link.paid", "payment_link.cancelled", "payment_link.expired":
		if evt.Payload.PaymentLink == nil {
			return p.ignore(evt.Event, "missing payment_link entity"), nil
		}
		link := evt.Payload.PaymentLink.Entity
		u := models.PaymentUpdate{Status: ToPaymentStatus(link.Status), RawResponse: req.Body}
		if evt.Payload.Payment != nil {
			pay := evt.Payload.Payment.Entity
			u.ProviderReference = pay.ID
			u.FeeCents = pay.Fee
			u.PaymentMethod = pay.Method
			u.CustomerEmail = pay.Email
			u.CapturedAt = timePtr(time.Unix(pay.CreatedAt, 0))
		}
		if evt.Event == "payment_link.paid" {
			u.Status = models.PaymentStatusPaid
		}
		return p.applyWebhook(ctx, evt.Event, link.ID, u)

	case "payment.captured", "payment.failed":
		if evt.Payload.Payment == nil {
			return p.ignore(evt.Event, "missing payment entity"), nil
		}
		pay := evt.Payload.Payment.Entity
		status := models.PaymentStatusPaid
		if evt.Event == "payment.failed" {
			status = models.PaymentStatusFailed
		}
		u := models.PaymentUpdate{
			Status:        status,
			FeeCents:      pay.Fee,
			PaymentMethod: pay.Method,
			CustomerEmail: pay.Email,
			RawResponse:   req.Body,
		}
		if status == models.PaymentStatusPaid {
			u.CapturedAt = timePtr(time.Unix(pay.CreatedAt, 0))
		}
		// Payments made through a link are known by the link id and carry the
		// pay_ id as their reference; direct charges are keyed by the pay_ id.
		u.ProviderReference = pay.ID
		return p.applyWebhook(ctx, evt.Event, pay.ID, u)

	case "refund.processed":
		if evt.Payload.Refund == nil {
			return p.ignore(evt.Event, "missing refund entity"), nil
		}
		// Refunds issued through RefundPayment are already booked; this only
		// records ones started from the Razorpay dashboard.
		ref := evt.Payload.Refund.Entity
		return p.applyDashboardRefund(ctx, evt.Event, ref, req.Body)

	default:
		return p.ignore(evt.Event, "unhandled event type"), nil
	}
}

func (p *RazorpayProvider) applyDashboardRefund(ctx context.Context, eventType string, ref razorpayRefund, raw []byte) (*WebhookOutcome, error) {
	existing, err := p.recorder.FindByKey(ctx, p.name, ref.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &WebhookOutcome{EventType: eventType, ProviderPaymentID: ref.ID, Record: existing, Reason: "duplicate delivery"}, nil
	}
	original, err := p.recorder.FindByKey(ctx, p.name, ref.PaymentID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		if original, err = p.recorder.FindByReference(ctx, p.name, ref.PaymentID); err != nil {
			return nil, err
		}
	}
	if original == nil {
		return p.ignore(eventType, "unknown payment"), nil
	}
	prev := original.Status
	_, updated, err := p.recorder.RecordRefund(ctx, original.ID, ref.ID, ref.Amount, raw)
	if err != nil {
		return nil, err
	}
	return &WebhookOutcome{
		EventType:         eventType,
		ProviderPaymentID: original.Key(),
		Record:            updated,
		PreviousStatus:    prev,
		Changed:           true,
	}, nil
}

// ListPayments pages through /payments for the window.
func (p *RazorpayProvider) ListPayments(ctx context.Context, from, to time.Time) ([]GatewayPayment, error) {
	const pageSize = 100
	var out []GatewayPayment
	for skip := 0; ; skip += pageSize {
		q := url.Values{}
		q.Set("from", strconv.FormatInt(from.Unix(), 10))
		q.Set("to", strconv.FormatInt(to.Unix()-1, 10))
		q.Set("count", strconv.Itoa(pageSize))
		q.Set("skip", strconv.Itoa(skip))

		var page struct {
			Count int               `json:"count"`
			Items []razorpayPayment `json:"items"`
		}
		if err := p.doJSON(ctx, http.MethodGet, p.apiBase+"/payments?"+q.Encode(), p.authHeaders(), nil, &page); err != nil {
			return nil, p.gatewayErr("list payments", err)
		}
		for i := range page.Items {
			pay := &page.Items[i]
			notes := pay.notes()
			gp := GatewayPayment{
				ID:             pay.ID,
				Reference:      pay.OrderID,
				LocalRecordID:  notes["payment_record_id"],
				RegistrationID: notes["registration_id"],
				Email:          pay.Email,
				Status:         pay.status(),
				AmountCents:    pay.Amount,
				Currency:       pay.Currency,
				FeeCents:       pay.Fee,
				PaymentMethod:  pay.Method,
				CreatedAt:      time.Unix(pay.CreatedAt, 0).UTC(),
				RefundedCents:  pay.AmountRefunded,
			}
			if NormalizeStatus(pay.Status) == NormalizedPaid {
				gp.CapturedAt = timePtr(gp.CreatedAt)
			}
			out = append(out, gp)
		}
		if len(page.Items) < pageSize {
			return out, nil
		}
	}
}

// ---- HTTP helper ----

func (p *RazorpayProvider) authHeaders() map[string]string {
	token := base64.StdEncoding.EncodeToString([]byte(p.keyID + ":" + p.keySecret))
	return map[string]string{"Authorization": "Basic " + token}
}
