package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"

	"go.uber.org/zap"
)

const (
	instamojoTestBase = "https://test.instamojo.com"
	instamojoLiveBase = "https://api.instamojo.com"
)

// InstamojoProvider uses v2 payment requests. The payment request id is the
// key; the MOJO payment id arrives with the webhook as the reference.
type InstamojoProvider struct {
	base
	clientID     string
	clientSecret string
	privateSalt  string
	apiBase      string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewInstamojoProvider(cfg Config, deps Deps) (Provider, error) {
	b, err := newBase(models.ProviderInstamojo, cfg, deps, "client_id", "client_secret", "private_salt")
	if err != nil {
		return nil, err
	}
	return &InstamojoProvider{
		base:         b,
		clientID:     b.cfg.credential("client_id"),
		clientSecret: b.cfg.credential("client_secret"),
		privateSalt:  b.cfg.credential("private_salt"),
		apiBase:      b.cfg.baseURL(instamojoTestBase, instamojoLiveBase),
	}, nil
}

// ---- Instamojo API structs ----

type instamojoPaymentRequest struct {
	ID        string   `json:"id"`
	LongURL   string   `json:"longurl"`
	Status    string   `json:"status"`
	Amount    string   `json:"amount"`
	Purpose   string   `json:"purpose"`
	Email     string   `json:"email"`
	CreatedAt string   `json:"created_at"`
	Payments  []string `json:"payments"`
}

type instamojoPayment struct {
	ID             string `json:"id"`
	Status         bool   `json:"status"`
	Currency       string `json:"currency"`
	Amount         string `json:"amount"`
	Fees           string `json:"fees"`
	Email          string `json:"email"`
	Instrument     string `json:"instrument_type"`
	PaymentRequest string `json:"payment_request"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at"`
}

// requestID extracts the payment request id from its resource URL.
func (p instamojoPayment) requestID() string {
	parts := strings.Split(strings.TrimRight(p.PaymentRequest, "/"), "/")
	return parts[len(parts)-1]
}

// ---- Provider implementation ----

func (p *InstamojoProvider) Capabilities() Capabilities {
	return Capabilities{PartialPayments: true, Refunds: true, ListPayments: true}
}

func (p *InstamojoProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	req = req.withRecordID()
	if !strings.EqualFold(req.Currency, "INR") {
		return nil, apperrors.InvalidInput("instamojo: only INR is supported", nil)
	}
	headers, err := p.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("purpose", req.Purpose())
	form.Set("amount", majorString(req.TotalCents()))
	form.Set("buyer_name", req.Customer.Name)
	form.Set("email", req.Customer.Email)
	form.Set("phone", req.Customer.Phone)
	form.Set("redirect_url", req.SuccessURL)
	form.Set("allow_repeated_payments", "false")
	if p.cfg.NotifyURL != "" {
		form.Set("webhook", p.cfg.NotifyURL)
	}

	var pr instamojoPaymentRequest
	if err := p.doForm(ctx, http.MethodPost, p.apiBase+"/v2/payment_requests/", headers, form, &pr); err != nil {
		p.logger.Error("instamojo CreateCheckout failed", zap.Error(err))
		return nil, p.gatewayErr("create payment request", err)
	}
	raw, _ := json.Marshal(pr)
	return p.session(ctx, pr.ID, pr.LongURL, req, raw)
}

func (p *InstamojoProvider) CreatePartialPayment(ctx context.Context, req PartialPaymentRequest) (*CheckoutSession, error) {
	return p.CreateCheckout(ctx, req.AsCheckout())
}

func (p *InstamojoProvider) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return nil, p.unsupported("direct charge")
}

func (p *InstamojoProvider) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	amount, err := p.refundAmount(req)
	if err != nil {
		return nil, err
	}
	paymentID := req.Payment.ProviderReference
	if paymentID == "" {
		return nil, apperrors.Conflict("instamojo: payment has no MOJO payment id to refund")
	}
	headers, err := p.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = "Refund requested by organiser"
	}
	form := url.Values{}
	form.Set("transaction_id", newKey("rfd_"))
	form.Set("type", "RFD")
	form.Set("body", reason)
	form.Set("refund_amount", majorString(amount))

	var resp struct {
		Refund struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"refund"`
		Success bool `json:"success"`
	}
	endpoint := fmt.Sprintf("%s/v2/payments/%s/refund/", p.apiBase, url.PathEscape(paymentID))
	if err := p.doForm(ctx, http.MethodPost, endpoint, headers, form, &resp); err != nil {
		p.logger.Error("instamojo RefundPayment failed", zap.String("payment_id", paymentID), zap.Error(err))
		return nil, p.gatewayErr("refund", err)
	}
	refundID := resp.Refund.ID
	if refundID == "" {
		refundID = form.Get("transaction_id")
	}
	raw, _ := json.Marshal(resp)
	return p.finishRefund(ctx, req, refundID, amount, resp.Refund.Status, raw)
}

func (p *InstamojoProvider) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*StatusSnapshot, error) {
	headers, err := p.authHeaders(ctx)
	if err != nil {
		return nil, err
	}
	var pr instamojoPaymentRequest
	endpoint := p.apiBase + "/v2/payment_requests/" + url.PathEscape(providerPaymentID) + "/"
	if err := p.doJSON(ctx, http.MethodGet, endpoint, headers, nil, &pr); err != nil {
		if se, ok := err.(*httpStatusError); ok && se.Status == http.StatusNotFound {
			return nil, apperrors.NotFound("instamojo payment request", providerPaymentID)
		}
		return nil, p.gatewayErr("get status", err)
	}
	amount, _ := parseMajor(pr.Amount)
	snap := &StatusSnapshot{
		ProviderPaymentID: pr.ID,
		Status:            ToPaymentStatus(pr.Status),
		RawStatus:         pr.Status,
		AmountCents:       amount,
		Currency:          "INR",
	}
	if len(pr.Payments) > 0 {
		last := pr.Payments[len(pr.Payments)-1]
		parts := strings.Split(strings.TrimRight(last, "/"), "/")
		snap.Reference = parts[len(parts)-1]
	}
	return snap, nil
}

// VerifyWebhook checks the mac field: HMAC-SHA1 with the private salt over
// the remaining form values sorted by key and joined with "|".
func (p *InstamojoProvider) VerifyWebhook(req *WebhookRequest) error {
	fields, err := formFields(req.Body)
	if err != nil {
		return apperrors.InvalidSignature(string(p.name), err)
	}
	got := fields["mac"]
	want := hmacSHA1Hex(p.privateSalt, []byte(sortedValues(fields, "|", "mac")))
	if !secureCompare(got, want) {
		p.logger.Warn("instamojo webhook mac mismatch")
		return apperrors.InvalidSignature(string(p.name), nil)
	}
	return nil
}

func (p *InstamojoProvider) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookOutcome, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, apperrors.InvalidInput("instamojo: malformed webhook payload", err)
	}
	requestID := form.Get("payment_request_id")
	if requestID == "" {
		return p.ignore("payment", "missing payment_request_id"), nil
	}
	raw, _ := json.Marshal(form)

	u := models.PaymentUpdate{
		Status:            ToPaymentStatus(form.Get("status")),
		ProviderReference: form.Get("payment_id"),
		Currency:          form.Get("currency"),
		RawResponse:       raw,
	}
	if fees := form.Get("fees"); fees != "" {
		if f, err := parseMajor(fees); err == nil {
			u.FeeCents = &f
		}
	}
	if u.Status == models.PaymentStatusPaid {
		u.CapturedAt = timePtr(p.now())
	}
	eventType := "payment." + strings.ToLower(form.Get("status"))
	return p.applyWebhook(ctx, eventType, requestID, u)
}

// ListPayments pages /v2/payments/ (newest first) and keeps the window.
func (p *InstamojoProvider) ListPayments(ctx context.Context, from, to time.Time) ([]GatewayPayment, error) {
	headers, err := p.authHeaders(ctx)
	if err != nil {
		return nil, err
	}
	var out []GatewayPayment
	endpoint := p.apiBase + "/v2/payments/?limit=100"
	for endpoint != "" {
		var page struct {
			Next     string             `json:"next"`
			Payments []instamojoPayment `json:"payments"`
		}
		if err := p.doJSON(ctx, http.MethodGet, endpoint, headers, nil, &page); err != nil {
			return nil, p.gatewayErr("list payments", err)
		}
		olderThanWindow := false
		for _, pay := range page.Payments {
			created, _ := time.Parse(time.RFC3339, pay.CreatedAt)
			if created.Before(from) {
				olderThanWindow = true
				continue
			}
			if !created.Before(to) {
				continue
			}
			amount, _ := parseMajor(pay.Amount)
			status := "failed"
			if pay.Status {
				status = "credit"
			}
			gp := GatewayPayment{
				ID:            pay.requestID(),
				Reference:     pay.ID,
				Email:         pay.Email,
				Status:        status,
				AmountCents:   amount,
				Currency:      pay.Currency,
				PaymentMethod: pay.Instrument,
				CreatedAt:     created.UTC(),
			}
			if fee, err := parseMajor(pay.Fees); err == nil && pay.Fees != "" {
				gp.FeeCents = &fee
			}
			if completed, err := time.Parse(time.RFC3339, pay.CompletedAt); err == nil && pay.Status {
				gp.CapturedAt = timePtr(completed)
			}
			out = append(out, gp)
		}
		if olderThanWindow {
			break
		}
		endpoint = page.Next
	}
	return out, nil
}

// ---- OAuth ----

func (p *InstamojoProvider) authHeaders(ctx context.Context) (map[string]string, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// accessToken returns the cached client-credentials token, refreshing it a
// minute before expiry.
func (p *InstamojoProvider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := p.doForm(ctx, http.MethodPost, p.apiBase+"/oauth2/token/", nil, form, &resp); err != nil {
		if se, ok := err.(*httpStatusError); ok && se.Status == http.StatusUnauthorized {
			return "", apperrors.Configuration("instamojo: client credentials rejected", err)
		}
		return "", p.gatewayErr("oauth token", err)
	}
	p.token = resp.AccessToken
	p.tokenExpiry = p.now().Add(time.Duration(resp.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}
