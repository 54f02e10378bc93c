package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"

	"go.uber.org/zap"
)

const (
	phonePeTestBase   = "https://api-preprod.phonepe.com/apis/pg-sandbox"
	phonePeLiveBase   = "https://api.phonepe.com/apis/hermes"
	phonePePayPath    = "/pg/v1/pay"
	phonePeRefundPath = "/pg/v1/refund"
	phonePeVerifyHdr  = "X-VERIFY"
)

// PhonePeProvider drives the PG v1 pay page. The merchantTransactionId we
// generate is the key; PhonePe's transactionId becomes the reference.
type PhonePeProvider struct {
	base
	merchantID string
	saltKey    string
	saltIndex  string
	apiBase    string
}

func NewPhonePeProvider(cfg Config, deps Deps) (Provider, error) {
	b, err := newBase(models.ProviderPhonePe, cfg, deps, "merchant_id", "salt_key")
	if err != nil {
		return nil, err
	}
	return &PhonePeProvider{
		base:       b,
		merchantID: b.cfg.credential("merchant_id"),
		saltKey:    b.cfg.credential("salt_key"),
		saltIndex:  b.cfg.credentialOr("salt_index", "1"),
		apiBase:    b.cfg.baseURL(phonePeTestBase, phonePeLiveBase),
	}, nil
}

// ---- PhonePe API structs ----

type phonePePayRequest struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	MerchantUserID        string `json:"merchantUserId"`
	Amount                int64  `json:"amount"`
	RedirectURL           string `json:"redirectUrl"`
	RedirectMode          string `json:"redirectMode"`
	CallbackURL           string `json:"callbackUrl,omitempty"`
	MobileNumber          string `json:"mobileNumber,omitempty"`
	PaymentInstrument     struct {
		Type string `json:"type"`
	} `json:"paymentInstrument"`
}

type phonePeResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantID            string `json:"merchantId"`
		MerchantTransactionID string `json:"merchantTransactionId"`
		TransactionID         string `json:"transactionId"`
		Amount                int64  `json:"amount"`
		State                 string `json:"state"`
		ResponseCode          string `json:"responseCode"`
		PaymentInstrument     *struct {
			Type string `json:"type"`
		} `json:"paymentInstrument"`
		InstrumentResponse *struct {
			RedirectInfo struct {
				URL    string `json:"url"`
				Method string `json:"method"`
			} `json:"redirectInfo"`
		} `json:"instrumentResponse"`
	} `json:"data"`
}

// status maps the response code and state onto gateway vocabulary.
func (r *phonePeResponse) status() string {
	switch {
	case r.Code == "PAYMENT_SUCCESS" || strings.EqualFold(r.Data.State, "COMPLETED"):
		return "paid"
	case r.Code == "PAYMENT_PENDING" || strings.EqualFold(r.Data.State, "PENDING"):
		return "pending"
	case r.Code == "PAYMENT_ERROR" || r.Code == "PAYMENT_DECLINED" || strings.EqualFold(r.Data.State, "FAILED"):
		return "failed"
	}
	return strings.ToLower(r.Data.State)
}

func (r *phonePeResponse) method() string {
	if r.Data.PaymentInstrument == nil {
		return ""
	}
	return strings.ToLower(r.Data.PaymentInstrument.Type)
}

// ---- Provider implementation ----

func (p *PhonePeProvider) Capabilities() Capabilities {
	return Capabilities{PartialPayments: true, Refunds: true}
}

func (p *PhonePeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	req = req.withRecordID()
	txnID := newKey("ATL")
	body := phonePePayRequest{
		MerchantID:            p.merchantID,
		MerchantTransactionID: txnID,
		MerchantUserID:        p.merchantUserID(req),
		Amount:                req.TotalCents(),
		RedirectURL:           req.SuccessURL,
		RedirectMode:          "REDIRECT",
		CallbackURL:           p.cfg.NotifyURL,
		MobileNumber:          req.Customer.Phone,
	}
	body.PaymentInstrument.Type = "PAY_PAGE"

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal pay request: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	headers := map[string]string{phonePeVerifyHdr: p.checksum(encoded + phonePePayPath)}

	var resp phonePeResponse
	err = p.doJSON(ctx, http.MethodPost, p.apiBase+phonePePayPath, headers, map[string]string{"request": encoded}, &resp)
	if err != nil || !resp.Success || resp.Data.InstrumentResponse == nil {
		if err == nil {
			err = fmt.Errorf("%s: %s", resp.Code, resp.Message)
		}
		p.logger.Error("phonepe CreateCheckout failed", zap.Error(err))
		return nil, p.gatewayErr("pay", err)
	}
	raw, _ := json.Marshal(resp)
	return p.session(ctx, txnID, resp.Data.InstrumentResponse.RedirectInfo.URL, req, raw)
}

func (p *PhonePeProvider) CreatePartialPayment(ctx context.Context, req PartialPaymentRequest) (*CheckoutSession, error) {
	return p.CreateCheckout(ctx, req.AsCheckout())
}

func (p *PhonePeProvider) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return nil, p.unsupported("direct charge")
}

func (p *PhonePeProvider) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	amount, err := p.refundAmount(req)
	if err != nil {
		return nil, err
	}
	if req.Payment.ProviderReference == "" {
		return nil, apperrors.Conflict("phonepe: payment has no transaction id to refund")
	}
	refundID := newKey("RFD")
	body := map[string]interface{}{
		"merchantId":            p.merchantID,
		"merchantUserId":        "MU" + strings.ReplaceAll(req.Payment.ID.String(), "-", "")[:16],
		"originalTransactionId": req.Payment.Key(),
		"merchantTransactionId": refundID,
		"amount":                amount,
		"callbackUrl":           p.cfg.NotifyURL,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal refund request: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	headers := map[string]string{phonePeVerifyHdr: p.checksum(encoded + phonePeRefundPath)}

	var resp phonePeResponse
	err = p.doJSON(ctx, http.MethodPost, p.apiBase+phonePeRefundPath, headers, map[string]string{"request": encoded}, &resp)
	if err != nil || !resp.Success {
		if err == nil {
			err = fmt.Errorf("%s: %s", resp.Code, resp.Message)
		}
		p.logger.Error("phonepe RefundPayment failed", zap.String("payment_id", req.Payment.ID.String()), zap.Error(err))
		return nil, p.gatewayErr("refund", err)
	}
	raw, _ := json.Marshal(resp)
	return p.finishRefund(ctx, req, refundID, amount, resp.Data.State, raw)
}

func (p *PhonePeProvider) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*StatusSnapshot, error) {
	path := fmt.Sprintf("/pg/v1/status/%s/%s", url.PathEscape(p.merchantID), url.PathEscape(providerPaymentID))
	headers := map[string]string{
		phonePeVerifyHdr: p.checksum(path),
		"X-MERCHANT-ID":  p.merchantID,
	}
	var resp phonePeResponse
	if err := p.doJSON(ctx, http.MethodGet, p.apiBase+path, headers, nil, &resp); err != nil {
		if se, ok := err.(*httpStatusError); ok && se.Status == http.StatusNotFound {
			return nil, apperrors.NotFound("phonepe transaction", providerPaymentID)
		}
		return nil, p.gatewayErr("get status", err)
	}
	if resp.Code == "TRANSACTION_NOT_FOUND" {
		return nil, apperrors.NotFound("phonepe transaction", providerPaymentID)
	}
	raw := resp.status()
	snap := &StatusSnapshot{
		ProviderPaymentID: providerPaymentID,
		Reference:         resp.Data.TransactionID,
		Status:            ToPaymentStatus(raw),
		RawStatus:         resp.Code,
		AmountCents:       resp.Data.Amount,
		Currency:          "INR",
		PaymentMethod:     resp.method(),
	}
	if snap.Status == models.PaymentStatusPaid {
		snap.CapturedAt = timePtr(p.now())
	}
	return snap, nil
}

// VerifyWebhook checks X-VERIFY = sha256(response + salt) + "###" + index,
// where response is the base64 payload from the JSON body.
func (p *PhonePeProvider) VerifyWebhook(req *WebhookRequest) error {
	var body struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil || body.Response == "" {
		return apperrors.InvalidSignature(string(p.name), err)
	}
	got := req.Headers.Get(phonePeVerifyHdr)
	want := p.checksum(body.Response)
	if !secureCompare(got, want) {
		p.logger.Warn("phonepe webhook checksum mismatch")
		return apperrors.InvalidSignature(string(p.name), nil)
	}
	return nil
}

func (p *PhonePeProvider) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookOutcome, error) {
	var body struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, apperrors.InvalidInput("phonepe: malformed webhook payload", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(body.Response)
	if err != nil {
		return nil, apperrors.InvalidInput("phonepe: webhook response is not base64", err)
	}
	var resp phonePeResponse
	if err := json.Unmarshal(decoded, &resp); err != nil {
		return nil, apperrors.InvalidInput("phonepe: malformed webhook response", err)
	}
	if resp.Data.MerchantTransactionID == "" {
		return p.ignore(resp.Code, "missing merchantTransactionId"), nil
	}

	status := ToPaymentStatus(resp.status())
	if status == models.PaymentStatusInitiated {
		return p.ignore(resp.Code, "non-terminal state"), nil
	}
	u := models.PaymentUpdate{
		Status:            status,
		ProviderReference: resp.Data.TransactionID,
		PaymentMethod:     resp.method(),
		RawResponse:       decoded,
	}
	if status == models.PaymentStatusPaid {
		u.CapturedAt = timePtr(p.now())
	}
	return p.applyWebhook(ctx, resp.Code, resp.Data.MerchantTransactionID, u)
}

// ListPayments is unsupported; reconciliation polls GetPaymentStatus.
func (p *PhonePeProvider) ListPayments(ctx context.Context, from, to time.Time) ([]GatewayPayment, error) {
	return nil, p.unsupported("payment listing")
}

// checksum is sha256(data + salt) followed by ###index.
func (p *PhonePeProvider) checksum(data string) string {
	return sha256Hex(data+p.saltKey) + "###" + p.saltIndex
}

// merchantUserID must be alphanumeric and at most 36 characters.
func (p *PhonePeProvider) merchantUserID(req CheckoutRequest) string {
	id := req.RecordID
	if req.RegistrationID != nil {
		id = *req.RegistrationID
	}
	return "MU" + strings.ReplaceAll(id.String(), "-", "")[:32]
}
