package providers

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
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
	paytmTestBase     = "https://securegw-stage.paytm.in"
	paytmLiveBase     = "https://securegw.paytm.in"
	paytmChecksumIV   = "@@@@&&&&####$$$$"
	paytmChecksumKey  = "CHECKSUMHASH"
	paytmSaltAlphabet = "AbcDE123IJKLMN67QRSTUVWXYZaBCdefghijklmn123opq45rs67tuv89wxyz0FGH45OP89"
)

// PaytmProvider runs initiateTransaction then posts the payer to
// showPaymentPage. Our ORDERID is the key and Paytm's TXNID the reference.
type PaytmProvider struct {
	base
	merchantID  string
	merchantKey string
	website     string
	apiBase     string
}

func NewPaytmProvider(cfg Config, deps Deps) (Provider, error) {
	b, err := newBase(models.ProviderPaytm, cfg, deps, "merchant_id", "merchant_key")
	if err != nil {
		return nil, err
	}
	if n := len(b.cfg.credential("merchant_key")); n != 16 && n != 24 && n != 32 {
		return nil, apperrors.Configuration("paytm: merchant_key must be 16, 24 or 32 characters", nil)
	}
	website := "WEBSTAGING"
	if b.cfg.Mode == ModeLive {
		website = "DEFAULT"
	}
	return &PaytmProvider{
		base:        b,
		merchantID:  b.cfg.credential("merchant_id"),
		merchantKey: b.cfg.credential("merchant_key"),
		website:     b.cfg.credentialOr("website", website),
		apiBase:     b.cfg.baseURL(paytmTestBase, paytmLiveBase),
	}, nil
}

// ---- Paytm API structs ----

type paytmResultInfo struct {
	ResultStatus string `json:"resultStatus"`
	ResultCode   string `json:"resultCode"`
	ResultMsg    string `json:"resultMsg"`
}

type paytmStatusBody struct {
	ResultInfo  paytmResultInfo `json:"resultInfo"`
	TxnID       string          `json:"txnId"`
	BankTxnID   string          `json:"bankTxnId"`
	OrderID     string          `json:"orderId"`
	TxnAmount   string          `json:"txnAmount"`
	PaymentMode string          `json:"paymentMode"`
	TxnDate     string          `json:"txnDate"`
	RefundAmt   string          `json:"refundAmt"`
}

// ---- Provider implementation ----

func (p *PaytmProvider) Capabilities() Capabilities {
	return Capabilities{Refunds: true}
}

func (p *PaytmProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	req = req.withRecordID()
	if !strings.EqualFold(req.Currency, "INR") {
		return nil, apperrors.InvalidInput("paytm: only INR is supported", nil)
	}
	orderID := newKey("ATL")
	custID := "CUST_" + strings.ReplaceAll(req.RecordID.String(), "-", "")
	if req.RegistrationID != nil {
		custID = "CUST_" + strings.ReplaceAll(req.RegistrationID.String(), "-", "")
	}
	body := map[string]interface{}{
		"requestType": "Payment",
		"mid":         p.merchantID,
		"websiteName": p.website,
		"orderId":     orderID,
		"callbackUrl": req.SuccessURL,
		"txnAmount":   map[string]string{"value": majorString(req.TotalCents()), "currency": "INR"},
		"userInfo":    map[string]string{"custId": custID, "email": req.Customer.Email, "mobile": req.Customer.Phone},
	}

	var resp struct {
		ResultInfo paytmResultInfo `json:"resultInfo"`
		TxnToken   string          `json:"txnToken"`
	}
	q := url.Values{"mid": {p.merchantID}, "orderId": {orderID}}
	if err := p.signedCall(ctx, "/theia/api/v1/initiateTransaction?"+q.Encode(), body, &resp); err != nil {
		p.logger.Error("paytm CreateCheckout failed", zap.Error(err))
		return nil, p.gatewayErr("initiate transaction", err)
	}
	if resp.ResultInfo.ResultStatus != "S" || resp.TxnToken == "" {
		err := fmt.Errorf("%s: %s", resp.ResultInfo.ResultCode, resp.ResultInfo.ResultMsg)
		p.logger.Error("paytm CreateCheckout rejected", zap.Error(err))
		return nil, p.gatewayErr("initiate transaction", err)
	}

	raw, _ := json.Marshal(resp.ResultInfo)
	sess, err := p.session(ctx, orderID, p.apiBase+"/theia/api/v1/showPaymentPage?"+q.Encode(), req, raw)
	if err != nil {
		return nil, err
	}
	sess.Method = http.MethodPost
	sess.FormFields = map[string]string{"mid": p.merchantID, "orderId": orderID, "txnToken": resp.TxnToken}
	return sess, nil
}

func (p *PaytmProvider) CreatePartialPayment(ctx context.Context, req PartialPaymentRequest) (*CheckoutSession, error) {
	return nil, p.unsupported("partial payments")
}

func (p *PaytmProvider) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return nil, p.unsupported("direct charge")
}

func (p *PaytmProvider) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	amount, err := p.refundAmount(req)
	if err != nil {
		return nil, err
	}
	if req.Payment.ProviderReference == "" {
		return nil, apperrors.Conflict("paytm: payment has no TXNID to refund")
	}
	refID := newKey("RFD")
	body := map[string]interface{}{
		"mid":          p.merchantID,
		"txnType":      "REFUND",
		"orderId":      req.Payment.Key(),
		"txnId":        req.Payment.ProviderReference,
		"refId":        refID,
		"refundAmount": majorString(amount),
	}
	var resp struct {
		ResultInfo paytmResultInfo `json:"resultInfo"`
		RefundID   string          `json:"refundId"`
	}
	if err := p.signedCall(ctx, "/refund/apply", body, &resp); err != nil {
		p.logger.Error("paytm RefundPayment failed", zap.String("order_id", req.Payment.Key()), zap.Error(err))
		return nil, p.gatewayErr("refund", err)
	}
	if NormalizeStatus(resp.ResultInfo.ResultStatus) == NormalizedFailed {
		return nil, p.gatewayErr("refund", fmt.Errorf("%s: %s", resp.ResultInfo.ResultCode, resp.ResultInfo.ResultMsg))
	}
	raw, _ := json.Marshal(resp)
	return p.finishRefund(ctx, req, refID, amount, resp.ResultInfo.ResultStatus, raw)
}

func (p *PaytmProvider) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*StatusSnapshot, error) {
	var resp paytmStatusBody
	body := map[string]string{"mid": p.merchantID, "orderId": providerPaymentID}
	if err := p.signedCall(ctx, "/v3/order/status", body, &resp); err != nil {
		return nil, p.gatewayErr("get status", err)
	}
	// 334 is Paytm's "invalid order id".
	if resp.ResultInfo.ResultCode == "334" {
		return nil, apperrors.NotFound("paytm order", providerPaymentID)
	}
	amount, _ := parseMajor(resp.TxnAmount)
	snap := &StatusSnapshot{
		ProviderPaymentID: providerPaymentID,
		Reference:         resp.TxnID,
		Status:            ToPaymentStatus(resp.ResultInfo.ResultStatus),
		RawStatus:         resp.ResultInfo.ResultStatus,
		AmountCents:       amount,
		Currency:          "INR",
		PaymentMethod:     strings.ToLower(resp.PaymentMode),
	}
	if snap.Status == models.PaymentStatusPaid {
		if at, err := time.ParseInLocation("2006-01-02 15:04:05.0", resp.TxnDate, istZone); err == nil {
			snap.CapturedAt = timePtr(at)
		}
	}
	return snap, nil
}

// VerifyWebhook checks CHECKSUMHASH over the callback fields sorted by key.
func (p *PaytmProvider) VerifyWebhook(req *WebhookRequest) error {
	fields, err := formFields(req.Body)
	if err != nil {
		return apperrors.InvalidSignature(string(p.name), err)
	}
	ok, err := p.verifyChecksum(sortedValues(fields, "|", paytmChecksumKey), fields[paytmChecksumKey])
	if err != nil || !ok {
		p.logger.Warn("paytm callback checksum mismatch", zap.Error(err))
		return apperrors.InvalidSignature(string(p.name), err)
	}
	return nil
}

func (p *PaytmProvider) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookOutcome, error) {
	fields, err := formFields(req.Body)
	if err != nil {
		return nil, apperrors.InvalidInput("paytm: malformed callback payload", err)
	}
	eventType := strings.ToLower(fields["STATUS"])
	status := ToPaymentStatus(fields["STATUS"])
	if status == models.PaymentStatusInitiated {
		return p.ignore(eventType, "non-terminal status"), nil
	}
	if fields["MID"] != "" && fields["MID"] != p.merchantID {
		return p.ignore(eventType, "different merchant"), nil
	}
	delete(fields, paytmChecksumKey)
	raw, _ := json.Marshal(fields)
	u := models.PaymentUpdate{
		Status:            status,
		ProviderReference: fields["TXNID"],
		Currency:          fields["CURRENCY"],
		PaymentMethod:     strings.ToLower(fields["PAYMENTMODE"]),
		RawResponse:       raw,
	}
	if status == models.PaymentStatusPaid {
		if at, err := time.ParseInLocation("2006-01-02 15:04:05.0", fields["TXNDATE"], istZone); err == nil {
			u.CapturedAt = timePtr(at)
		} else {
			u.CapturedAt = timePtr(p.now())
		}
	}
	return p.applyWebhook(ctx, eventType, fields["ORDERID"], u)
}

// ListPayments is unsupported; reconciliation polls GetPaymentStatus.
func (p *PaytmProvider) ListPayments(ctx context.Context, from, to time.Time) ([]GatewayPayment, error) {
	return nil, p.unsupported("payment listing")
}

// ---- signed JSON calls ----

// signedCall posts {"head": {"signature"}, "body"} where the signature is the
// checksum of the exact body bytes sent, and decodes the response body.
func (p *PaytmProvider) signedCall(ctx context.Context, path string, body, out interface{}) error {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	sig, err := p.checksum(string(bodyJSON))
	if err != nil {
		return err
	}
	envelope := map[string]interface{}{
		"head": map[string]string{"signature": sig},
		"body": json.RawMessage(bodyJSON),
	}
	var resp struct {
		Body json.RawMessage `json:"body"`
	}
	if err := p.doJSON(ctx, http.MethodPost, p.apiBase+path, nil, envelope, &resp); err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("unmarshal body: %w", err)
	}
	return nil
}

// ---- checksum ----

// checksum is base64(AES-CBC(sha256hex(params|salt) + salt)) with a random
// four character salt.
func (p *PaytmProvider) checksum(params string) (string, error) {
	salt, err := paytmSalt(4)
	if err != nil {
		return "", err
	}
	return paytmEncrypt(sha256Hex(params+"|"+salt)+salt, p.merchantKey)
}

func (p *PaytmProvider) verifyChecksum(params, checksum string) (bool, error) {
	if checksum == "" {
		return false, errors.New("missing checksum")
	}
	plain, err := paytmDecrypt(checksum, p.merchantKey)
	if err != nil {
		return false, err
	}
	if len(plain) < 4 {
		return false, errors.New("short checksum")
	}
	salt := plain[len(plain)-4:]
	return secureCompare(plain, sha256Hex(params+"|"+salt)+salt), nil
}

func paytmSalt(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	for i := range b {
		b[i] = paytmSaltAlphabet[int(b[i])%len(paytmSaltAlphabet)]
	}
	return string(b), nil
}

func paytmEncrypt(plain, key string) (string, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("paytm cipher: %w", err)
	}
	data := []byte(plain)
	pad := aes.BlockSize - len(data)%aes.BlockSize
	data = append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, []byte(paytmChecksumIV)).CryptBlocks(out, data)
	return base64.StdEncoding.EncodeToString(out), nil
}

func paytmDecrypt(encoded, key string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode checksum: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", errors.New("checksum is not block aligned")
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("paytm cipher: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, []byte(paytmChecksumIV)).CryptBlocks(out, data)
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return "", errors.New("bad checksum padding")
	}
	return string(out[:len(out)-pad]), nil
}
