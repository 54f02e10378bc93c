package providers

import (
	"context"
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
	payuTestBase        = "https://test.payu.in"
	payuLiveBase        = "https://secure.payu.in"
	payuLiveInfoBase    = "https://info.payu.in"
	payuPostServicePath = "/merchant/postservice.php?form=2"
	// PayU caps txnid at 25 characters.
	payuTxnIDLen = 25
)

// PayUProvider posts a signed form to the hosted payment page. Our txnid is
// the key and PayU's mihpayid the reference. Status, refund and listing go
// through the postservice API, each call signed with sha512(key|command|var1|salt).
type PayUProvider struct {
	base
	merchantKey string
	salt        string
	payBase     string
	infoBase    string
}

func NewPayUProvider(cfg Config, deps Deps) (Provider, error) {
	b, err := newBase(models.ProviderPayU, cfg, deps, "merchant_key", "merchant_salt")
	if err != nil {
		return nil, err
	}
	return &PayUProvider{
		base:        b,
		merchantKey: b.cfg.credential("merchant_key"),
		salt:        b.cfg.credential("merchant_salt"),
		payBase:     b.cfg.baseURL(payuTestBase, payuLiveBase),
		infoBase:    b.cfg.baseURL(payuTestBase, payuLiveInfoBase),
	}, nil
}

// ---- PayU API structs ----

type payuTransaction struct {
	MihPayID      string `json:"mihpayid"`
	ID            string `json:"id"`
	TxnID         string `json:"txnid"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Amt           string `json:"amt"`
	Mode          string `json:"mode"`
	Email         string `json:"email"`
	AddedOn       string `json:"addedon"`
	Udf2          string `json:"udf2"`
	Udf4          string `json:"udf4"`
	Discount      string `json:"discount"`
	AdditionalFee string `json:"additional_charges"`
}

func (t payuTransaction) payuID() string {
	if t.MihPayID != "" {
		return t.MihPayID
	}
	return t.ID
}

func (t payuTransaction) amount() int64 {
	s := t.Amount
	if s == "" {
		s = t.Amt
	}
	v, _ := parseMajor(s)
	return v
}

func (t payuTransaction) addedOn() time.Time {
	at, err := time.ParseInLocation("2006-01-02 15:04:05", t.AddedOn, istZone)
	if err != nil {
		return time.Time{}
	}
	return at.UTC()
}

// ---- Provider implementation ----

func (p *PayUProvider) Capabilities() Capabilities {
	return Capabilities{PartialPayments: true, Refunds: true, ListPayments: true}
}

func (p *PayUProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	req = req.withRecordID()
	if !strings.EqualFold(req.Currency, "INR") {
		return nil, apperrors.InvalidInput("payu: only INR is supported", nil)
	}
	txnID := newKey("atl")[:payuTxnIDLen]
	fields := map[string]string{
		"key":         p.merchantKey,
		"txnid":       txnID,
		"amount":      majorString(req.TotalCents()),
		"productinfo": req.Purpose(),
		"firstname":   req.Customer.Name,
		"email":       req.Customer.Email,
		"phone":       req.Customer.Phone,
		"surl":        req.SuccessURL,
		"furl":        req.CancelURL,
		"udf1":        req.EventID.String(),
		"udf2":        uuidString(req.RegistrationID),
		"udf3":        uuidString(req.InstallmentID),
		"udf4":        req.RecordID.String(),
		"udf5":        "",
	}
	if fields["furl"] == "" {
		fields["furl"] = req.SuccessURL
	}
	fields["hash"] = p.requestHash(fields)

	raw, _ := json.Marshal(map[string]string{"txnid": txnID, "amount": fields["amount"]})
	sess, err := p.session(ctx, txnID, p.payBase+"/_payment", req, raw)
	if err != nil {
		return nil, err
	}
	sess.Method = http.MethodPost
	sess.FormFields = fields
	return sess, nil
}

func (p *PayUProvider) CreatePartialPayment(ctx context.Context, req PartialPaymentRequest) (*CheckoutSession, error) {
	return p.CreateCheckout(ctx, req.AsCheckout())
}

func (p *PayUProvider) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return nil, p.unsupported("direct charge")
}

func (p *PayUProvider) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	amount, err := p.refundAmount(req)
	if err != nil {
		return nil, err
	}
	mihpayid := req.Payment.ProviderReference
	if mihpayid == "" {
		return nil, apperrors.Conflict("payu: payment has no mihpayid to refund")
	}
	refundID := newKey("rfd")[:payuTxnIDLen]

	var resp struct {
		Status    int         `json:"status"`
		Msg       string      `json:"msg"`
		RequestID interface{} `json:"request_id"`
	}
	if err := p.postService(ctx, "cancel_refund_transaction", mihpayid, []string{refundID, majorString(amount)}, &resp); err != nil {
		p.logger.Error("payu RefundPayment failed", zap.String("mihpayid", mihpayid), zap.Error(err))
		return nil, p.gatewayErr("refund", err)
	}
	if resp.Status != 1 {
		return nil, p.gatewayErr("refund", fmt.Errorf("%s", resp.Msg))
	}
	raw, _ := json.Marshal(resp)
	return p.finishRefund(ctx, req, refundID, amount, resp.Msg, raw)
}

func (p *PayUProvider) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*StatusSnapshot, error) {
	var resp struct {
		Status  int                        `json:"status"`
		Msg     string                     `json:"msg"`
		Details map[string]payuTransaction `json:"transaction_details"`
	}
	if err := p.postService(ctx, "verify_payment", providerPaymentID, nil, &resp); err != nil {
		return nil, p.gatewayErr("get status", err)
	}
	txn, ok := resp.Details[providerPaymentID]
	if !ok || strings.EqualFold(txn.Status, "Not Found") {
		return nil, apperrors.NotFound("payu transaction", providerPaymentID)
	}
	snap := &StatusSnapshot{
		ProviderPaymentID: providerPaymentID,
		Reference:         txn.payuID(),
		Status:            ToPaymentStatus(txn.Status),
		RawStatus:         txn.Status,
		AmountCents:       txn.amount(),
		Currency:          "INR",
		PaymentMethod:     strings.ToLower(txn.Mode),
	}
	if snap.Status == models.PaymentStatusPaid {
		snap.CapturedAt = timePtr(txn.addedOn())
	}
	return snap, nil
}

// VerifyWebhook recomputes the reverse hash over the posted fields.
func (p *PayUProvider) VerifyWebhook(req *WebhookRequest) error {
	fields, err := formFields(req.Body)
	if err != nil {
		return apperrors.InvalidSignature(string(p.name), err)
	}
	if fields["key"] != "" && fields["key"] != p.merchantKey {
		p.logger.Warn("payu webhook for a different merchant key")
		return apperrors.InvalidSignature(string(p.name), nil)
	}
	if !secureCompare(strings.ToLower(fields["hash"]), p.responseHash(fields)) {
		p.logger.Warn("payu webhook hash mismatch")
		return apperrors.InvalidSignature(string(p.name), nil)
	}
	return nil
}

func (p *PayUProvider) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookOutcome, error) {
	fields, err := formFields(req.Body)
	if err != nil {
		return nil, apperrors.InvalidInput("payu: malformed webhook payload", err)
	}
	status := ToPaymentStatus(fields["status"])
	eventType := "payment." + strings.ToLower(fields["status"])
	if status == models.PaymentStatusInitiated {
		return p.ignore(eventType, "non-terminal status"), nil
	}
	raw, _ := json.Marshal(fields)
	u := models.PaymentUpdate{
		Status:            status,
		ProviderReference: fields["mihpayid"],
		PaymentMethod:     strings.ToLower(fields["mode"]),
		CustomerEmail:     fields["email"],
		RawResponse:       raw,
	}
	if status == models.PaymentStatusPaid {
		u.CapturedAt = timePtr(p.now())
	}
	return p.applyWebhook(ctx, eventType, fields["txnid"], u)
}

// ListPayments uses get_Transaction_Details, which works in whole IST days,
// and trims the result to the window.
func (p *PayUProvider) ListPayments(ctx context.Context, from, to time.Time) ([]GatewayPayment, error) {
	var resp struct {
		Status  int               `json:"status"`
		Msg     string            `json:"msg"`
		Details []payuTransaction `json:"Transaction_details"`
	}
	fromDay := from.In(istZone).Format("2006-01-02")
	toDay := to.Add(-time.Nanosecond).In(istZone).Format("2006-01-02")
	if err := p.postService(ctx, "get_Transaction_Details", fromDay, []string{toDay}, &resp); err != nil {
		return nil, p.gatewayErr("list payments", err)
	}

	var out []GatewayPayment
	for _, txn := range resp.Details {
		created := txn.addedOn()
		if created.Before(from) || !created.Before(to) {
			continue
		}
		gp := GatewayPayment{
			ID:             txn.TxnID,
			Reference:      txn.payuID(),
			LocalRecordID:  txn.Udf4,
			RegistrationID: txn.Udf2,
			Email:          txn.Email,
			Status:         txn.Status,
			AmountCents:    txn.amount(),
			Currency:       "INR",
			PaymentMethod:  strings.ToLower(txn.Mode),
			CreatedAt:      created,
		}
		if NormalizeStatus(txn.Status) == NormalizedPaid {
			gp.CapturedAt = timePtr(created)
		}
		out = append(out, gp)
	}
	return out, nil
}

// ---- hashing ----

// requestHash is sha512(key|txnid|amount|productinfo|firstname|email|udf1..udf5||||||salt).
func (p *PayUProvider) requestHash(f map[string]string) string {
	parts := []string{
		p.merchantKey, f["txnid"], f["amount"], f["productinfo"], f["firstname"], f["email"],
		f["udf1"], f["udf2"], f["udf3"], f["udf4"], f["udf5"],
		"", "", "", "", "", p.salt,
	}
	return sha512Hex(strings.Join(parts, "|"))
}

// responseHash is the reverse sequence, prefixed with additionalCharges when
// PayU added any.
func (p *PayUProvider) responseHash(f map[string]string) string {
	parts := []string{
		p.salt, f["status"], "", "", "", "", "",
		f["udf5"], f["udf4"], f["udf3"], f["udf2"], f["udf1"],
		f["email"], f["firstname"], f["productinfo"], f["amount"], f["txnid"], p.merchantKey,
	}
	if charges := f["additionalCharges"]; charges != "" {
		parts = append([]string{charges}, parts...)
	}
	return sha512Hex(strings.Join(parts, "|"))
}

func (p *PayUProvider) postService(ctx context.Context, command, var1 string, extra []string, out interface{}) error {
	form := url.Values{}
	form.Set("key", p.merchantKey)
	form.Set("command", command)
	form.Set("var1", var1)
	for i, v := range extra {
		form.Set(fmt.Sprintf("var%d", i+2), v)
	}
	form.Set("hash", sha512Hex(strings.Join([]string{p.merchantKey, command, var1, p.salt}, "|")))
	return p.doForm(ctx, http.MethodPost, p.infoBase+payuPostServicePath, nil, form, out)
}

// formFields flattens a urlencoded body to its first values.
func formFields(body []byte) (map[string]string, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(form))
	for k := range form {
		fields[k] = form.Get(k)
	}
	return fields, nil
}
