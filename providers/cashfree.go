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
	cashfreeTestBase   = "https://sandbox.cashfree.com/pg"
	cashfreeLiveBase   = "https://api.cashfree.com/pg"
	cashfreeAPIVersion = "2023-08-01"
	cashfreeSigHeader  = "x-webhook-signature"
	cashfreeTSHeader   = "x-webhook-timestamp"
)

// CashfreeProvider uses Payment Links. We choose the link_id, which is the
// key; the order Cashfree creates for the link becomes the reference.
type CashfreeProvider struct {
	base
	clientID     string
	clientSecret string
	apiBase      string
}

func NewCashfreeProvider(cfg Config, deps Deps) (Provider, error) {
	b, err := newBase(models.ProviderCashfree, cfg, deps, "client_id", "client_secret")
	if err != nil {
		return nil, err
	}
	return &CashfreeProvider{
		base:         b,
		clientID:     b.cfg.credential("client_id"),
		clientSecret: b.cfg.credential("client_secret"),
		apiBase:      b.cfg.baseURL(cashfreeTestBase, cashfreeLiveBase),
	}, nil
}

// ---- Cashfree API structs ----

type cashfreeLinkRequest struct {
	LinkID          string            `json:"link_id"`
	LinkAmount      float64           `json:"link_amount"`
	LinkCurrency    string            `json:"link_currency"`
	LinkPurpose     string            `json:"link_purpose"`
	CustomerDetails cashfreeCustomer  `json:"customer_details"`
	LinkMeta        map[string]string `json:"link_meta,omitempty"`
	LinkNotes       map[string]string `json:"link_notes,omitempty"`
	LinkNotify      map[string]bool   `json:"link_notify"`
}

type cashfreeCustomer struct {
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone"`
}

type cashfreeLink struct {
	LinkID         string  `json:"link_id"`
	LinkURL        string  `json:"link_url"`
	LinkStatus     string  `json:"link_status"`
	LinkAmount     float64 `json:"link_amount"`
	LinkAmountPaid float64 `json:"link_amount_paid"`
	LinkCurrency   string  `json:"link_currency"`
	LinkExpiryTime string  `json:"link_expiry_time"`
}

type cashfreeWebhook struct {
	Type string `json:"type"`
	Data struct {
		Order struct {
			OrderID       string            `json:"order_id"`
			OrderAmount   float64           `json:"order_amount"`
			OrderCurrency string            `json:"order_currency"`
			OrderTags     map[string]string `json:"order_tags"`
		} `json:"order"`
		Payment struct {
			CFPaymentID   json.Number     `json:"cf_payment_id"`
			PaymentStatus string          `json:"payment_status"`
			PaymentAmount float64         `json:"payment_amount"`
			PaymentTime   string          `json:"payment_time"`
			PaymentGroup  string          `json:"payment_group"`
			PaymentMethod json.RawMessage `json:"payment_method"`
		} `json:"payment"`
		Customer struct {
			CustomerEmail string `json:"customer_email"`
		} `json:"customer_details"`
		// PAYMENT_LINK_EVENT carries the link itself.
		LinkID     string  `json:"link_id"`
		LinkStatus string  `json:"link_status"`
		LinkAmount float64 `json:"link_amount"`
	} `json:"data"`
}

// ---- Provider implementation ----

func (p *CashfreeProvider) Capabilities() Capabilities {
	return Capabilities{PartialPayments: true, Refunds: true}
}

func (p *CashfreeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	req = req.withRecordID()
	linkID := newKey("atl_")
	body := cashfreeLinkRequest{
		LinkID:       linkID,
		LinkAmount:   majorFloat(req.TotalCents()),
		LinkCurrency: strings.ToUpper(req.Currency),
		LinkPurpose:  req.Purpose(),
		CustomerDetails: cashfreeCustomer{
			CustomerName:  req.Customer.Name,
			CustomerEmail: req.Customer.Email,
			CustomerPhone: req.Customer.Phone,
		},
		LinkMeta: map[string]string{"return_url": req.SuccessURL},
		LinkNotes: map[string]string{
			"payment_record_id": req.RecordID.String(),
			"event_id":          req.EventID.String(),
			"registration_id":   uuidString(req.RegistrationID),
		},
		LinkNotify: map[string]bool{"send_sms": false, "send_email": false},
	}
	if p.cfg.NotifyURL != "" {
		body.LinkMeta["notify_url"] = p.cfg.NotifyURL
	}

	var link cashfreeLink
	if err := p.doJSON(ctx, http.MethodPost, p.apiBase+"/links", p.headers(), body, &link); err != nil {
		p.logger.Error("cashfree CreateCheckout failed", zap.Error(err))
		return nil, p.gatewayErr("create link", err)
	}
	raw, _ := json.Marshal(link)
	sess, err := p.session(ctx, linkID, link.LinkURL, req, raw)
	if err != nil {
		return nil, err
	}
	if exp, err := time.Parse(time.RFC3339, link.LinkExpiryTime); err == nil {
		sess.ExpiresAt = timePtr(exp)
	}
	return sess, nil
}

func (p *CashfreeProvider) CreatePartialPayment(ctx context.Context, req PartialPaymentRequest) (*CheckoutSession, error) {
	return p.CreateCheckout(ctx, req.AsCheckout())
}

func (p *CashfreeProvider) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return nil, p.unsupported("direct charge")
}

func (p *CashfreeProvider) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	amount, err := p.refundAmount(req)
	if err != nil {
		return nil, err
	}
	orderID := req.Payment.ProviderReference
	if orderID == "" {
		return nil, apperrors.Conflict("cashfree: payment has no order id to refund")
	}
	refundID := newKey("rfd_")
	body := map[string]interface{}{
		"refund_amount": majorFloat(amount),
		"refund_id":     refundID,
		"refund_note":   req.Reason,
	}
	var resp struct {
		RefundID     string `json:"refund_id"`
		RefundStatus string `json:"refund_status"`
	}
	endpoint := fmt.Sprintf("%s/orders/%s/refunds", p.apiBase, url.PathEscape(orderID))
	if err := p.doJSON(ctx, http.MethodPost, endpoint, p.headers(), body, &resp); err != nil {
		p.logger.Error("cashfree RefundPayment failed", zap.String("order_id", orderID), zap.Error(err))
		return nil, p.gatewayErr("refund", err)
	}
	raw, _ := json.Marshal(resp)
	return p.finishRefund(ctx, req, refundID, amount, resp.RefundStatus, raw)
}

func (p *CashfreeProvider) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*StatusSnapshot, error) {
	var link cashfreeLink
	endpoint := p.apiBase + "/links/" + url.PathEscape(providerPaymentID)
	if err := p.doJSON(ctx, http.MethodGet, endpoint, p.headers(), nil, &link); err != nil {
		if se, ok := err.(*httpStatusError); ok && se.Status == http.StatusNotFound {
			return nil, apperrors.NotFound("cashfree link", providerPaymentID)
		}
		return nil, p.gatewayErr("get status", err)
	}
	snap := &StatusSnapshot{
		ProviderPaymentID: link.LinkID,
		Status:            ToPaymentStatus(link.LinkStatus),
		RawStatus:         link.LinkStatus,
		AmountCents:       fromMajorFloat(link.LinkAmount),
		Currency:          link.LinkCurrency,
	}
	if snap.Status == models.PaymentStatusPaid {
		var orders []struct {
			OrderID     string `json:"order_id"`
			OrderStatus string `json:"order_status"`
		}
		ordersURL := endpoint + "/orders"
		if err := p.doJSON(ctx, http.MethodGet, ordersURL, p.headers(), nil, &orders); err == nil {
			for _, o := range orders {
				if NormalizeStatus(o.OrderStatus) == NormalizedPaid {
					snap.Reference = o.OrderID
				}
			}
		}
	}
	return snap, nil
}

// VerifyWebhook checks base64(HMAC-SHA256(timestamp + body, client secret)).
func (p *CashfreeProvider) VerifyWebhook(req *WebhookRequest) error {
	ts := req.Headers.Get(cashfreeTSHeader)
	got := req.Headers.Get(cashfreeSigHeader)
	if ts == "" {
		return apperrors.InvalidSignature(string(p.name), fmt.Errorf("missing %s", cashfreeTSHeader))
	}
	want := hmacSHA256Base64(p.clientSecret, append([]byte(ts), req.Body...))
	if !secureCompare(got, want) {
		p.logger.Warn("cashfree webhook signature mismatch")
		return apperrors.InvalidSignature(string(p.name), nil)
	}
	return nil
}

func (p *CashfreeProvider) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookOutcome, error) {
	var evt cashfreeWebhook
	if err := json.Unmarshal(req.Body, &evt); err != nil {
		return nil, apperrors.InvalidInput("cashfree: malformed webhook payload", err)
	}

	switch evt.Type {
	case "PAYMENT_SUCCESS_WEBHOOK", "PAYMENT_FAILED_WEBHOOK", "PAYMENT_USER_DROPPED_WEBHOOK":
		order := evt.Data.Order
		pay := evt.Data.Payment
		key := order.OrderTags["link_id"]
		u := models.PaymentUpdate{
			Status:            ToPaymentStatus(pay.PaymentStatus),
			ProviderReference: order.OrderID,
			Currency:          order.OrderCurrency,
			PaymentMethod:     strings.ToLower(pay.PaymentGroup),
			CustomerEmail:     evt.Data.Customer.CustomerEmail,
			RawResponse:       req.Body,
		}
		if evt.Type == "PAYMENT_SUCCESS_WEBHOOK" {
			u.Status = models.PaymentStatusPaid
			if t, err := time.Parse(time.RFC3339, pay.PaymentTime); err == nil {
				u.CapturedAt = timePtr(t)
			} else {
				u.CapturedAt = timePtr(p.now())
			}
		}
		return p.applyWebhook(ctx, evt.Type, key, u)

	case "PAYMENT_LINK_EVENT":
		status := ToPaymentStatus(evt.Data.LinkStatus)
		if status == models.PaymentStatusInitiated {
			return p.ignore(evt.Type, "non-terminal link status"), nil
		}
		return p.applyWebhook(ctx, evt.Type, evt.Data.LinkID, models.PaymentUpdate{
			Status:      status,
			RawResponse: req.Body,
		})

	default:
		return p.ignore(evt.Type, "unhandled event type"), nil
	}
}

// ListPayments is unsupported; reconciliation polls GetPaymentStatus.
func (p *CashfreeProvider) ListPayments(ctx context.Context, from, to time.Time) ([]GatewayPayment, error) {
	return nil, p.unsupported("payment listing")
}

func (p *CashfreeProvider) headers() map[string]string {
	return map[string]string{
		"x-client-id":     p.clientID,
		"x-client-secret": p.clientSecret,
		"x-api-version":   cashfreeAPIVersion,
	}
}
