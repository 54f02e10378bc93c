package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeProvider uses Checkout Sessions, keyed by the cs_ id. Direct charges
// are off-session PaymentIntents keyed by the pi_ id.
type StripeProvider struct {
	base
	api        *client.API
	webhookKey string
}

func NewStripeProvider(cfg Config, deps Deps) (Provider, error) {
	b, err := newBase(models.ProviderStripe, cfg, deps, "secret_key", "webhook_secret")
	if err != nil {
		return nil, err
	}

	var backends *stripe.Backends
	if b.cfg.BaseURL != "" {
		backendCfg := &stripe.BackendConfig{
			URL:        stripe.String(b.cfg.BaseURL),
			HTTPClient: b.client,
		}
		backends = &stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
		}
	}

	return &StripeProvider{
		base:       b,
		api:        client.New(b.cfg.credential("secret_key"), backends),
		webhookKey: b.cfg.credential("webhook_secret"),
	}, nil
}

func (p *StripeProvider) Capabilities() Capabilities {
	return Capabilities{PartialPayments: true, DirectCharge: true, Refunds: true, ListPayments: true}
}

func (p *StripeProvider) metadata(recordID, eventID, registrationID, installmentID string) map[string]string {
	md := map[string]string{"event_id": eventID}
	if recordID != "" {
		md["payment_record_id"] = recordID
	}
	if registrationID != "" {
		md["registration_id"] = registrationID
	}
	if installmentID != "" {
		md["installment_id"] = installmentID
	}
	return md
}

func (p *StripeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	req = req.withRecordID()
	currency := strings.ToLower(req.Currency)
	md := p.metadata(req.RecordID.String(), req.EventID.String(), uuidString(req.RegistrationID), uuidString(req.InstallmentID))

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(uuidString(req.RegistrationID)),
		Metadata:          md,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata:    md,
			Description: stripe.String(req.Purpose()),
		},
	}
	if req.Customer.Email != "" {
		params.CustomerEmail = stripe.String(req.Customer.Email)
	}
	for _, li := range req.LineItems {
		qty := li.Quantity
		if qty < 1 {
			qty = 1
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(li.Name),
				},
				UnitAmount: stripe.Int64(li.AmountCents),
			},
			Quantity: stripe.Int64(qty),
		})
	}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		p.logger.Error("stripe CreateCheckout failed", zap.Error(err))
		return nil, p.gatewayErr("create checkout session", err)
	}
	raw, _ := json.Marshal(sess)
	out, err := p.session(ctx, sess.ID, sess.URL, req, raw)
	if err != nil {
		return nil, err
	}
	if sess.ExpiresAt > 0 {
		out.ExpiresAt = timePtr(time.Unix(sess.ExpiresAt, 0))
	}
	return out, nil
}

func (p *StripeProvider) CreatePartialPayment(ctx context.Context, req PartialPaymentRequest) (*CheckoutSession, error) {
	return p.CreateCheckout(ctx, req.AsCheckout())
}

func (p *StripeProvider) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.Customer.ID == "" || req.PaymentMethodID == "" {
		return nil, apperrors.InvalidInput("stripe: customer and payment method are required for direct charges", nil)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(req.Customer.ID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(req.Description),
		Metadata:      p.metadata("", req.EventID.String(), uuidString(req.RegistrationID), uuidString(req.InstallmentID)),
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.New(params)
	failure := ""
	if err != nil {
		// A declined card still creates an intent; record it as failed.
		var se *stripe.Error
		if !errors.As(err, &se) || se.PaymentIntent == nil {
			return nil, p.gatewayErr("create payment intent", err)
		}
		pi = se.PaymentIntent
		failure = se.Msg
	}

	status := ToPaymentStatus(string(pi.Status))
	if failure != "" {
		status = models.PaymentStatusFailed
	}
	amount := pi.Amount
	raw, _ := json.Marshal(pi)
	u := models.PaymentUpdate{
		EventID:        req.EventID,
		RegistrationID: req.RegistrationID,
		InstallmentID:  req.InstallmentID,
		Status:         status,
		AmountCents:    &amount,
		Currency:       string(pi.Currency),
		CustomerEmail:  req.Customer.Email,
		RawResponse:    raw,
	}
	if status == models.PaymentStatusPaid {
		u.CapturedAt = timePtr(p.now())
	}
	res, err := p.recorder.LogPayment(ctx, p.name, pi.ID, u)
	if err != nil {
		return nil, err
	}
	return &ChargeResult{
		ProviderPaymentID: pi.ID,
		PaymentRecordID:   res.Record.ID,
		Status:            res.Record.Status,
		FailureReason:     failure,
	}, nil
}

func (p *StripeProvider) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	amount, err := p.refundAmount(req)
	if err != nil {
		return nil, err
	}
	intentID := req.Payment.Key()
	if !strings.HasPrefix(intentID, "pi_") {
		intentID = req.Payment.ProviderReference
	}
	if intentID == "" {
		return nil, apperrors.Conflict("stripe: payment has no payment intent to refund")
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(amount),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.Context = ctx

	refund, err := p.api.Refunds.New(params)
	if err != nil {
		p.logger.Error("stripe RefundPayment failed", zap.String("payment_intent", intentID), zap.Error(err))
		return nil, p.gatewayErr("refund", err)
	}
	raw, _ := json.Marshal(refund)
	return p.finishRefund(ctx, req, refund.ID, amount, string(refund.Status), raw)
}

func (p *StripeProvider) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*StatusSnapshot, error) {
	if strings.HasPrefix(providerPaymentID, "cs_") {
		params := &stripe.CheckoutSessionParams{}
		params.AddExpand("payment_intent.latest_charge")
		params.Context = ctx
		sess, err := p.api.CheckoutSessions.Get(providerPaymentID, params)
		if err != nil {
			return nil, p.statusErr(providerPaymentID, err)
		}
		snap := &StatusSnapshot{
			ProviderPaymentID: sess.ID,
			RawStatus:         string(sess.PaymentStatus),
			AmountCents:       sess.AmountTotal,
			Currency:          strings.ToUpper(string(sess.Currency)),
		}
		switch {
		case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
			snap.Status = models.PaymentStatusPaid
		case sess.Status == stripe.CheckoutSessionStatusExpired:
			snap.Status = models.PaymentStatusFailed
			snap.RawStatus = string(sess.Status)
		default:
			snap.Status = models.PaymentStatusInitiated
		}
		if sess.PaymentIntent != nil {
			snap.Reference = sess.PaymentIntent.ID
			if sess.PaymentIntent.Status == stripe.PaymentIntentStatusSucceeded {
				snap.CapturedAt = timePtr(time.Unix(sess.PaymentIntent.Created, 0))
			}
			if pis := intentSnapshot(sess.PaymentIntent); pis.RefundedCents > 0 {
				snap.Status, snap.RawStatus, snap.RefundedCents = pis.Status, pis.RawStatus, pis.RefundedCents
			}
		}
		return snap, nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	pi, err := p.api.PaymentIntents.Get(providerPaymentID, params)
	if err != nil {
		return nil, p.statusErr(providerPaymentID, err)
	}
	return intentSnapshot(pi), nil
}

func intentSnapshot(pi *stripe.PaymentIntent) *StatusSnapshot {
	snap := &StatusSnapshot{
		ProviderPaymentID: pi.ID,
		Status:            ToPaymentStatus(string(pi.Status)),
		RawStatus:         string(pi.Status),
		AmountCents:       pi.Amount,
		Currency:          strings.ToUpper(string(pi.Currency)),
	}
	if len(pi.PaymentMethodTypes) > 0 {
		snap.PaymentMethod = pi.PaymentMethodTypes[0]
	}
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		snap.CapturedAt = timePtr(time.Unix(pi.Created, 0))
	}
	if ch := pi.LatestCharge; ch != nil && ch.AmountRefunded > 0 {
		snap.RefundedCents = ch.AmountRefunded
		snap.Status = models.PaymentStatusPartialRefund
		snap.RawStatus = "partially_refunded"
		if ch.Refunded {
			snap.Status = models.PaymentStatusRefunded
			snap.RawStatus = "refunded"
		}
	}
	return snap
}

func (p *StripeProvider) statusErr(id string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == 404 {
		return apperrors.NotFound("stripe payment", id)
	}
	return p.gatewayErr("get status", err)
}

func (p *StripeProvider) VerifyWebhook(req *WebhookRequest) error {
	if err := webhook.ValidatePayload(req.Body, req.Headers.Get(stripeSignatureHeader), p.webhookKey); err != nil {
		p.logger.Warn("stripe webhook signature verification failed", zap.Error(err))
		return apperrors.InvalidSignature(string(p.name), err)
	}
	return nil
}

func (p *StripeProvider) HandleWebhook(ctx context.Context, req *WebhookRequest) (*WebhookOutcome, error) {
	var event stripe.Event
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return nil, apperrors.InvalidInput("stripe: malformed webhook payload", err)
	}
	eventType := string(event.Type)

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, apperrors.InvalidInput("stripe: malformed checkout session", err)
		}
		u := models.PaymentUpdate{RawResponse: req.Body, Currency: string(sess.Currency)}
		switch {
		case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
			u.Status = models.PaymentStatusPaid
			u.CapturedAt = timePtr(time.Unix(event.Created, 0))
		case event.Type == "checkout.session.async_payment_failed", event.Type == "checkout.session.expired":
			u.Status = models.PaymentStatusFailed
		default:
			// completed with an async method still pending
			return p.ignore(eventType, "payment not yet settled"), nil
		}
		if sess.AmountTotal > 0 {
			u.AmountCents = int64Ptr(sess.AmountTotal)
		}
		if sess.PaymentIntent != nil {
			u.ProviderReference = sess.PaymentIntent.ID
		}
		if sess.CustomerDetails != nil {
			u.CustomerEmail = sess.CustomerDetails.Email
		}
		return p.applyWebhook(ctx, eventType, sess.ID, u)

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, apperrors.InvalidInput("stripe: malformed payment intent", err)
		}
		snap := intentSnapshot(&pi)
		if event.Type == "payment_intent.payment_failed" {
			snap.Status = models.PaymentStatusFailed
		}
		u := snap.Update()
		u.RawResponse = req.Body
		// Direct charges are keyed by the intent; checkout payments know it as
		// their reference.
		u.ProviderReference = pi.ID
		return p.applyWebhook(ctx, eventType, pi.ID, u)

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, apperrors.InvalidInput("stripe: malformed charge", err)
		}
		if ch.PaymentIntent == nil {
			return p.ignore(eventType, "charge without payment intent"), nil
		}
		return p.applyChargeRefund(ctx, eventType, &ch, req.Body)

	default:
		return p.ignore(eventType, "unhandled event type"), nil
	}
}

// applyChargeRefund books whatever part of the charge's cumulative refunded
// amount is not yet on the local record. Refunds issued through RefundPayment
// are already booked, so their notification finds nothing new.
func (p *StripeProvider) applyChargeRefund(ctx context.Context, eventType string, ch *stripe.Charge, raw []byte) (*WebhookOutcome, error) {
	intentID := ch.PaymentIntent.ID
	original, err := p.recorder.FindByKey(ctx, p.name, intentID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		if original, err = p.recorder.FindByReference(ctx, p.name, intentID); err != nil {
			return nil, err
		}
	}
	if original == nil {
		return p.ignore(eventType, "unknown payment"), nil
	}
	amount := min(ch.AmountRefunded-original.RefundedCents, original.RefundableCents())
	if amount <= 0 {
		return &WebhookOutcome{EventType: eventType, ProviderPaymentID: original.Key(), Record: original, PreviousStatus: original.Status, Reason: "duplicate delivery"}, nil
	}
	prev := original.Status
	key := fmt.Sprintf("%s_refunded_%d", ch.ID, ch.AmountRefunded)
	_, updated, err := p.recorder.RecordRefund(ctx, original.ID, key, amount, raw)
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

// ListPayments lists PaymentIntents created in the window. Checkout payments
// match local records through the intent reference or metadata.
func (p *StripeProvider) ListPayments(ctx context.Context, from, to time.Time) ([]GatewayPayment, error) {
	params := &stripe.PaymentIntentListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: from.Unix(),
			LesserThan:         to.Unix(),
		},
	}
	params.Limit = stripe.Int64(100)
	params.Context = ctx
	params.AddExpand("data.latest_charge")

	var out []GatewayPayment
	it := p.api.PaymentIntents.List(params)
	for it.Next() {
		pi := it.PaymentIntent()
		snap := intentSnapshot(pi)
		out = append(out, GatewayPayment{
			ID:             pi.ID,
			LocalRecordID:  pi.Metadata["payment_record_id"],
			RegistrationID: pi.Metadata["registration_id"],
			Email:          pi.ReceiptEmail,
			Status:         snap.RawStatus,
			AmountCents:    pi.Amount,
			Currency:       snap.Currency,
			PaymentMethod:  snap.PaymentMethod,
			CreatedAt:      time.Unix(pi.Created, 0).UTC(),
			CapturedAt:     snap.CapturedAt,
			RefundedCents:  snap.RefundedCents,
		})
	}
	if err := it.Err(); err != nil {
		return nil, p.gatewayErr("list payment intents", err)
	}
	return out, nil
}
