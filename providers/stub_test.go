package providers_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	"atlas-payment-service/providers"
	"atlas-payment-service/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStub(t *testing.T) (*providers.StubProvider, *repository.MemoryPaymentRepository) {
	t.Helper()
	repo := repository.NewMemoryPaymentRepository()
	p, err := providers.NewStubProvider(providers.Config{Mode: providers.ModeTest}, deps(repo), nil)
	require.NoError(t, err)
	return p.(*providers.StubProvider), repo
}

func ticketCheckout(amount int64) providers.CheckoutRequest {
	regID := uuid.New()
	return providers.CheckoutRequest{
		EventID:        uuid.New(),
		RegistrationID: &regID,
		LineItems:      []models.CheckoutLineItem{{Name: "General admission", AmountCents: amount, Quantity: 1}},
		Currency:       "INR",
		Customer:       providers.Customer{Email: "ana@example.com", Name: "Ana"},
	}
}

func TestStub_CheckoutWebhookRefund(t *testing.T) {
	ctx := context.Background()
	p, repo := newStub(t)

	sess, err := p.CreateCheckout(ctx, ticketCheckout(50000))
	require.NoError(t, err)
	assert.NotEmpty(t, sess.URL)

	rec, err := repo.FindByKey(ctx, models.ProviderStub, sess.ProviderPaymentID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, sess.PaymentRecordID, rec.ID)
	assert.Equal(t, models.PaymentStatusInitiated, rec.Status)
	assert.Equal(t, int64(50000), rec.AmountCents)

	out, err := p.Simulate(ctx, sess.ProviderPaymentID, models.PaymentStatusPaid)
	require.NoError(t, err)
	assert.True(t, out.BecamePaid())
	assert.NotNil(t, out.Record.CapturedAt)
	assert.Equal(t, "card", out.Record.PaymentMethod)

	again, err := p.Simulate(ctx, sess.ProviderPaymentID, models.PaymentStatusPaid)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.False(t, again.BecamePaid())
	assert.Equal(t, "duplicate delivery", again.Reason)

	paid, err := repo.FindByKey(ctx, models.ProviderStub, sess.ProviderPaymentID)
	require.NoError(t, err)
	res, err := p.RefundPayment(ctx, providers.RefundRequest{Payment: paid, AmountCents: 20000})
	require.NoError(t, err)
	assert.Equal(t, int64(20000), res.AmountCents)
	assert.Equal(t, int64(-20000), res.Refund.AmountCents)
	assert.Equal(t, models.PaymentStatusPartialRefund, res.Original.Status)

	gp, ok := p.Ledger().Get(sess.ProviderPaymentID)
	require.True(t, ok)
	assert.Equal(t, string(models.PaymentStatusPartialRefund), gp.Status)

	_, err = p.RefundPayment(ctx, providers.RefundRequest{Payment: res.Original, AmountCents: 40000})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestStub_RefundUnpaidIsConflict(t *testing.T) {
	ctx := context.Background()
	p, repo := newStub(t)

	sess, err := p.CreateCheckout(ctx, ticketCheckout(1000))
	require.NoError(t, err)
	rec, err := repo.FindByKey(ctx, models.ProviderStub, sess.ProviderPaymentID)
	require.NoError(t, err)

	_, err = p.RefundPayment(ctx, providers.RefundRequest{Payment: rec})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestStub_RejectsBadSignature(t *testing.T) {
	p, _ := newStub(t)
	body := []byte(`{"event":"payment.succeeded","payment_id":"stub_x"}`)
	req := &providers.WebhookRequest{Headers: http.Header{}, Body: body}

	assert.ErrorIs(t, p.VerifyWebhook(req), apperrors.ErrInvalidSignature)

	req.Headers.Set("X-Stub-Signature", p.Sign([]byte("tampered")))
	assert.ErrorIs(t, p.VerifyWebhook(req), apperrors.ErrInvalidSignature)

	req.Headers.Set("X-Stub-Signature", p.Sign(body))
	assert.NoError(t, p.VerifyWebhook(req))
}

func TestStub_WebhookForUnknownPaymentIsIgnored(t *testing.T) {
	ctx := context.Background()
	p, repo := newStub(t)

	out, err := p.Simulate(ctx, "stub_unknown", models.PaymentStatusPaid)
	require.NoError(t, err)
	assert.True(t, out.Ignored)
	assert.Equal(t, "unknown payment", out.Reason)
	assert.Empty(t, repo.All())
}

func TestStub_UnhandledEventIgnored(t *testing.T) {
	p, _ := newStub(t)
	out, err := p.HandleWebhook(context.Background(), &providers.WebhookRequest{Body: []byte(`{"event":"payout.sent"}`)})
	require.NoError(t, err)
	assert.True(t, out.Ignored)
}

func TestStub_ProcessPayment(t *testing.T) {
	ctx := context.Background()
	p, repo := newStub(t)

	ok, err := p.ProcessPayment(ctx, providers.ChargeRequest{EventID: uuid.New(), AmountCents: 2500, Currency: "INR", PaymentMethodID: "pm_ok"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, ok.Status)

	declined, err := p.ProcessPayment(ctx, providers.ChargeRequest{EventID: uuid.New(), AmountCents: 2500, Currency: "INR", PaymentMethodID: providers.StubFailingMethod})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, declined.Status)
	assert.Equal(t, "card_declined", declined.FailureReason)

	assert.Len(t, repo.All(), 2)

	_, err = p.ProcessPayment(ctx, providers.ChargeRequest{AmountCents: 0})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestStub_StatusAndList(t *testing.T) {
	ctx := context.Background()
	p, _ := newStub(t)

	sess, err := p.CreateCheckout(ctx, ticketCheckout(700))
	require.NoError(t, err)

	snap, err := p.GetPaymentStatus(ctx, sess.ProviderPaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusInitiated, snap.Status)
	assert.Equal(t, int64(700), snap.AmountCents)

	_, err = p.GetPaymentStatus(ctx, "stub_missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	now := time.Now().UTC()
	list, err := p.ListPayments(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sess.PaymentRecordID.String(), list[0].LocalRecordID)

	empty, err := p.ListPayments(ctx, now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStub_CheckoutRejectsZeroAmount(t *testing.T) {
	p, _ := newStub(t)
	_, err := p.CreateCheckout(context.Background(), ticketCheckout(0))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestStub_PartialPayment(t *testing.T) {
	ctx := context.Background()
	p, repo := newStub(t)

	instID := uuid.New()
	sess, err := p.CreatePartialPayment(ctx, providers.PartialPaymentRequest{
		EventID:        uuid.New(),
		RegistrationID: uuid.New(),
		PlanID:         uuid.New(),
		InstallmentID:  instID,
		Sequence:       2,
		AmountCents:    12500,
		Currency:       "INR",
	})
	require.NoError(t, err)

	rec, err := repo.FindByKey(ctx, models.ProviderStub, sess.ProviderPaymentID)
	require.NoError(t, err)
	require.NotNil(t, rec.InstallmentID)
	assert.Equal(t, instID, *rec.InstallmentID)
	assert.Equal(t, int64(12500), rec.AmountCents)
}
