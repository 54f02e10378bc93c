package services_test

import (
	"context"
	"encoding/json"
	"testing"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	aws_pkg "atlas-payment-service/pkg/aws"
	"atlas-payment-service/providers"
	"atlas-payment-service/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePoller feeds its bodies to the handler once, then stops.
type fakePoller struct {
	bodies  []string
	results []error
}

func (p *fakePoller) StartPolling(ctx context.Context, handler aws_pkg.MessageHandler) error {
	for _, b := range p.bodies {
		p.results = append(p.results, handler(ctx, b))
	}
	return context.Canceled
}

type failingPayments struct {
	services.PaymentService
	err error
}

func (f failingPayments) CreateCheckout(context.Context, *models.CreateCheckoutRequest) (*providers.CheckoutSession, error) {
	return nil, f.err
}

func checkoutMessage(t *testing.T, msg models.CheckoutRequestMessage) string {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return string(b)
}

func TestCheckoutRequestConsumer(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - opens checkout for queued request", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.registration("asha@example.com")
		consumer := services.NewCheckoutRequestConsumer(nil, env.paymentService(), env.publisher, env.metrics, zap.NewNop())

		err := consumer.Handle(ctx, checkoutMessage(t, models.CheckoutRequestMessage{
			EventID:        env.eventID.String(),
			RegistrationID: reg.ID.String(),
			AmountCents:    180000,
			CustomerEmail:  reg.Email,
			SuccessURL:     "https://app.example.com/success",
			CancelURL:      "https://app.example.com/cancel",
		}))
		require.NoError(t, err)

		all := env.payments.All()
		require.Len(t, all, 1)
		assert.Equal(t, int64(180000), all[0].AmountCents)
		assert.Equal(t, reg.ID, *all[0].RegistrationID)
		assert.Equal(t, 1, env.publisher.count(models.EventPaymentInitiated))
		assert.Equal(t, 1, env.metrics.count(aws_pkg.MetricSQSMessages))
	})

	t.Run("Success - malformed message is dropped", func(t *testing.T) {
		env := newTestEnv(t)
		consumer := services.NewCheckoutRequestConsumer(nil, env.paymentService(), env.publisher, env.metrics, zap.NewNop())
		assert.NoError(t, consumer.Handle(ctx, "{not json"))
		assert.Empty(t, env.payments.All())
	})

	t.Run("Success - permanent rejection is dropped and announced", func(t *testing.T) {
		env := newTestEnv(t)
		consumer := services.NewCheckoutRequestConsumer(nil, env.paymentService(), env.publisher, env.metrics, zap.NewNop())
		err := consumer.Handle(ctx, checkoutMessage(t, models.CheckoutRequestMessage{
			EventID:     uuid.New().String(),
			AmountCents: 1000,
		}))
		assert.NoError(t, err)
		assert.Equal(t, 1, env.publisher.count(models.EventCheckoutFailed))
	})

	t.Run("Failure - transient error is retried", func(t *testing.T) {
		env := newTestEnv(t)
		consumer := services.NewCheckoutRequestConsumer(nil,
			failingPayments{err: apperrors.Gateway("stub", assert.AnError)},
			env.publisher, env.metrics, zap.NewNop())
		err := consumer.Handle(ctx, checkoutMessage(t, models.CheckoutRequestMessage{EventID: env.eventID.String(), AmountCents: 1000}))
		assert.ErrorIs(t, err, apperrors.ErrGateway)
		assert.Equal(t, 1, env.publisher.count(models.EventCheckoutFailed))
	})

	t.Run("Success - Start drives the poller until cancelled", func(t *testing.T) {
		env := newTestEnv(t)
		poller := &fakePoller{bodies: []string{"{}", "garbage"}}
		consumer := services.NewCheckoutRequestConsumer(poller,
			failingPayments{err: apperrors.InvalidInput("bad request", nil)},
			env.publisher, env.metrics, zap.NewNop())

		consumer.Start(ctx)
		assert.Equal(t, []error{nil, nil}, poller.results)
	})
}
