package providers_test

import (
	"context"
	"testing"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	"atlas-payment-service/providers"
	"atlas-payment-service/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deps(repo providers.Recorder) providers.Deps {
	return providers.Deps{Recorder: repo}
}

// seedInitiated logs an initiated payment the way CreateCheckout would.
func seedInitiated(t *testing.T, repo *repository.MemoryPaymentRepository, provider models.ProviderName, key string, amount int64) *models.PaymentRecord {
	t.Helper()
	res, err := repo.LogPayment(context.Background(), provider, key, models.PaymentUpdate{
		EventID:     uuid.New(),
		Status:      models.PaymentStatusInitiated,
		AmountCents: &amount,
		Currency:    "INR",
	})
	require.NoError(t, err)
	return res.Record
}

func TestDefaultRegistry_Names(t *testing.T) {
	r := providers.NewDefaultRegistry()
	assert.Equal(t, []models.ProviderName{
		models.ProviderCashfree,
		models.ProviderInstamojo,
		models.ProviderPaytm,
		models.ProviderPayU,
		models.ProviderPhonePe,
		models.ProviderRazorpay,
		models.ProviderStripe,
		models.ProviderStub,
	}, r.Names())
	assert.True(t, r.Has(models.ProviderPhonePe))
}

func TestRegistryBuild_UnknownProvider(t *testing.T) {
	r := providers.NewDefaultRegistry()
	_, err := r.Build(providers.Config{Provider: "bitpay"}, deps(repository.NewMemoryPaymentRepository()))
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestRegistryBuild_MissingCredentials(t *testing.T) {
	r := providers.NewDefaultRegistry()
	for _, name := range []models.ProviderName{
		models.ProviderRazorpay, models.ProviderStripe, models.ProviderInstamojo, models.ProviderPhonePe,
		models.ProviderCashfree, models.ProviderPayU, models.ProviderPaytm,
	} {
		t.Run(string(name), func(t *testing.T) {
			_, err := r.Build(providers.Config{Provider: name, Mode: providers.ModeTest}, deps(repository.NewMemoryPaymentRepository()))
			assert.ErrorIs(t, err, apperrors.ErrConfiguration)
		})
	}
}

func TestRegistryBuild_RequiresRecorder(t *testing.T) {
	r := providers.NewDefaultRegistry()
	_, err := r.Build(providers.Config{Provider: models.ProviderStub}, providers.Deps{})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestRegistryBuild_InvalidMode(t *testing.T) {
	r := providers.NewDefaultRegistry()
	_, err := r.Build(providers.Config{Provider: models.ProviderStub, Mode: "prod"}, deps(repository.NewMemoryPaymentRepository()))
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestPaytm_RejectsBadKeyLength(t *testing.T) {
	_, err := providers.NewPaytmProvider(providers.Config{
		Credentials: map[string]string{"merchant_id": "MID", "merchant_key": "short"},
	}, deps(repository.NewMemoryPaymentRepository()))
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestCapabilities(t *testing.T) {
	repo := repository.NewMemoryPaymentRepository()
	paytm, err := providers.NewPaytmProvider(providers.Config{
		Credentials: map[string]string{"merchant_id": "MID", "merchant_key": "kbzk1DSbJiV_O3p5"},
	}, deps(repo))
	require.NoError(t, err)
	assert.False(t, paytm.Capabilities().PartialPayments)

	_, err = paytm.CreatePartialPayment(context.Background(), providers.PartialPaymentRequest{AmountCents: 100, Currency: "INR"})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedFeature)

	_, err = paytm.ListPayments(context.Background(), testTime, testTime)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedFeature)
}
