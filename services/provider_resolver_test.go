package services_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	"atlas-payment-service/providers"
	"atlas-payment-service/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func TestProviderResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - adapter is cached until the TTL passes", func(t *testing.T) {
		env := newTestEnv(t)

		first, cfg, err := env.resolver.ForEvent(ctx, env.eventID)
		require.NoError(t, err)
		assert.Equal(t, models.ProviderStub, cfg.Provider)
		assert.Equal(t, models.ProviderStub, first.Name())

		second, _, err := env.resolver.ForEvent(ctx, env.eventID)
		require.NoError(t, err)
		assert.Same(t, first, second)
		assert.Equal(t, 1, env.configs.findCount())

		env.clock.Advance(6 * time.Minute)
		_, _, err = env.resolver.ForEvent(ctx, env.eventID)
		require.NoError(t, err)
		assert.Equal(t, 2, env.configs.findCount())
	})

	t.Run("Success - invalidate forces a reload", func(t *testing.T) {
		env := newTestEnv(t)
		_, _, err := env.resolver.ForEvent(ctx, env.eventID)
		require.NoError(t, err)

		env.resolver.Invalidate(env.eventID)
		_, _, err = env.resolver.ForEvent(ctx, env.eventID)
		require.NoError(t, err)
		assert.Equal(t, 2, env.configs.findCount())
	})

	t.Run("Failure - unknown event", func(t *testing.T) {
		env := newTestEnv(t)
		_, _, err := env.resolver.ForEvent(ctx, uuid.New())
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("Failure - payments disabled", func(t *testing.T) {
		env := newTestEnv(t)
		id := uuid.New()
		require.NoError(t, env.configs.Upsert(ctx, &models.EventPaymentConfig{EventID: id, Provider: models.ProviderStub, Mode: "test", Enabled: false}))
		_, _, err := env.resolver.ForEvent(ctx, id)
		assert.ErrorIs(t, err, apperrors.ErrConfiguration)
	})

	t.Run("Failure - unregistered provider", func(t *testing.T) {
		env := newTestEnv(t)
		id := uuid.New()
		require.NoError(t, env.configs.Upsert(ctx, &models.EventPaymentConfig{EventID: id, Provider: models.ProviderRazorpay, Mode: "test", Enabled: true}))
		_, _, err := env.resolver.ForEvent(ctx, id)
		assert.ErrorIs(t, err, apperrors.ErrConfiguration)
	})

	t.Run("Success - secret credentials override inline ones", func(t *testing.T) {
		env := newTestEnv(t)
		id := uuid.New()
		env.secrets.values["atlas/events/devconf"] = map[string]string{"webhook_secret": "from-vault"}
		require.NoError(t, env.configs.Upsert(ctx, &models.EventPaymentConfig{
			EventID:           id,
			Provider:          models.ProviderStub,
			Mode:              "test",
			Credentials:       datatypes.JSONMap{"webhook_secret": "inline"},
			CredentialsSecret: "atlas/events/devconf",
			Enabled:           true,
		}))

		p, _, err := env.resolver.ForEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, env.secrets.calls)

		body := []byte(`{"event":"payment.succeeded"}`)
		mac := hmac.New(sha256.New, []byte("from-vault"))
		mac.Write(body)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), p.(*providers.StubProvider).Sign(body))

		env.resolver.Invalidate(id)
		assert.Equal(t, []string{"atlas/events/devconf"}, env.secrets.invalidated)
	})

	t.Run("Failure - secret referenced without a store", func(t *testing.T) {
		env := newTestEnv(t)
		resolver := services.NewProviderResolver(env.configs, env.registry, nil,
			providers.Deps{Recorder: env.payments}, services.ResolverOptions{}, zap.NewNop())
		id := uuid.New()
		require.NoError(t, env.configs.Upsert(ctx, &models.EventPaymentConfig{
			EventID: id, Provider: models.ProviderStub, Mode: "test", CredentialsSecret: "missing", Enabled: true,
		}))
		_, _, err := resolver.ForEvent(ctx, id)
		assert.ErrorIs(t, err, apperrors.ErrConfiguration)
	})
}
