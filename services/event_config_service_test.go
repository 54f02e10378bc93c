package services_test

import (
	"context"
	"testing"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	"atlas-payment-service/providers"
	"atlas-payment-service/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEventConfigService(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - saving drops the cached adapter", func(t *testing.T) {
		env := newTestEnv(t)
		svc := services.NewEventConfigService(env.configs, env.registry, env.resolver, zap.NewNop())

		_, _, err := env.resolver.ForEvent(ctx, env.eventID)
		require.NoError(t, err)
		require.Equal(t, 1, env.configs.findCount())

		disabled := false
		cfg, err := svc.Upsert(ctx, env.eventID, &models.UpsertEventConfigRequest{
			Provider: "STUB", Currency: "usd", Enabled: &disabled,
			Credentials: map[string]string{"webhook_secret": "rotated"},
		})
		require.NoError(t, err)
		assert.Equal(t, models.ProviderStub, cfg.Provider)
		assert.Equal(t, "USD", cfg.Currency)
		assert.Equal(t, "test", cfg.Mode)
		assert.False(t, cfg.Enabled)
		assert.Equal(t, "rotated", cfg.CredentialMap()["webhook_secret"])

		_, _, err = env.resolver.ForEvent(ctx, env.eventID)
		assert.ErrorIs(t, err, apperrors.ErrConfiguration)
		assert.Equal(t, 2, env.configs.findCount())
	})

	t.Run("Success - get returns the stored config", func(t *testing.T) {
		env := newTestEnv(t)
		svc := services.NewEventConfigService(env.configs, env.registry, env.resolver, zap.NewNop())
		cfg, err := svc.Get(ctx, env.eventID)
		require.NoError(t, err)
		assert.Equal(t, "INR", cfg.Currency)
	})

	t.Run("Failure - unknown event", func(t *testing.T) {
		env := newTestEnv(t)
		svc := services.NewEventConfigService(env.configs, env.registry, env.resolver, zap.NewNop())
		_, err := svc.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("Failure - provider not registered", func(t *testing.T) {
		env := newTestEnv(t)
		svc := services.NewEventConfigService(env.configs, env.registry, env.resolver, zap.NewNop())
		_, err := svc.Upsert(ctx, uuid.New(), &models.UpsertEventConfigRequest{Provider: "razorpay", CredentialsSecret: "atlas/rzp"})
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})

	t.Run("Failure - real gateway without credentials", func(t *testing.T) {
		env := newTestEnv(t)
		registry := providers.NewDefaultRegistry()
		svc := services.NewEventConfigService(env.configs, registry, env.resolver, zap.NewNop())
		_, err := svc.Upsert(ctx, uuid.New(), &models.UpsertEventConfigRequest{Provider: "razorpay"})
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})
}
