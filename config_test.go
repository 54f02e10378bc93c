package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets struct {
	value string
	err   error
}

func (f fakeSecrets) GetSecret(context.Context, string) (string, error) {
	return f.value, f.err
}

func setDBEnv(t *testing.T) {
	t.Setenv("POSTGRES_USER", "payments")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "atlas")
	t.Setenv("POSTGRES_HOST", "localhost")
}

func TestLoadConfig(t *testing.T) {
	t.Run("Success - defaults", func(t *testing.T) {
		setDBEnv(t)
		cfg, err := LoadConfig()
		require.NoError(t, err)

		assert.Equal(t, "8087", cfg.Port)
		assert.Equal(t, "postgres", cfg.PaymentStore)
		assert.Equal(t, "sns", cfg.EventTransport)
		assert.Equal(t, 15*time.Second, cfg.GatewayTimeout)
		assert.Equal(t, 600, cfg.WebhookRatePerMinute)
		assert.NotEmpty(t, cfg.Schedules.ReconcileSchedule)
	})

	t.Run("Success - overrides and disabled job", func(t *testing.T) {
		setDBEnv(t)
		t.Setenv("PAYMENT_STORE", "MEMORY")
		t.Setenv("EVENT_TRANSPORT", "kafka")
		t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
		t.Setenv("AUTO_CHARGE_SCHEDULE", "off")
		t.Setenv("REMINDER_MAX", "5")
		t.Setenv("GATEWAY_TIMEOUT", "bogus")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.PaymentStore)
		assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
		assert.Empty(t, cfg.Schedules.AutoChargeSchedule)
		assert.Equal(t, 5, cfg.MaxReminders)
		assert.Equal(t, 15*time.Second, cfg.GatewayTimeout)
	})

	t.Run("Failure - missing database settings", func(t *testing.T) {
		t.Setenv("POSTGRES_USER", "")
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("Failure - kafka without brokers", func(t *testing.T) {
		setDBEnv(t)
		t.Setenv("EVENT_TRANSPORT", "kafka")
		t.Setenv("KAFKA_BROKERS", "")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "KAFKA_BROKERS")
	})

	t.Run("Failure - unknown report store", func(t *testing.T) {
		setDBEnv(t)
		t.Setenv("REPORT_STORE", "mongo")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "REPORT_STORE")
	})
}

func TestApplyDBSecret(t *testing.T) {
	t.Run("Success - secret overrides set keys only", func(t *testing.T) {
		cfg := &Config{}
		cfg.Postgres.User = "env-user"
		cfg.Postgres.Port = "5432"
		applyDBSecret(cfg, fakeSecrets{value: `{"POSTGRES_USER":"vault-user","POSTGRES_HOST":"db.internal"}`})

		assert.Equal(t, "vault-user", cfg.Postgres.User)
		assert.Equal(t, "db.internal", cfg.Postgres.Host)
		assert.Equal(t, "5432", cfg.Postgres.Port)
	})

	t.Run("Failure - lookup error leaves config untouched", func(t *testing.T) {
		cfg := &Config{}
		cfg.Postgres.User = "env-user"
		applyDBSecret(cfg, fakeSecrets{err: errors.New("access denied")})
		assert.Equal(t, "env-user", cfg.Postgres.User)
	})

	t.Run("Failure - malformed secret", func(t *testing.T) {
		cfg := &Config{}
		applyDBSecret(cfg, fakeSecrets{value: "not-json"})
		assert.Empty(t, cfg.Postgres.User)
	})
}
