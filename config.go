package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"atlas-payment-service/database"
	aws_pkg "atlas-payment-service/pkg/aws"
	"atlas-payment-service/scheduler"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the payment service.
type Config struct {
	Port string
	Env  string

	Postgres database.Settings

	// PublicBaseURL is where gateways reach /webhooks.
	PublicBaseURL    string
	GatewayTimeout   time.Duration
	ProviderCacheTTL time.Duration

	// PaymentStore is "postgres" or "memory" (local runs with the stub gateway).
	PaymentStore string
	// ReportStore is "postgres" or "dynamodb".
	ReportStore  string
	ReportsTable string

	// EventTransport is "sns" or "kafka".
	EventTransport          string
	PaymentSNSTopicARN      string
	NotificationSNSTopicARN string
	KafkaBrokers            []string
	KafkaTopic              string

	// CheckoutQueueURL wins over CheckoutQueueName.
	CheckoutQueueURL  string
	CheckoutQueueName string

	InvoiceBucket string
	InvoicePrefix string

	RedisURL   string
	LockPrefix string

	Schedules scheduler.Config

	ReconcileEventTimeout time.Duration
	ReconcileConcurrency  int
	ReportRetentionDays   int

	MaxReminders        int
	MaxChargeRetries    int
	ReminderBackoffBase time.Duration
	ReminderBackoffMax  time.Duration
	ReminderLead        time.Duration

	WebhookRatePerMinute int
	WebhookBurst         int

	// CORSOrigins enables CORS for browser checkouts when non-empty.
	CORSOrigins []string
}

// LoadConfig reads configuration from the environment (and .env when
// present) with optional Secrets Manager override of DB credentials.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	sched := scheduler.DefaultConfig()
	cfg := &Config{
		Port: getEnv("PORT", "8087"),
		Env:  getEnv("APP_ENV", "development"),
		Postgres: database.Settings{
			User:     os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   os.Getenv("POSTGRES_DB"),
			Host:     os.Getenv("POSTGRES_HOST"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
			TimeZone: getEnv("POSTGRES_TIMEZONE", "UTC"),
		},
		PublicBaseURL:    getEnv("PUBLIC_BASE_URL", "http://localhost:8087"),
		GatewayTimeout:   getDuration("GATEWAY_TIMEOUT", 15*time.Second),
		ProviderCacheTTL: getDuration("PROVIDER_CACHE_TTL", 5*time.Minute),

		PaymentStore: strings.ToLower(getEnv("PAYMENT_STORE", "postgres")),
		ReportStore:  strings.ToLower(getEnv("REPORT_STORE", "postgres")),
		ReportsTable: getEnv("RECONCILIATION_REPORTS_TABLE", "reconciliation_reports"),

		EventTransport:          strings.ToLower(getEnv("EVENT_TRANSPORT", "sns")),
		PaymentSNSTopicARN:      os.Getenv("PAYMENT_SNS_TOPIC_ARN"),
		NotificationSNSTopicARN: os.Getenv("NOTIFICATION_SNS_TOPIC_ARN"),
		KafkaBrokers:            splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:              getEnv("KAFKA_PAYMENT_TOPIC", "payment-events"),

		CheckoutQueueURL:  os.Getenv("CHECKOUT_REQUEST_QUEUE_URL"),
		CheckoutQueueName: os.Getenv("CHECKOUT_REQUEST_QUEUE_NAME"),

		InvoiceBucket: os.Getenv("INVOICE_BUCKET"),
		InvoicePrefix: getEnv("INVOICE_PREFIX", ""),

		RedisURL:   os.Getenv("REDIS_URL"),
		LockPrefix: getEnv("SCHEDULER_LOCK_PREFIX", "atlas:payments:lock"),

		Schedules: scheduler.Config{
			ReconcileSchedule:  getEnv("RECONCILE_SCHEDULE", sched.ReconcileSchedule),
			OverdueSchedule:    getEnv("OVERDUE_SCHEDULE", sched.OverdueSchedule),
			ReminderSchedule:   getEnv("REMINDER_SCHEDULE", sched.ReminderSchedule),
			AutoChargeSchedule: getEnv("AUTO_CHARGE_SCHEDULE", sched.AutoChargeSchedule),
			CleanupSchedule:    getEnv("REPORT_CLEANUP_SCHEDULE", sched.CleanupSchedule),
			JobTimeout:         getDuration("JOB_TIMEOUT", sched.JobTimeout),
		},

		ReconcileEventTimeout: getDuration("RECONCILE_EVENT_TIMEOUT", 2*time.Minute),
		ReconcileConcurrency:  getInt("RECONCILE_CONCURRENCY", 4),
		ReportRetentionDays:   getInt("REPORT_RETENTION_DAYS", 90),

		MaxReminders:        getInt("REMINDER_MAX", 3),
		MaxChargeRetries:    getInt("AUTO_CHARGE_MAX_RETRIES", 3),
		ReminderBackoffBase: getDuration("REMINDER_BACKOFF_BASE", 24*time.Hour),
		ReminderBackoffMax:  getDuration("REMINDER_BACKOFF_MAX", 7*24*time.Hour),
		ReminderLead:        getDuration("REMINDER_LEAD", 72*time.Hour),

		WebhookRatePerMinute: getInt("WEBHOOK_RATE_PER_MINUTE", 600),
		WebhookBurst:         getInt("WEBHOOK_BURST", 100),

		CORSOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	// "off" disables a job.
	for key, field := range map[string]*string{
		"RECONCILE_SCHEDULE":      &cfg.Schedules.ReconcileSchedule,
		"OVERDUE_SCHEDULE":        &cfg.Schedules.OverdueSchedule,
		"REMINDER_SCHEDULE":       &cfg.Schedules.ReminderSchedule,
		"AUTO_CHARGE_SCHEDULE":    &cfg.Schedules.AutoChargeSchedule,
		"REPORT_CLEANUP_SCHEDULE": &cfg.Schedules.CleanupSchedule,
	} {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) == "off" {
			*field = ""
		}
	}

	if os.Getenv("AWS_USE_SECRETS") == "true" {
		if awsCfg, err := aws_pkg.LoadAWSConfig(context.Background()); err == nil {
			applyDBSecret(cfg, aws_pkg.NewSecretsClient(awsCfg))
		}
	}

	return cfg, cfg.validate()
}

type secretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// applyDBSecret overrides Postgres settings from payments/DB_CREDENTIALS.
func applyDBSecret(cfg *Config, sm secretGetter) {
	raw, err := sm.GetSecret(context.Background(), "payments/DB_CREDENTIALS")
	if err != nil || raw == "" {
		return
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return
	}
	for key, field := range map[string]*string{
		"POSTGRES_USER":     &cfg.Postgres.User,
		"POSTGRES_PASSWORD": &cfg.Postgres.Password,
		"POSTGRES_DB":       &cfg.Postgres.DBName,
		"POSTGRES_HOST":     &cfg.Postgres.Host,
		"POSTGRES_PORT":     &cfg.Postgres.Port,
	} {
		if v := m[key]; v != "" {
			*field = v
		}
	}
}

func (c *Config) validate() error {
	p := c.Postgres
	if p.User == "" || p.Password == "" || p.DBName == "" || p.Host == "" {
		return fmt.Errorf("database config incomplete")
	}
	switch c.PaymentStore {
	case "postgres", "memory":
	default:
		return fmt.Errorf("PAYMENT_STORE must be postgres or memory, got %q", c.PaymentStore)
	}
	switch c.ReportStore {
	case "postgres", "dynamodb":
	default:
		return fmt.Errorf("REPORT_STORE must be postgres or dynamodb, got %q", c.ReportStore)
	}
	switch c.EventTransport {
	case "sns":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when EVENT_TRANSPORT=kafka")
		}
	default:
		return fmt.Errorf("EVENT_TRANSPORT must be sns or kafka, got %q", c.EventTransport)
	}
	if c.WebhookRatePerMinute <= 0 {
		return fmt.Errorf("WEBHOOK_RATE_PER_MINUTE must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
