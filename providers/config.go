package providers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Mode selects the gateway's sandbox or production environment.
type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

// DefaultTimeout bounds every gateway HTTP call.
const DefaultTimeout = 15 * time.Second

// Config is the explicit configuration an adapter is built from.
type Config struct {
	Provider    models.ProviderName `validate:"required,oneof=razorpay stripe instamojo phonepe cashfree payu paytm stub"`
	Mode        Mode                `validate:"required,oneof=test live"`
	Credentials map[string]string
	// BaseURL overrides the gateway API host, mainly for tests.
	BaseURL string `validate:"omitempty,url"`
	// NotifyURL is where the gateway should post webhooks.
	NotifyURL string        `validate:"omitempty,url"`
	Timeout   time.Duration `validate:"gte=0"`
}

// Deps are the collaborators an adapter needs.
type Deps struct {
	Recorder   Recorder
	Logger     *zap.Logger
	HTTPClient *http.Client
	Now        func() time.Time
}

var validate = validator.New()

// Validate checks the common fields and that every named credential is set.
func (c Config) Validate(required ...string) error {
	if err := validate.Struct(c); err != nil {
		return apperrors.Configuration(fmt.Sprintf("%s: invalid provider config", c.Provider), err)
	}
	var missing []string
	for _, k := range required {
		if strings.TrimSpace(c.Credentials[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return apperrors.Configuration(
			fmt.Sprintf("%s: missing credentials %s", c.Provider, strings.Join(missing, ", ")), nil)
	}
	return nil
}

func (c Config) credential(key string) string {
	return strings.TrimSpace(c.Credentials[key])
}

func (c Config) credentialOr(key, fallback string) string {
	if v := c.credential(key); v != "" {
		return v
	}
	return fallback
}

// baseURL picks the override, then the live or sandbox host.
func (c Config) baseURL(test, live string) string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Mode == ModeLive {
		return live
	}
	return test
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}
