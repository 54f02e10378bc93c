package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	"atlas-payment-service/providers"
	"atlas-payment-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SecretSource loads gateway credentials kept in a secret store.
type SecretSource interface {
	GetSecretMap(ctx context.Context, name string) (map[string]string, error)
}

// secretInvalidator is implemented by secret stores that cache reads.
type secretInvalidator interface {
	Invalidate(name string)
}

// ProviderResolver builds the adapter configured for an event.
type ProviderResolver interface {
	ForEvent(ctx context.Context, eventID uuid.UUID) (providers.Provider, *models.EventPaymentConfig, error)
	Invalidate(eventID uuid.UUID)
}

type cachedProvider struct {
	provider providers.Provider
	config   models.EventPaymentConfig
	builtAt  time.Time
}

type providerResolver struct {
	configs       repository.EventConfigRepository
	registry      *providers.Registry
	secrets       SecretSource
	deps          providers.Deps
	notifyBaseURL string
	timeout       time.Duration
	ttl           time.Duration
	logger        *zap.Logger

	mu    sync.RWMutex
	cache map[uuid.UUID]cachedProvider
}

// ResolverOptions tune adapter construction.
type ResolverOptions struct {
	// NotifyBaseURL is the public base URL gateways post webhooks to.
	NotifyBaseURL string
	// GatewayTimeout bounds every gateway HTTP call.
	GatewayTimeout time.Duration
	// CacheTTL is how long a built adapter is reused; zero means 5 minutes.
	CacheTTL time.Duration
}

// NewProviderResolver creates a resolver. secrets may be nil when no event
// keeps its credentials in Secrets Manager.
func NewProviderResolver(
	configs repository.EventConfigRepository,
	registry *providers.Registry,
	secrets SecretSource,
	deps providers.Deps,
	opts ResolverOptions,
	logger *zap.Logger,
) ProviderResolver {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &providerResolver{
		configs:       configs,
		registry:      registry,
		secrets:       secrets,
		deps:          deps,
		notifyBaseURL: strings.TrimRight(opts.NotifyBaseURL, "/"),
		timeout:       opts.GatewayTimeout,
		ttl:           opts.CacheTTL,
		logger:        logger,
		cache:         make(map[uuid.UUID]cachedProvider),
	}
}

func (r *providerResolver) ForEvent(ctx context.Context, eventID uuid.UUID) (providers.Provider, *models.EventPaymentConfig, error) {
	r.mu.RLock()
	c, ok := r.cache[eventID]
	r.mu.RUnlock()
	if ok && r.deps.Now().Sub(c.builtAt) < r.ttl {
		cfg := c.config
		return c.provider, &cfg, nil
	}

	cfg, err := r.configs.FindByEventID(ctx, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperrors.NotFound("payment configuration for event", eventID.String())
		}
		return nil, nil, fmt.Errorf("load payment config: %w", err)
	}
	if !cfg.Enabled {
		return nil, nil, apperrors.Configuration(fmt.Sprintf("payments are disabled for event %s", eventID), nil)
	}

	creds := cfg.CredentialMap()
	if cfg.CredentialsSecret != "" {
		if r.secrets == nil {
			return nil, nil, apperrors.Configuration(fmt.Sprintf("event %s references secret %s but no secret store is configured", eventID, cfg.CredentialsSecret), nil)
		}
		fromSecret, err := r.secrets.GetSecretMap(ctx, cfg.CredentialsSecret)
		if err != nil {
			return nil, nil, apperrors.Configuration("load gateway credentials", err)
		}
		for k, v := range fromSecret {
			creds[k] = v
		}
	}

	pcfg := providers.Config{
		Provider:    cfg.Provider,
		Mode:        providers.Mode(cfg.Mode),
		Credentials: creds,
		BaseURL:     creds["base_url"],
		Timeout:     r.timeout,
	}
	if r.notifyBaseURL != "" {
		pcfg.NotifyURL = fmt.Sprintf("%s/webhooks/%s/%s", r.notifyBaseURL, cfg.Provider, eventID)
	}
	p, err := r.registry.Build(pcfg, r.deps)
	if err != nil {
		r.logger.Error("Failed to build payment provider",
			zap.String("event_id", eventID.String()),
			zap.String("provider", string(cfg.Provider)),
			zap.Error(err))
		return nil, nil, err
	}

	r.mu.Lock()
	r.cache[eventID] = cachedProvider{provider: p, config: *cfg, builtAt: r.deps.Now()}
	r.mu.Unlock()
	return p, cfg, nil
}

// Invalidate drops the adapter built for eventID along with the cached
// credentials secret it was built from.
func (r *providerResolver) Invalidate(eventID uuid.UUID) {
	r.mu.Lock()
	c, ok := r.cache[eventID]
	delete(r.cache, eventID)
	r.mu.Unlock()

	if !ok || c.config.CredentialsSecret == "" {
		return
	}
	if inv, ok := r.secrets.(secretInvalidator); ok {
		inv.Invalidate(c.config.CredentialsSecret)
	}
}
