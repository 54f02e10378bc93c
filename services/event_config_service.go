package services

import (
	"context"
	"strings"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	"atlas-payment-service/providers"
	"atlas-payment-service/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// EventConfigService manages which gateway each event charges through.
type EventConfigService interface {
	Get(ctx context.Context, eventID uuid.UUID) (*models.EventPaymentConfig, error)
	Upsert(ctx context.Context, eventID uuid.UUID, req *models.UpsertEventConfigRequest) (*models.EventPaymentConfig, error)
}

type eventConfigServiceImpl struct {
	configs  repository.EventConfigRepository
	registry *providers.Registry
	resolver ProviderResolver
	logger   *zap.Logger
}

func NewEventConfigService(configs repository.EventConfigRepository, registry *providers.Registry, resolver ProviderResolver, logger *zap.Logger) EventConfigService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &eventConfigServiceImpl{configs: configs, registry: registry, resolver: resolver, logger: logger}
}

func (s *eventConfigServiceImpl) Get(ctx context.Context, eventID uuid.UUID) (*models.EventPaymentConfig, error) {
	cfg, err := s.configs.FindByEventID(ctx, eventID)
	if err != nil {
		return nil, notFoundOr(err, "payment config for event", eventID.String())
	}
	return cfg, nil
}

// Upsert stores the config and drops any cached adapter for the event so
// the next request is built with the new credentials.
func (s *eventConfigServiceImpl) Upsert(ctx context.Context, eventID uuid.UUID, req *models.UpsertEventConfigRequest) (*models.EventPaymentConfig, error) {
	name := models.ProviderName(strings.ToLower(strings.TrimSpace(req.Provider)))
	if !s.registry.Has(name) {
		return nil, apperrors.InvalidInput("unknown provider "+req.Provider, nil)
	}
	if len(req.Credentials) == 0 && req.CredentialsSecret == "" && name != models.ProviderStub {
		return nil, apperrors.InvalidInput("credentials or credentials_secret is required", nil)
	}

	cfg := &models.EventPaymentConfig{
		EventID:           eventID,
		Provider:          name,
		Mode:              "test",
		Currency:          "INR",
		CredentialsSecret: req.CredentialsSecret,
		Enabled:           true,
	}
	if req.Mode != "" {
		cfg.Mode = req.Mode
	}
	if req.Currency != "" {
		cfg.Currency = strings.ToUpper(req.Currency)
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if len(req.Credentials) > 0 {
		creds := make(datatypes.JSONMap, len(req.Credentials))
		for k, v := range req.Credentials {
			creds[k] = v
		}
		cfg.Credentials = creds
	}

	if err := s.configs.Upsert(ctx, cfg); err != nil {
		return nil, apperrors.Internal("failed to save payment config", err)
	}
	s.resolver.Invalidate(eventID)
	s.logger.Info("Event payment config saved",
		zap.String("event_id", eventID.String()),
		zap.String("provider", string(name)),
		zap.String("mode", cfg.Mode),
		zap.Bool("enabled", cfg.Enabled))
	return cfg, nil
}
