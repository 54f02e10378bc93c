package services

import (
	"context"
	"time"

	"atlas-payment-service/events"
	"atlas-payment-service/notifier"
	aws_pkg "atlas-payment-service/pkg/aws"

	"go.uber.org/zap"
)

// sideEffects bundles the fire-and-forget outputs shared by the services.
// Every method logs and swallows failures: a lost event or notification
// must never undo a payment state change that is already committed.
type sideEffects struct {
	publisher events.Publisher
	notifier  notifier.Gateway
	metrics   aws_pkg.Recorder
	logger    *zap.Logger
}

// Effects holds the optional outbound collaborators. Nil fields are skipped.
type Effects struct {
	Publisher events.Publisher
	Notifier  notifier.Gateway
	Metrics   aws_pkg.Recorder
}

func newSideEffects(fx Effects, logger *zap.Logger) *sideEffects {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sideEffects{publisher: fx.Publisher, notifier: fx.Notifier, metrics: fx.Metrics, logger: logger}
}

// publishEvent publishes a domain event (non-fatal on error).
func (s *sideEffects) publishEvent(ctx context.Context, eventType, key string, event interface{}) {
	if s.publisher == nil {
		s.logger.Warn("Event publisher not configured, skipping event publish", zap.String("event_type", eventType))
		return
	}
	if err := s.publisher.Publish(ctx, eventType, key, event); err != nil {
		s.logger.Error("Failed to publish event", zap.String("event_type", eventType), zap.String("key", key), zap.Error(err))
	}
}

func (s *sideEffects) notify(ctx context.Context, template, eventID, recipient string, data map[string]interface{}) {
	if s.notifier == nil || recipient == "" {
		return
	}
	if _, err := s.notifier.Send(ctx, notifier.ChannelEmail, template, eventID, []string{recipient}, data); err != nil {
		s.logger.Warn("Failed to send notification", zap.String("template", template), zap.String("event_id", eventID), zap.Error(err))
	}
}

func (s *sideEffects) count(ctx context.Context, metric string, dims map[string]string) {
	if s.metrics == nil {
		return
	}
	if err := s.metrics.RecordCount(ctx, metric, dims); err != nil {
		s.logger.Debug("Failed to record metric", zap.String("metric", metric), zap.Error(err))
	}
}

func (s *sideEffects) value(ctx context.Context, metric string, v float64, dims map[string]string) {
	if s.metrics == nil {
		return
	}
	if err := s.metrics.RecordValue(ctx, metric, v, dims); err != nil {
		s.logger.Debug("Failed to record metric", zap.String("metric", metric), zap.Error(err))
	}
}

func (s *sideEffects) latency(ctx context.Context, metric string, d time.Duration, dims map[string]string) {
	if s.metrics == nil {
		return
	}
	if err := s.metrics.RecordLatency(ctx, metric, d, dims); err != nil {
		s.logger.Debug("Failed to record metric", zap.String("metric", metric), zap.Error(err))
	}
}
