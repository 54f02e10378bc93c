package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/events"
	"atlas-payment-service/models"
	aws_pkg "atlas-payment-service/pkg/aws"

	"go.uber.org/zap"
)

// QueuePoller is the part of aws_pkg.SQSConsumer the consumer drives.
type QueuePoller interface {
	StartPolling(ctx context.Context, handler aws_pkg.MessageHandler) error
}

// CheckoutRequestConsumer opens checkouts for requests queued by the
// registration service.
type CheckoutRequestConsumer struct {
	poller   QueuePoller
	payments PaymentService
	fx       *sideEffects
	logger   *zap.Logger
}

func NewCheckoutRequestConsumer(poller QueuePoller, payments PaymentService, publisher events.Publisher, metrics aws_pkg.Recorder, logger *zap.Logger) *CheckoutRequestConsumer {
	fx := newSideEffects(Effects{Publisher: publisher, Metrics: metrics}, logger)
	return &CheckoutRequestConsumer{poller: poller, payments: payments, fx: fx, logger: fx.logger}
}

func (c *CheckoutRequestConsumer) Start(ctx context.Context) {
	c.logger.Info("Starting CheckoutRequestConsumer (SQS)")
	err := c.poller.StartPolling(ctx, c.Handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("SQS consumer error", zap.Error(err))
	}
}

// Handle processes one message. Malformed or permanently rejected requests
// return nil so they are deleted; anything else is retried.
func (c *CheckoutRequestConsumer) Handle(ctx context.Context, body string) error {
	var msg models.CheckoutRequestMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		c.logger.Warn("Invalid checkout request JSON", zap.Error(err))
		c.fx.count(ctx, aws_pkg.MetricSQSMessages, map[string]string{"Result": "invalid"})
		return nil
	}

	req := &models.CreateCheckoutRequest{
		EventID:        msg.EventID,
		RegistrationID: msg.RegistrationID,
		LineItems: []models.CheckoutLineItem{{
			Name:        msg.Description,
			AmountCents: msg.AmountCents,
			Quantity:    1,
		}},
		Currency:      msg.Currency,
		CustomerEmail: msg.CustomerEmail,
		CustomerName:  msg.CustomerName,
		CustomerPhone: msg.CustomerPhone,
		SuccessURL:    msg.SuccessURL,
		CancelURL:     msg.CancelURL,
	}
	if req.LineItems[0].Name == "" {
		req.LineItems[0].Name = "Event registration"
	}

	sess, err := c.payments.CreateCheckout(ctx, req)
	if err != nil {
		c.logger.Error("Failed to create checkout from queue",
			zap.String("event_id", msg.EventID),
			zap.String("registration_id", msg.RegistrationID),
			zap.Error(err))
		c.fx.publishEvent(ctx, models.EventCheckoutFailed, msg.RegistrationID, models.PaymentEvent{
			EventType:      models.EventCheckoutFailed,
			EventID:        msg.EventID,
			RegistrationID: msg.RegistrationID,
			Status:         string(models.PaymentStatusFailed),
			AmountCents:    msg.AmountCents,
			Currency:       msg.Currency,
			Timestamp:      time.Now().UTC(),
		})
		if permanent(err) {
			c.fx.count(ctx, aws_pkg.MetricSQSMessages, map[string]string{"Result": "rejected"})
			return nil
		}
		c.fx.count(ctx, aws_pkg.MetricSQSMessages, map[string]string{"Result": "retry"})
		return err
	}

	c.logger.Info("Checkout request processed",
		zap.String("registration_id", msg.RegistrationID),
		zap.String("payment_id", sess.PaymentRecordID.String()),
		zap.String("checkout_url", sess.URL))
	c.fx.count(ctx, aws_pkg.MetricSQSMessages, map[string]string{"Result": "processed"})
	return nil
}

// permanent reports errors that redelivery cannot fix.
func permanent(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidInput) ||
		errors.Is(err, apperrors.ErrConflict) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrUnsupportedFeature)
}
