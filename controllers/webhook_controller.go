package controllers

import (
	"errors"
	"net/http"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/logger"
	"atlas-payment-service/providers"
	"atlas-payment-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody caps what a gateway may post.
const maxWebhookBody = 1 << 20

// WebhookController receives gateway notifications.
type WebhookController struct {
	payments services.PaymentService
	logger   *zap.Logger
}

func NewWebhookController(payments services.PaymentService, logger *zap.Logger) *WebhookController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookController{payments: payments, logger: logger}
}

// Handle handles POST /webhooks/:provider/:eventId. The raw body is read
// exactly once and handed to the adapter untouched for signature checks.
// A verified payload the adapter cannot parse is logged and acknowledged,
// since redelivering it cannot succeed. Anything else other than a rejected
// signature or an unknown route answers 500 so the gateway retries.
func (wc *WebhookController) Handle(c *gin.Context) {
	provider := c.Param("provider")
	eventID, ok := uuidParam(c, "eventId")
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "unreadable webhook body"})
		return
	}

	log := logger.ForRequest(c, wc.logger).With(
		zap.String("provider", provider),
		zap.String("event_id", eventID.String()),
	)

	out, err := wc.payments.HandleWebhook(c.Request.Context(), provider, eventID, &providers.WebhookRequest{
		Headers: c.Request.Header.Clone(),
		Body:    body,
	})
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrInvalidSignature):
		log.Warn("Webhook signature verification failed", zap.String("client_ip", c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	case errors.Is(err, apperrors.ErrNotFound):
		respondError(c, log, err)
		return
	case errors.Is(err, apperrors.ErrInvalidInput):
		log.Warn("Unprocessable webhook acknowledged", zap.ByteString("payload", body), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "changed": false, "ignored": true})
		return
	default:
		log.Error("Webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		return
	}

	log.Info("Webhook processed",
		zap.String("event_type", out.EventType),
		zap.String("provider_payment_id", out.ProviderPaymentID),
		zap.Bool("changed", out.Changed),
		zap.Bool("ignored", out.Ignored))
	c.JSON(http.StatusOK, gin.H{"status": "received", "changed": out.Changed, "ignored": out.Ignored})
}
