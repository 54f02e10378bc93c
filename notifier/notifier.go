// Package notifier hands attendee notifications to the notification service.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	aws_pkg "atlas-payment-service/pkg/aws"

	"go.uber.org/zap"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Template types understood by the notification service.
const (
	TemplatePaymentReceipt      = "payment_receipt"
	TemplatePaymentFailed       = "payment_failed"
	TemplateRefundProcessed     = "refund_processed"
	TemplateInstallmentReminder = "installment_reminder"
	TemplateInstallmentOverdue  = "installment_overdue"
	TemplatePlanDefaulted       = "plan_defaulted"
)

const (
	StatusQueued = "queued"
	StatusFailed = "failed"
)

// Result is the per-recipient outcome of a Send.
type Result struct {
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Gateway sends one templated message to each recipient.
type Gateway interface {
	Send(ctx context.Context, channel, templateType, eventID string, recipients []string, data map[string]interface{}) ([]Result, error)
}

// Request is the message the notification service consumes from its queue.
type Request struct {
	EventType string                 `json:"event_type"`
	Channel   string                 `json:"channel"`
	Recipient string                 `json:"recipient"`
	Data      map[string]interface{} `json:"data"`
}

var ErrNoRecipients = errors.New("no recipients")

// SNSGateway publishes one Request per recipient to the notification topic.
type SNSGateway struct {
	client   aws_pkg.SNSPublisher
	topicArn string
	logger   *zap.Logger
}

func NewSNSGateway(client aws_pkg.SNSPublisher, topicArn string, logger *zap.Logger) *SNSGateway {
	return &SNSGateway{client: client, topicArn: topicArn, logger: logger}
}

// Send returns an error only when no recipient could be queued.
func (g *SNSGateway) Send(ctx context.Context, channel, templateType, eventID string, recipients []string, data map[string]interface{}) ([]Result, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	payload := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["event_id"] = eventID

	results := make([]Result, 0, len(recipients))
	queued := 0
	for _, to := range recipients {
		res := Result{Recipient: to, Status: StatusQueued}
		if to == "" {
			res.Status, res.Error = StatusFailed, "empty recipient"
			results = append(results, res)
			continue
		}
		body, err := json.Marshal(Request{EventType: templateType, Channel: channel, Recipient: to, Data: payload})
		if err == nil {
			err = g.client.Publish(ctx, g.topicArn, body, map[string]string{
				"event_type": templateType,
				"channel":    channel,
			})
		}
		if err != nil {
			g.logger.Warn("Failed to queue notification",
				zap.String("template", templateType),
				zap.String("channel", channel),
				zap.Error(err),
			)
			res.Status, res.Error = StatusFailed, err.Error()
		} else {
			queued++
		}
		results = append(results, res)
	}

	if queued == 0 {
		return results, fmt.Errorf("%s notification not queued for any of %d recipients", templateType, len(recipients))
	}
	g.logger.Info("Queued notification",
		zap.String("template", templateType),
		zap.String("event_id", eventID),
		zap.Int("recipients", queued),
	)
	return results, nil
}

// LogGateway only logs; used when no notification topic is configured.
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(_ context.Context, channel, templateType, eventID string, recipients []string, _ map[string]interface{}) ([]Result, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	results := make([]Result, len(recipients))
	for i, to := range recipients {
		results[i] = Result{Recipient: to, Status: StatusQueued}
	}
	g.logger.Info("Notification (not delivered, no topic configured)",
		zap.String("channel", channel),
		zap.String("template", templateType),
		zap.String("event_id", eventID),
		zap.Strings("recipients", recipients),
	)
	return results, nil
}
