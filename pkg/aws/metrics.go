package aws

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/samber/lo"
)

// Recorder is the slice of MetricsClient the services use.
type Recorder interface {
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
	RecordValue(ctx context.Context, metricName string, value float64, dimensions map[string]string) error
	RecordLatency(ctx context.Context, metricName string, duration time.Duration, dimensions map[string]string) error
}

// MetricsAPI is the CloudWatch call MetricsClient makes.
type MetricsAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// MetricsClient publishes custom metrics to CloudWatch.
type MetricsClient struct {
	api       MetricsAPI
	namespace string
	enabled   bool
	now       func() time.Time
}

// NewMetricsClient is disabled unless CLOUDWATCH_ENABLED=true, in which case
// every call is a no-op. CLOUDWATCH_NAMESPACE overrides Atlas/Payments.
func NewMetricsClient(cfg aws.Config) *MetricsClient {
	namespace := os.Getenv("CLOUDWATCH_NAMESPACE")
	if namespace == "" {
		namespace = "Atlas/Payments"
	}
	m := NewMetricsClientWithAPI(cloudwatch.NewFromConfig(cfg), namespace)
	m.enabled = os.Getenv("CLOUDWATCH_ENABLED") == "true"
	return m
}

// NewMetricsClientWithAPI returns an enabled client over api.
func NewMetricsClientWithAPI(api MetricsAPI, namespace string) *MetricsClient {
	return &MetricsClient{api: api, namespace: namespace, enabled: true, now: time.Now}
}

// PutMetric sends a single data point. Dimensions are sent sorted by name so
// the same set always lands on the same CloudWatch series.
func (m *MetricsClient) PutMetric(ctx context.Context, metricName string, value float64, unit types.StandardUnit, dimensions map[string]string) error {
	if m == nil || !m.enabled {
		return nil
	}

	dims := lo.MapToSlice(dimensions, func(k, v string) types.Dimension {
		return types.Dimension{Name: aws.String(k), Value: aws.String(v)}
	})
	sort.Slice(dims, func(i, j int) bool { return *dims[i].Name < *dims[j].Name })

	_, err := m.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []types.MetricDatum{{
			MetricName: aws.String(metricName),
			Value:      aws.Float64(value),
			Unit:       unit,
			Timestamp:  aws.Time(m.now()),
			Dimensions: dims,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to put metric %s: %w", metricName, err)
	}
	return nil
}

func (m *MetricsClient) RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error {
	return m.PutMetric(ctx, metricName, 1, types.StandardUnitCount, dimensions)
}

// RecordLatency records a duration in milliseconds.
func (m *MetricsClient) RecordLatency(ctx context.Context, metricName string, duration time.Duration, dimensions map[string]string) error {
	return m.PutMetric(ctx, metricName, float64(duration.Milliseconds()), types.StandardUnitMilliseconds, dimensions)
}

// RecordValue records a plain count-valued gauge.
func (m *MetricsClient) RecordValue(ctx context.Context, metricName string, value float64, dimensions map[string]string) error {
	return m.PutMetric(ctx, metricName, value, types.StandardUnitCount, dimensions)
}

func (m *MetricsClient) IsEnabled() bool {
	return m != nil && m.enabled
}

const (
	// HTTP metrics
	MetricHTTPRequests = "HTTPRequests"
	MetricHTTPLatency  = "HTTPLatency"
	MetricHTTP4xx      = "HTTP4xxErrors"
	MetricHTTP5xx      = "HTTP5xxErrors"

	// Payment metrics
	MetricCheckoutCreated  = "CheckoutCreated"
	MetricPaymentSucceeded = "PaymentSucceeded"
	MetricPaymentFailed    = "PaymentFailed"
	MetricPaymentRefunded  = "PaymentRefunded"
	MetricWebhookRejected  = "WebhookRejected"
	MetricAutoChargeFailed = "AutoChargeFailed"
	MetricRemindersSent    = "InstallmentRemindersSent"

	// Reconciliation metrics
	MetricReconciliationMatched    = "ReconciliationMatched"
	MetricReconciliationMismatched = "ReconciliationMismatched"
	MetricReconciliationMissing    = "ReconciliationMissing"
	MetricReconciliationExtra      = "ReconciliationExtra"
	MetricReconciliationErrors     = "ReconciliationErrors"
	MetricReconciliationDuration   = "ReconciliationDuration"

	MetricSQSMessages = "SQSMessagesProcessed"
)
