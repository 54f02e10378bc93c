package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Fakes ---

type fakeLogs struct {
	groupErr  error
	putErr    error
	retention int32
	streams   []string
	batches   [][]logtypes.InputLogEvent
}

func (f *fakeLogs) CreateLogGroup(context.Context, *cloudwatchlogs.CreateLogGroupInput, ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	return &cloudwatchlogs.CreateLogGroupOutput{}, f.groupErr
}

func (f *fakeLogs) PutRetentionPolicy(_ context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	f.retention = *in.RetentionInDays
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}

func (f *fakeLogs) CreateLogStream(_ context.Context, in *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	f.streams = append(f.streams, *in.LogStreamName)
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (f *fakeLogs) PutLogEvents(_ context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.batches = append(f.batches, in.LogEvents)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

type fakeMetricsAPI struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeMetricsAPI) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type fakeSecretsAPI struct {
	values map[string]string
	calls  int
}

func (f *fakeSecretsAPI) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	v, ok := f.values[*in.SecretId]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

type fakeSNSAPI struct {
	inputs []*sns.PublishInput
}

func (f *fakeSNSAPI) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{}, nil
}

type fakeSQSAPI struct {
	messages []sqstypes.Message
	deleted  []string
}

func (f *fakeSQSAPI) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQSAPI) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

type fakePresigner struct {
	bucket, key string
	expires     time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	f.bucket, f.key = *in.Bucket, *in.Key
	var o s3.PresignOptions
	for _, fn := range optFns {
		fn(&o)
	}
	f.expires = o.Expires
	return &PresignedRequest{URL: "https://s3.local/" + f.bucket + "/" + f.key}, nil
}

// --- Tests ---

func TestCloudWatchLogsClient(t *testing.T) {
	ctx := context.Background()
	opts := LogsOptions{Group: "/atlas/payments", Stream: "payment-service-1", RetentionDays: 30, BatchSize: 2}

	t.Run("Success - lines are shipped in batches", func(t *testing.T) {
		api := &fakeLogs{}
		c, err := NewCloudWatchLogsClientWithAPI(ctx, api, opts)
		require.NoError(t, err)
		assert.Equal(t, int32(30), api.retention)
		assert.Equal(t, []string{"payment-service-1"}, api.streams)

		_, _ = c.Write([]byte(`{"msg":"one"}`))
		assert.Empty(t, api.batches)
		_, _ = c.Write([]byte(`{"msg":"two"}`))
		require.Len(t, api.batches, 1)
		assert.Len(t, api.batches[0], 2)

		_, _ = c.Write([]byte(`{"msg":"three"}`))
		require.NoError(t, c.Close())
		require.Len(t, api.batches, 2)
		assert.Equal(t, `{"msg":"three"}`, *api.batches[1][0].Message)

		require.NoError(t, c.Sync())
		assert.Len(t, api.batches, 2)
	})

	t.Run("Success - existing log group is reused", func(t *testing.T) {
		api := &fakeLogs{groupErr: &logtypes.ResourceAlreadyExistsException{Message: aws.String("exists")}}
		_, err := NewCloudWatchLogsClientWithAPI(ctx, api, opts)
		assert.NoError(t, err)
	})

	t.Run("Failure - group creation error", func(t *testing.T) {
		_, err := NewCloudWatchLogsClientWithAPI(ctx, &fakeLogs{groupErr: errors.New("AccessDenied")}, opts)
		assert.Error(t, err)
	})

	t.Run("Failure - put error surfaces from Sync, never from Write", func(t *testing.T) {
		api := &fakeLogs{putErr: errors.New("throttled")}
		c, err := NewCloudWatchLogsClientWithAPI(ctx, api, LogsOptions{Group: "g", Stream: "s", BatchSize: 10})
		require.NoError(t, err)
		n, err := c.Write([]byte("line"))
		assert.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Error(t, c.Sync())
	})

	t.Run("Success - disabled client swallows writes", func(t *testing.T) {
		c := &CloudWatchLogsClient{}
		n, err := c.Write([]byte("ignored"))
		assert.NoError(t, err)
		assert.Equal(t, 7, n)
		assert.NoError(t, c.Close())
		assert.False(t, c.IsEnabled())
	})
}

func TestMetricsClient(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - dimensions are sorted", func(t *testing.T) {
		api := &fakeMetricsAPI{}
		m := NewMetricsClientWithAPI(api, "Atlas/Payments")
		require.NoError(t, m.RecordCount(ctx, MetricPaymentSucceeded, map[string]string{"Provider": "razorpay", "EventID": "e1"}))
		require.NoError(t, m.RecordLatency(ctx, MetricReconciliationDuration, 1500*time.Millisecond, nil))

		require.Len(t, api.inputs, 2)
		assert.Equal(t, "Atlas/Payments", *api.inputs[0].Namespace)
		datum := api.inputs[0].MetricData[0]
		assert.Equal(t, MetricPaymentSucceeded, *datum.MetricName)
		require.Len(t, datum.Dimensions, 2)
		assert.Equal(t, "EventID", *datum.Dimensions[0].Name)
		assert.Equal(t, "Provider", *datum.Dimensions[1].Name)
		assert.Equal(t, 1500.0, *api.inputs[1].MetricData[0].Value)
	})

	t.Run("Success - nil client is a no-op", func(t *testing.T) {
		var m *MetricsClient
		assert.NoError(t, m.RecordCount(ctx, MetricHTTPRequests, nil))
		assert.False(t, m.IsEnabled())
	})
}

func TestSecretsClient(t *testing.T) {
	ctx := context.Background()
	api := &fakeSecretsAPI{values: map[string]string{
		"atlas/events/devconf": `{"key_id":"rzp_test_1","key_secret":"s3cr3t"}`,
		"plain":                "not-json",
	}}
	c := NewSecretsClientWithAPI(api)

	m, err := c.GetSecretMap(ctx, "atlas/events/devconf")
	require.NoError(t, err)
	assert.Equal(t, "rzp_test_1", m["key_id"])

	_, err = c.GetSecretMap(ctx, "atlas/events/devconf")
	require.NoError(t, err)
	assert.Equal(t, 1, api.calls)

	c.Invalidate("atlas/events/devconf")
	_, err = c.GetSecret(ctx, "atlas/events/devconf")
	require.NoError(t, err)
	assert.Equal(t, 2, api.calls)

	_, err = c.GetSecretMap(ctx, "plain")
	assert.Error(t, err)
	_, err = c.GetSecret(ctx, "missing")
	assert.Error(t, err)
}

func TestSNSClient(t *testing.T) {
	api := &fakeSNSAPI{}
	c := NewSNSClientWithAPI(api)

	require.NoError(t, c.Publish(context.Background(), "arn:aws:sns:ap-south-1:000000000000:payments", []byte(`{}`), map[string]string{"event_type": "payment_paid"}))
	require.Len(t, api.inputs, 1)
	attr := api.inputs[0].MessageAttributes["event_type"]
	assert.Equal(t, "payment_paid", *attr.StringValue)
	assert.Equal(t, "String", *attr.DataType)

	assert.Error(t, c.Publish(context.Background(), "", []byte(`{}`), nil))
}

func TestSQSConsumerPollOnce(t *testing.T) {
	api := &fakeSQSAPI{messages: []sqstypes.Message{
		{MessageId: aws.String("1"), ReceiptHandle: aws.String("r1"), Body: aws.String("ok")},
		{MessageId: aws.String("2"), ReceiptHandle: aws.String("r2"), Body: aws.String("bad")},
		{MessageId: aws.String("3"), ReceiptHandle: aws.String("r3")},
	}}
	c := NewSQSConsumerWithAPI(api, "https://sqs.local/000000000000/checkout-requests", zap.NewNop())

	handled, err := c.PollOnce(context.Background(), func(_ context.Context, body string) error {
		if body == "bad" {
			return errors.New("invalid request")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []string{"r1"}, api.deleted)
}

func TestGeneratePresignedGetURL(t *testing.T) {
	p := &fakePresigner{}
	url, err := GeneratePresignedGetURL(context.Background(), p, "atlas-invoices", "invoices/e1/p1.html", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://s3.local/atlas-invoices/invoices/e1/p1.html", url)
	assert.Equal(t, 15*time.Minute, p.expires)
}

func TestEndpoint(t *testing.T) {
	t.Setenv("AWS_ENDPOINT", "http://localstack:4566")
	t.Setenv("AWS_S3_ENDPOINT", "http://s3.localstack:4566")
	t.Setenv("AWS_SQS_ENDPOINT", "")

	assert.Equal(t, "http://s3.localstack:4566", Endpoint("s3"))
	assert.Equal(t, "http://localstack:4566", Endpoint("sqs"))
	assert.Equal(t, "http://localstack:4566", Endpoint("sns"))
}
