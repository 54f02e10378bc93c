package aws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// LogsAPI is the slice of the CloudWatch Logs client used here.
type LogsAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// LogsOptions configures where and how often log lines are shipped.
type LogsOptions struct {
	Group         string
	Stream        string
	RetentionDays int32
	// BatchSize triggers a flush once this many lines are buffered.
	BatchSize int
	// FlushInterval flushes whatever is buffered; zero disables the ticker.
	FlushInterval time.Duration
}

// CloudWatchLogsClient buffers log lines and ships them to a CloudWatch Logs
// stream in batches. It is a zapcore.WriteSyncer, so Sync flushes.
type CloudWatchLogsClient struct {
	api     LogsAPI
	opts    LogsOptions
	enabled bool

	mu      sync.Mutex
	pending []types.InputLogEvent

	// sendMu keeps batches in order.
	sendMu sync.Mutex
	stop   chan struct{}
	once   sync.Once
}

// NewCloudWatchLogsClient is a no-op writer unless CLOUDWATCH_ENABLED=true.
// CLOUDWATCH_LOG_GROUP and CLOUDWATCH_LOG_RETENTION_DAYS override defaults.
func NewCloudWatchLogsClient(ctx context.Context, cfg aws.Config, serviceName string) (*CloudWatchLogsClient, error) {
	if os.Getenv("CLOUDWATCH_ENABLED") != "true" {
		return &CloudWatchLogsClient{}, nil
	}
	opts := LogsOptions{
		Group:         os.Getenv("CLOUDWATCH_LOG_GROUP"),
		Stream:        fmt.Sprintf("%s-%d", serviceName, time.Now().Unix()),
		RetentionDays: 90,
		BatchSize:     200,
		FlushInterval: 5 * time.Second,
	}
	if opts.Group == "" {
		opts.Group = "/atlas/payments"
	}
	if days, err := strconv.Atoi(os.Getenv("CLOUDWATCH_LOG_RETENTION_DAYS")); err == nil && days > 0 {
		opts.RetentionDays = int32(days)
	}
	return NewCloudWatchLogsClientWithAPI(ctx, cloudwatchlogs.NewFromConfig(cfg), opts)
}

// NewCloudWatchLogsClientWithAPI creates the group and stream and starts the
// flush ticker.
func NewCloudWatchLogsClientWithAPI(ctx context.Context, api LogsAPI, opts LogsOptions) (*CloudWatchLogsClient, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	c := &CloudWatchLogsClient{api: api, opts: opts, enabled: true, stop: make(chan struct{})}
	if err := c.ensureLogGroup(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure log group: %w", err)
	}
	if _, err := api.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(opts.Group),
		LogStreamName: aws.String(opts.Stream),
	}); err != nil {
		return nil, fmt.Errorf("failed to create log stream: %w", err)
	}
	if opts.FlushInterval > 0 {
		go c.flushLoop()
	}
	return c, nil
}

func (c *CloudWatchLogsClient) ensureLogGroup(ctx context.Context) error {
	_, err := c.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(c.opts.Group),
	})
	if err != nil {
		var existsErr *types.ResourceAlreadyExistsException
		if !errors.As(err, &existsErr) {
			return err
		}
	}
	if c.opts.RetentionDays <= 0 {
		return nil
	}
	if _, err := c.api.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(c.opts.Group),
		RetentionInDays: aws.Int32(c.opts.RetentionDays),
	}); err != nil {
		return fmt.Errorf("failed to set retention policy: %w", err)
	}
	return nil
}

func (c *CloudWatchLogsClient) flushLoop() {
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.report(c.Sync())
		case <-c.stop:
			return
		}
	}
}

// Write buffers one line. It never fails; shipping errors go to stderr.
func (c *CloudWatchLogsClient) Write(p []byte) (int, error) {
	if !c.enabled {
		return len(p), nil
	}
	c.mu.Lock()
	c.pending = append(c.pending, types.InputLogEvent{
		Message:   aws.String(string(p)),
		Timestamp: aws.Int64(time.Now().UnixMilli()),
	})
	full := len(c.pending) >= c.opts.BatchSize
	c.mu.Unlock()

	if full {
		c.report(c.Sync())
	}
	return len(p), nil
}

// Sync ships everything buffered so far.
func (c *CloudWatchLogsClient) Sync() error {
	if !c.enabled {
		return nil
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.api.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(c.opts.Group),
		LogStreamName: aws.String(c.opts.Stream),
		LogEvents:     batch,
	}); err != nil {
		return fmt.Errorf("failed to put %d log events: %w", len(batch), err)
	}
	return nil
}

// Close stops the ticker and flushes.
func (c *CloudWatchLogsClient) Close() error {
	if !c.enabled {
		return nil
	}
	c.once.Do(func() { close(c.stop) })
	return c.Sync()
}

func (c *CloudWatchLogsClient) report(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "CloudWatch write error: %v\n", err)
	}
}

func (c *CloudWatchLogsClient) IsEnabled() bool {
	return c.enabled
}
