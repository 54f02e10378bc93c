package aws

import (
	"context"
	"fmt"
	"os"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Endpoint returns the LocalStack-style endpoint override, if any.
// AWS_ENDPOINT applies to every client; the service-specific variables win.
func Endpoint(service string) string {
	switch service {
	case "sqs":
		if v := os.Getenv("AWS_SQS_ENDPOINT"); v != "" {
			return v
		}
	case "s3":
		if v := os.Getenv("AWS_S3_ENDPOINT"); v != "" {
			return v
		}
	}
	return os.Getenv("AWS_ENDPOINT")
}

// LoadAWSConfig loads the default credential chain and region and points
// every client at AWS_ENDPOINT when it is set. AWS_ACCESS_KEY/AWS_SECRET_KEY
// pin static credentials (LocalStack).
func LoadAWSConfig(ctx context.Context) (sdkaws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region := os.Getenv("AWS_REGION"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if key, secret := os.Getenv("AWS_ACCESS_KEY"), os.Getenv("AWS_SECRET_KEY"); key != "" || secret != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, ""),
		))
	}
	if endpoint := Endpoint(""); endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("failed to load aws config: %w", err)
	}
	return cfg, nil
}
