package aws

import (
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3Client creates an S3 client. Path-style addressing is used whenever
// an endpoint override is set, as LocalStack requires.
func NewS3Client(cfg sdkaws.Config) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ep := Endpoint("s3"); ep != "" {
			o.BaseEndpoint = sdkaws.String(ep)
			o.UsePathStyle = true
		}
	})
}

// PresignGetter is the presign call used for invoice links.
type PresignGetter interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

// PresignedRequest mirrors the fields of the SDK's presigned request that
// callers read.
type PresignedRequest struct {
	URL string
}

type s3Presigner struct {
	client *s3.PresignClient
}

// NewPresigner wraps the SDK presign client.
func NewPresigner(client *s3.Client) PresignGetter {
	return &s3Presigner{client: s3.NewPresignClient(client)}
}

func (p *s3Presigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL}, nil
}

// GeneratePresignedGetURL returns a time-limited download link.
func GeneratePresignedGetURL(ctx context.Context, presigner PresignGetter, bucket, key string, expiry time.Duration) (string, error) {
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign get object: %w", err)
	}
	return req.URL, nil
}
