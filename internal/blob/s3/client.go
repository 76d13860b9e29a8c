// Package s3blob is the cold-storage layer for settled history. The
// archiver uploads monthly JSONL snapshots of closed positions, funding
// epochs and the audit trail through it, and the admin API reads them back.
// Any S3-compatible store works (AWS S3, MinIO, Cloudflare R2).
package s3blob

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds the connection parameters for the archive bucket.
type ClientConfig struct {
	// Endpoint is the S3-compatible endpoint URL. Leave empty for AWS S3.
	Endpoint string

	// Region is the bucket region, or the provider's placeholder region.
	Region string

	// Bucket holds the archives. All keys in it are managed by this package.
	Bucket string

	AccessKey string
	SecretKey string

	// UseSSL selects the scheme when Endpoint is given without one.
	UseSSL bool

	// ForcePathStyle switches to path-style addressing, which MinIO and
	// most self-hosted S3-compatible stores require.
	ForcePathStyle bool
}

// Client wraps the AWS SDK client together with the archive bucket name.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New builds an S3 client for the archive bucket. Endpoint, path-style
// addressing and static credentials are applied on top of the default AWS
// config so the same construction serves AWS and self-hosted stores.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3blob: region is required")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint, cfg.UseSSL)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &Client{
		s3:     client,
		bucket: cfg.Bucket,
	}, nil
}

// Health verifies the archive bucket is reachable and the credentials can
// see it. Called once during wiring so a misconfigured bucket fails the
// process at startup instead of at the first archive run.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3blob: health check failed for bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Close is a no-op kept for teardown symmetry with the database and Redis
// clients; the SDK's HTTP client needs no explicit shutdown.
func (c *Client) Close() error {
	return nil
}

// S3 returns the underlying AWS SDK client for the reader and writer types.
func (c *Client) S3() *s3.Client {
	return c.s3
}

// Bucket returns the archive bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// normaliseEndpoint prepends a scheme when the configured endpoint lacks
// one, choosing https or http from useSSL.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}
