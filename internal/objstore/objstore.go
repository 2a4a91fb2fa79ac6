// Package objstore stores call recordings in an S3-compatible object store.
// Deployments point it at MinIO via a custom endpoint; the same client works
// against AWS unchanged.
package objstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores one object and returns its URL. The handoff flow depends
// on this interface so tests can substitute a fake.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, metadata map[string]string) (url string, err error)
}

// Config describes the target store.
type Config struct {
	// Endpoint overrides the S3 endpoint for MinIO-compatible stores;
	// empty uses AWS.
	Endpoint string

	// Region defaults to "us-east-1", which MinIO accepts for any bucket.
	Region string

	Bucket    string
	AccessKey string
	SecretKey string

	// PathStyle addresses buckets as path segments instead of subdomains.
	// Required by MinIO.
	PathStyle bool
}

// Store is the S3-backed [Uploader].
type Store struct {
	client *s3.Client
	bucket string
	// endpoint is kept to render object URLs.
	endpoint string
}

// New builds a Store from static credentials and an optional custom
// endpoint.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objstore: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &Store{client: client, bucket: cfg.Bucket, endpoint: cfg.Endpoint}, nil
}

// Upload puts one object and returns its addressable URL.
func (s *Store) Upload(ctx context.Context, key, contentType string, body io.Reader, metadata map[string]string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return "", fmt.Errorf("objstore: put %s: %w", key, err)
	}
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key), nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

var _ Uploader = (*Store)(nil)

// RecordingKey renders the deterministic object path for a call recording:
// company_{tenant}/voice/{YYYY}/{MM}/{DD}/{call}.mp3.
func RecordingKey(tenant, callID string, at time.Time) string {
	return fmt.Sprintf("company_%s/voice/%04d/%02d/%02d/%s.mp3",
		tenant, at.Year(), at.Month(), at.Day(), callID)
}
