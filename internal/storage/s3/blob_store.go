// Package s3 stores capture artifacts in an S3 bucket and serves
// time-limited download URLs for them.
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config carries the S3 connection settings.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
	// URLTTL bounds how long a presigned download URL stays valid.
	URLTTL time.Duration
}

// BlobStore implements capture.BlobStore against an S3 bucket.
type BlobStore struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     Config
}

// New builds the S3 client and verifies the bucket is reachable before
// returning, so a misconfigured bucket fails at startup rather than on the
// first finished capture.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 24 * time.Hour
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("s3: head bucket %q: %w", cfg.Bucket, err)
	}

	return &BlobStore{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
	}, nil
}

// Save uploads the artifact under the configured prefix and returns the
// object key it was stored at.
func (b *BlobStore) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	key := b.key(name)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("s3: put object %q: %w", key, err)
	}
	return key, nil
}

// URL returns a presigned GET URL for a stored artifact. The signature
// carries the expiry, so callers can recover the expiration timestamp from
// the URL itself.
func (b *BlobStore) URL(ctx context.Context, name string) (string, error) {
	key := b.key(name)
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(b.cfg.URLTTL))
	if err != nil {
		return "", fmt.Errorf("s3: presign %q: %w", key, err)
	}
	return req.URL, nil
}

func (b *BlobStore) key(name string) string {
	if b.cfg.Prefix == "" {
		return name
	}
	return strings.TrimSuffix(b.cfg.Prefix, "/") + "/" + name
}
