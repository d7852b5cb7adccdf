package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
)

// Client writes archive objects to S3 or an S3-compatible store
type Client struct {
	s3Client *s3.Client
	config   *Config
}

// NewClient creates a new S3 archive client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("dead-letter archive is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	client := &Client{s3Client: s3Client, config: cfg}
	if err := client.testConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[Archive] Initialized S3 client for bucket: %s", cfg.BucketName)
	return client, nil
}

// testConnection checks the bucket, creating it outside production
func (c *Client) testConnection(ctx context.Context) error {
	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.BucketName),
	})
	if err == nil {
		return nil
	}
	if env.GetEnv("APP_ENV", "dev") == "prod" {
		return fmt.Errorf("bucket %s not accessible: %w", c.config.BucketName, err)
	}

	log.Warnf("[Archive] Bucket %s not found, attempting to create it", c.config.BucketName)
	input := &s3.CreateBucketInput{Bucket: aws.String(c.config.BucketName)}
	if c.config.EndpointURL == "" && c.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.config.Region),
		}
	}
	if _, err := c.s3Client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.config.BucketName, err)
	}
	return nil
}

// PutObject stores one object
func (c *Client) PutObject(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", c.config.BucketName, key, err)
	}
	return nil
}
