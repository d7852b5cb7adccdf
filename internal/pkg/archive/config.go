package archive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
)

// Config holds the dead-letter archive settings
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Interval        time.Duration
	BatchSize       int
	Enabled         bool
}

// LoadConfig loads archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("ARCHIVE_S3_REGION", "eu-central-1"),
		BucketName:      env.GetEnv("ARCHIVE_S3_BUCKET", ""),
		EndpointURL:     env.GetEnv("ARCHIVE_S3_ENDPOINT_URL", ""),
		Prefix:          strings.Trim(env.GetEnv("ARCHIVE_PREFIX", "dead-letters"), "/"),
		Interval:        env.GetEnvDuration("ARCHIVE_INTERVAL", 10*time.Minute),
		BatchSize:       env.GetEnvInt("ARCHIVE_BATCH_SIZE", 100),
		Enabled:         env.GetEnvBool("ARCHIVE_ENABLED", false),
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("ARCHIVE_S3_ACCESS_KEY_ID is required when the archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("ARCHIVE_S3_SECRET_ACCESS_KEY is required when the archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("ARCHIVE_S3_BUCKET is required when the archive is enabled")
		}
	}

	return config, nil
}

// ObjectKey returns the key of an archived event.
// Format: <prefix>/YYYY/MM/DD/<eventId>.json
func (c *Config) ObjectKey(eventID string, at time.Time) string {
	prefix := c.Prefix
	if prefix == "" {
		prefix = "dead-letters"
	}
	at = at.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", prefix, at.Year(), int(at.Month()), at.Day(), eventID)
}
