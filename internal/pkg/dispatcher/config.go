package dispatcher

import (
	"time"

	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
)

const (
	DefaultWorkers            = 8
	DefaultPerSubscriberLimit = 4
	DefaultMaxAttempts        = 3
	DefaultRequestTimeout     = 10 * time.Second
	DefaultBackoffBase        = 30 * time.Second
	DefaultBackoffMax         = time.Hour
	DefaultPollInterval       = time.Second
	DefaultLeaseDuration      = 2 * time.Minute
	DefaultBatchSize          = 100
)

// Config holds the dispatcher settings
type Config struct {
	Workers            int
	PerSubscriberLimit int
	MaxAttempts        int
	RequestTimeout     time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	PollInterval       time.Duration
	// LeaseDuration must exceed RequestTimeout so a live worker never loses
	// its lease to the sweeper.
	LeaseDuration time.Duration
	BatchSize     int
}

// LoadConfig loads dispatcher settings from environment variables
func LoadConfig() Config {
	return Config{
		Workers:            env.GetEnvInt("DISPATCH_WORKERS", DefaultWorkers),
		PerSubscriberLimit: env.GetEnvInt("DISPATCH_PER_SUBSCRIBER", DefaultPerSubscriberLimit),
		MaxAttempts:        env.GetEnvInt("DISPATCH_MAX_ATTEMPTS", DefaultMaxAttempts),
		RequestTimeout:     env.GetEnvDuration("DISPATCH_TIMEOUT", DefaultRequestTimeout),
		BackoffBase:        env.GetEnvDuration("DISPATCH_BACKOFF_BASE", DefaultBackoffBase),
		BackoffMax:         env.GetEnvDuration("DISPATCH_BACKOFF_MAX", DefaultBackoffMax),
		PollInterval:       env.GetEnvDuration("DISPATCH_POLL_INTERVAL", DefaultPollInterval),
		LeaseDuration:      env.GetEnvDuration("DISPATCH_LEASE", DefaultLeaseDuration),
		BatchSize:          env.GetEnvInt("DISPATCH_BATCH_SIZE", DefaultBatchSize),
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PerSubscriberLimit <= 0 {
		c.PerSubscriberLimit = DefaultPerSubscriberLimit
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseDuration <= c.RequestTimeout {
		c.LeaseDuration = c.RequestTimeout + DefaultLeaseDuration
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}
