// Package idempotency provides single-flight reservation of caller supplied
// idempotency keys so a retried command returns the first outcome instead of
// executing twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
)

const (
	DefaultTTL          = 24 * time.Hour
	DefaultPendingLease = 2 * time.Minute
	pollInterval        = 25 * time.Millisecond
)

var (
	// ErrConflict is returned when a key is reused for a different request.
	ErrConflict = errors.New("idempotency key reused with a different request")
	// ErrInProgress is returned when the caller gave up waiting for the
	// current owner of the key.
	ErrInProgress = errors.New("idempotent request still in progress")
	// ErrNotOwner is returned when committing or aborting a reservation whose
	// lease was taken over.
	ErrNotOwner = errors.New("idempotency reservation no longer owned")
)

// Store reserves keys atomically. Concurrent reservers of a pending key wait
// until it is committed (and get the stored result) or aborted (and compete
// again).
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string) (*Reservation, error)
	Commit(ctx context.Context, res *Reservation, result []byte) error
	Abort(ctx context.Context, res *Reservation) error
	// Lease is how long a pending reservation stays owned before another
	// request may take it over.
	Lease() time.Duration
}

// Reservation is the outcome of Reserve. When IsNew is false, Prior holds the
// committed result of the first request.
type Reservation struct {
	Key   string
	Owner string
	IsNew bool
	Prior []byte
}

// Config holds idempotency settings
type Config struct {
	TTL          time.Duration
	PendingLease time.Duration
}

// LoadConfig loads idempotency settings from environment variables
func LoadConfig() Config {
	return Config{
		TTL:          env.GetEnvDuration("IDEMPOTENCY_TTL", DefaultTTL),
		PendingLease: env.GetEnvDuration("IDEMPOTENCY_PENDING_LEASE", DefaultPendingLease),
	}
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.PendingLease <= 0 {
		c.PendingLease = DefaultPendingLease
	}
	return c
}

// Key namespaces a caller key by operation so the same caller key can be used
// for a void and a refund without colliding.
func Key(operation, callerKey string) string {
	return operation + ":" + strings.TrimSpace(callerKey)
}

// Fingerprint hashes the request parameters that must match on reuse.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func waitPoll(ctx context.Context) error {
	t := time.NewTimer(pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(ErrInProgress, ctx.Err())
	case <-t.C:
		return nil
	}
}
