package dispatcher

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ManuelReschke/ClubPay/app/models"
)

func TestPolicy_BackoffBounds(t *testing.T) {
	p := NewPolicy(Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second})

	for i := 0; i < 200; i++ {
		d1 := p.Backoff(1)
		assert.True(t, d1 >= 0 && d1 <= 2*time.Second, "attempt 1: %s", d1)

		d3 := p.Backoff(3)
		assert.True(t, d3 >= 3*time.Second && d3 <= 5*time.Second, "attempt 3: %s", d3)

		assert.LessOrEqual(t, p.Backoff(20), 10*time.Second)
	}
}

func TestPolicy_Next(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Minute})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fail := errors.New("boom")

	next := p.Next(1, Outcome{Kind: OutcomeSuccess}, now)
	assert.Equal(t, models.DeliveryStateDelivered, next.State)

	next = p.Next(1, Outcome{Kind: OutcomePermanent, Err: fail}, now)
	assert.Equal(t, models.DeliveryStateAbandoned, next.State)
	assert.Equal(t, "boom", next.LastError)

	next = p.Next(2, Outcome{Kind: OutcomeRetryable, Err: fail}, now)
	assert.Equal(t, models.DeliveryStatePending, next.State)
	assert.True(t, next.NextAttemptAt.After(now))

	next = p.Next(3, Outcome{Kind: OutcomeRetryable, Err: fail}, now)
	assert.Equal(t, models.DeliveryStateDeadLettered, next.State)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{RequestTimeout: 5 * time.Minute}.withDefaults()
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Greater(t, cfg.LeaseDuration, cfg.RequestTimeout)
}
