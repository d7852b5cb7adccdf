package dispatcher

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
)

// Policy decides where a delivery goes after an attempt
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPolicy creates the retry policy of cfg
func NewPolicy(cfg Config) *Policy {
	cfg = cfg.withDefaults()
	return &Policy{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Backoff returns base * 2^(attemptNo-1) +/- random(0, base), capped at the
// maximum delay.
func (p *Policy) Backoff(attemptNo int) time.Duration {
	if attemptNo < 1 {
		attemptNo = 1
	}
	delay := p.BackoffBase
	for i := 1; i < attemptNo && delay < p.BackoffMax; i++ {
		delay *= 2
	}

	p.mu.Lock()
	jitter := time.Duration(p.rnd.Int63n(int64(2*p.BackoffBase)+1)) - p.BackoffBase
	p.mu.Unlock()

	delay += jitter
	if delay > p.BackoffMax {
		delay = p.BackoffMax
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Next maps an attempt outcome to the delivery transition
func (p *Policy) Next(attemptNo int, out Outcome, now time.Time) repository.DeliveryTransition {
	switch out.Kind {
	case OutcomeSuccess:
		return repository.DeliveryTransition{State: models.DeliveryStateDelivered, NextAttemptAt: now}
	case OutcomePermanent:
		return repository.DeliveryTransition{State: models.DeliveryStateAbandoned, NextAttemptAt: now, LastError: out.ErrorText()}
	}
	if attemptNo >= p.MaxAttempts {
		return repository.DeliveryTransition{State: models.DeliveryStateDeadLettered, NextAttemptAt: now, LastError: out.ErrorText()}
	}
	return repository.DeliveryTransition{
		State:         models.DeliveryStatePending,
		NextAttemptAt: now.Add(p.Backoff(attemptNo)),
		LastError:     out.ErrorText(),
	}
}
