// Package reliability summarizes webhook delivery history per subscriber.
// Figures are recomputed from the stored attempts on every request.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
)

const DefaultWindow = 24 * time.Hour

var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrInvalidWindow      = errors.New("window start must be before its end")
)

// Report is the reliability summary of one subscriber over [From, To)
type Report struct {
	SubscriberID            string    `json:"subscriber_id"`
	From                    time.Time `json:"from"`
	To                      time.Time `json:"to"`
	TotalEvents             int       `json:"total_events"`
	SuccessfulEvents        int       `json:"successful_events"`
	PermanentlyFailedEvents int       `json:"permanently_failed_events"`
	DeadLetteredEvents      int       `json:"dead_lettered_events"`
	AbandonedEvents         int       `json:"abandoned_events"`
	PendingEvents           int       `json:"pending_events"`
	TotalAttempts           int       `json:"total_attempts"`
	SuccessfulAttempts      int       `json:"successful_attempts"`
	SuccessRate             float64   `json:"success_rate"`
	P95LatencyMs            int64     `json:"p95_latency_ms"`
}

// Aggregator builds reports from the webhook event store
type Aggregator struct {
	repo        repository.WebhookRepository
	maxAttempts int
	nowFn       func() time.Time
}

// NewAggregator creates an aggregator. maxAttempts must match the dispatcher's.
func NewAggregator(repo repository.WebhookRepository, maxAttempts int) *Aggregator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Aggregator{
		repo:        repo,
		maxAttempts: maxAttempts,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// Summarize reports on the events created for the subscriber in [from, to).
// A zero to means now and a zero from means DefaultWindow before to.
func (a *Aggregator) Summarize(ctx context.Context, subscriberID string, from, to time.Time) (*Report, error) {
	if to.IsZero() {
		to = a.nowFn()
	}
	if from.IsZero() {
		from = to.Add(-DefaultWindow)
	}
	from, to = from.UTC(), to.UTC()
	if !from.Before(to) {
		return nil, ErrInvalidWindow
	}

	if _, err := a.repo.GetSubscriber(ctx, subscriberID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSubscriberNotFound, subscriberID)
		}
		return nil, err
	}

	deliveries, err := a.repo.ListDeliveriesCreated(ctx, subscriberID, from, to)
	if err != nil {
		return nil, err
	}
	eventIDs := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		eventIDs = append(eventIDs, d.EventID)
	}
	attempts, err := a.repo.ListAttemptsForEvents(ctx, eventIDs)
	if err != nil {
		return nil, err
	}

	return a.build(subscriberID, from, to, deliveries, attempts), nil
}

type eventHistory struct {
	succeeded  bool
	maxAttempt int
}

func (a *Aggregator) build(subscriberID string, from, to time.Time, deliveries []models.WebhookDelivery, attempts []models.DeliveryAttempt) *Report {
	r := &Report{SubscriberID: subscriberID, From: from, To: to, TotalEvents: len(deliveries)}

	history := make(map[string]*eventHistory, len(deliveries))
	for _, d := range deliveries {
		history[d.EventID] = &eventHistory{}
	}

	var latencies []int64
	for _, at := range attempts {
		h, ok := history[at.WebhookEventID]
		if !ok {
			continue
		}
		r.TotalAttempts++
		if at.AttemptNo > h.maxAttempt {
			h.maxAttempt = at.AttemptNo
		}
		if at.Status == models.AttemptStatusSuccess {
			h.succeeded = true
			r.SuccessfulAttempts++
			latencies = append(latencies, at.LatencyMs)
		}
	}

	for _, d := range deliveries {
		h := history[d.EventID]
		switch {
		case h.succeeded:
			r.SuccessfulEvents++
		case h.maxAttempt >= a.maxAttempts:
			r.DeadLetteredEvents++
		case d.State == models.DeliveryStateAbandoned:
			r.AbandonedEvents++
		default:
			r.PendingEvents++
		}
	}

	r.PermanentlyFailedEvents = r.DeadLetteredEvents + r.AbandonedEvents
	if denom := r.SuccessfulEvents + r.PermanentlyFailedEvents; denom > 0 {
		r.SuccessRate = float64(r.SuccessfulEvents) / float64(denom)
	}
	r.P95LatencyMs = percentile(latencies, 95)
	return r
}

// percentile returns the nearest-rank percentile, or 0 for no samples.
func percentile(samples []int64, p float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
