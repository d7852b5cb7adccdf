// Package dispatcher delivers stored webhook events to subscribers with
// leases, retries with backoff, dead-lettering and manual replay.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
)

// Dispatcher polls due deliveries and sends them on a bounded worker pool,
// with at most PerSubscriberLimit attempts in flight per subscriber.
type Dispatcher struct {
	repo       repository.WebhookRepository
	sender     *Sender
	policy     *Policy
	cfg        Config
	owner      string
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool

	inflightMu sync.Mutex
	// subscriber id -> event id -> cancel of the running attempt
	inflight map[string]map[string]context.CancelFunc

	nowFn func() time.Time
}

// New creates a dispatcher
func New(repo repository.WebhookRepository, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		repo:       repo,
		sender:     NewSender(cfg.RequestTimeout),
		policy:     NewPolicy(cfg),
		cfg:        cfg,
		owner:      "dispatcher:" + uuid.NewString(),
		workerPool: make(chan struct{}, cfg.Workers),
		stopCh:     make(chan struct{}),
		inflight:   make(map[string]map[string]context.CancelFunc),
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	for i := 0; i < cfg.Workers; i++ {
		d.workerPool <- struct{}{}
	}
	return d
}

// Policy returns the retry policy shared with replays
func (d *Dispatcher) Policy() *Policy {
	return d.policy
}

// Sender returns the HTTP sender shared with replays
func (d *Dispatcher) Sender() *Sender {
	return d.sender
}

// Start starts the polling loop
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.stopCh = make(chan struct{})
	d.running = true
	log.Infof("[Dispatcher] Starting with %d workers, %d per subscriber", d.cfg.Workers, d.cfg.PerSubscriberLimit)

	d.wg.Add(1)
	go d.pollLoop(d.stopCh)
}

// Stop stops polling and waits for running attempts to be recorded
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	log.Info("[Dispatcher] Stopping...")
	close(d.stopCh)
	d.running = false
	d.wg.Wait()
	log.Info("[Dispatcher] Stopped")
}

func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) pollLoop(stopCh chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := d.dispatchDue(context.Background(), stopCh, &d.wg); err != nil {
				log.Errorf("[Dispatcher] Poll failed: %v", err)
			}
		}
	}
}

// RunOnce dispatches the currently due deliveries and waits until their
// attempts are recorded. It returns the number of claimed deliveries.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	var wg sync.WaitGroup
	n, err := d.dispatchDue(ctx, nil, &wg)
	wg.Wait()
	return n, err
}

func (d *Dispatcher) dispatchDue(ctx context.Context, stopCh chan struct{}, wg *sync.WaitGroup) (int, error) {
	due, err := d.repo.ListDue(ctx, d.nowFn(), d.saturatedSubscribers(), d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for i := range due {
		delivery := due[i]
		if !d.acquireSubscriberSlot(delivery.SubscriberID, delivery.EventID) {
			continue
		}

		select {
		case <-d.workerPool:
		case <-stopCh:
			d.releaseSubscriberSlot(delivery.SubscriberID, delivery.EventID)
			return claimed, nil
		}

		ok, err := d.repo.Claim(ctx, &delivery, d.owner, d.nowFn().Add(d.cfg.LeaseDuration))
		if err != nil || !ok {
			if err != nil {
				log.Errorf("[Dispatcher] Claim of %s failed: %v", delivery.EventID, err)
			}
			d.workerPool <- struct{}{}
			d.releaseSubscriberSlot(delivery.SubscriberID, delivery.EventID)
			continue
		}
		claimed++

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { d.workerPool <- struct{}{} }()
			d.deliver(&delivery)
		}()
	}
	return claimed, nil
}

// deliver performs one attempt of a claimed delivery and records it.
func (d *Dispatcher) deliver(delivery *models.WebhookDelivery) {
	defer d.releaseSubscriberSlot(delivery.SubscriberID, delivery.EventID)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	defer cancel()
	d.setCancel(delivery.SubscriberID, delivery.EventID, cancel)

	attemptNo := delivery.AttemptCount + 1
	var out Outcome
	ev, err := d.repo.GetEvent(ctx, delivery.EventID)
	var sub *models.WebhookSubscriber
	if err == nil {
		sub, err = d.repo.GetSubscriber(ctx, delivery.SubscriberID)
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		out = Outcome{Kind: OutcomePermanent, Err: &DeliveryFailure{EventID: delivery.EventID, Err: err}}
	case err != nil:
		out = Outcome{Kind: OutcomeRetryable, Err: &DeliveryFailure{EventID: delivery.EventID, Err: err}}
	default:
		out = d.sender.Send(ctx, sub, ev, attemptNo)
	}

	now := d.nowFn()
	if out.Kind == OutcomeCancelled {
		if err := d.repo.ReleaseLease(context.Background(), d.owner, delivery.EventID, out.ErrorText(), now); err != nil {
			log.Errorf("[Dispatcher] Releasing %s after cancellation failed: %v", delivery.EventID, err)
			return
		}
		log.Infof("[Dispatcher] Attempt %d of %s cancelled, returned to pending", attemptNo, delivery.EventID)
		return
	}
	next := d.policy.Next(attemptNo, out, now)
	attempt := newAttempt(delivery, attemptNo, out, false)
	if err := d.repo.RecordAttempt(context.Background(), d.owner, attempt, next); err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			log.Warnf("[Dispatcher] Lease on %s lost before attempt %d was recorded", delivery.EventID, attemptNo)
			return
		}
		log.Errorf("[Dispatcher] Recording attempt %d of %s failed: %v", attemptNo, delivery.EventID, err)
		return
	}

	switch next.State {
	case models.DeliveryStateDelivered:
		log.Debugf("[Dispatcher] Delivered %s to %s (attempt %d, %dms)", delivery.EventID, delivery.SubscriberID, attemptNo, out.Latency.Milliseconds())
	case models.DeliveryStateDeadLettered:
		log.Errorf("[Dispatcher] Dead-lettered %s after %d attempts: %s", delivery.EventID, attemptNo, out.ErrorText())
	case models.DeliveryStateAbandoned:
		log.Warnf("[Dispatcher] Abandoned %s, subscriber rejected it: %s", delivery.EventID, out.ErrorText())
	default:
		log.Infof("[Dispatcher] Attempt %d of %s failed, next at %s: %s", attemptNo, delivery.EventID, next.NextAttemptAt.Format(time.RFC3339), out.ErrorText())
	}
}

func newAttempt(delivery *models.WebhookDelivery, attemptNo int, out Outcome, manual bool) *models.DeliveryAttempt {
	status := models.AttemptStatusFailed
	if out.Kind == OutcomeSuccess {
		status = models.AttemptStatusSuccess
	}
	return &models.DeliveryAttempt{
		WebhookEventID: delivery.EventID,
		AttemptNo:      attemptNo,
		SubscriberID:   delivery.SubscriberID,
		Status:         status,
		HTTPStatus:     out.HTTPStatus,
		LatencyMs:      out.Latency.Milliseconds(),
		Error:          out.ErrorText(),
		Manual:         manual,
	}
}

// CancelSubscriber aborts the subscriber's running attempts. Their deliveries
// go back to pending without using up an attempt. It returns how many were
// cancelled.
func (d *Dispatcher) CancelSubscriber(subscriberID string) int {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()

	n := 0
	for _, cancel := range d.inflight[subscriberID] {
		if cancel != nil {
			cancel()
			n++
		}
	}
	return n
}

// InFlight returns the number of running attempts of a subscriber
func (d *Dispatcher) InFlight(subscriberID string) int {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	return len(d.inflight[subscriberID])
}

func (d *Dispatcher) saturatedSubscribers() []string {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()

	var out []string
	for sub, events := range d.inflight {
		if len(events) >= d.cfg.PerSubscriberLimit {
			out = append(out, sub)
		}
	}
	return out
}

func (d *Dispatcher) acquireSubscriberSlot(subscriberID, eventID string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()

	events := d.inflight[subscriberID]
	if len(events) >= d.cfg.PerSubscriberLimit {
		return false
	}
	if _, busy := events[eventID]; busy {
		return false
	}
	if events == nil {
		events = make(map[string]context.CancelFunc)
		d.inflight[subscriberID] = events
	}
	events[eventID] = nil
	return true
}

func (d *Dispatcher) setCancel(subscriberID, eventID string, cancel context.CancelFunc) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if events, ok := d.inflight[subscriberID]; ok {
		events[eventID] = cancel
	}
}

func (d *Dispatcher) releaseSubscriberSlot(subscriberID, eventID string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	events := d.inflight[subscriberID]
	delete(events, eventID)
	if len(events) == 0 {
		delete(d.inflight, subscriberID)
	}
}
