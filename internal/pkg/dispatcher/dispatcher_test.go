package dispatcher

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/internal/pkg/webhooks"
)

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	var mu sync.Mutex
	var got *http.Request
	var gotBody []byte
	f := newFixture(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got, gotBody = r, body
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	ids := f.publish(t, 1)

	n, err := f.d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, ids[0], got.Header.Get(webhooks.HeaderID))
	assert.Equal(t, "1", got.Header.Get(webhooks.HeaderAttempt))
	assert.NoError(t, webhooks.Verify(got.Header.Get(webhooks.HeaderSignature), gotBody, testSecret, time.Minute, time.Now()))

	d := f.delivery(t, ids[0])
	assert.Equal(t, models.DeliveryStateDelivered, d.State)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Empty(t, d.LeaseOwner)

	attempts := f.attempts(t, ids[0])
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptStatusSuccess, attempts[0].Status)
	assert.Equal(t, http.StatusNoContent, attempts[0].HTTPStatus)
	assert.False(t, attempts[0].Manual)
}

func TestDispatcher_DeadLettersAfterMaxAttempts(t *testing.T) {
	var calls int32
	f := newFixture(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	ids := f.publish(t, 1)

	f.runUntilIdle(t, 50)

	d := f.delivery(t, ids[0])
	assert.Equal(t, models.DeliveryStateDeadLettered, d.State)
	assert.Equal(t, 3, d.AttemptCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	attempts := f.attempts(t, ids[0])
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNo)
		assert.Equal(t, models.AttemptStatusFailed, a.Status)
		assert.Equal(t, http.StatusInternalServerError, a.HTTPStatus)
	}
}

func TestDispatcher_RetriesThenDelivers(t *testing.T) {
	var calls int32
	f := newFixture(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ids := f.publish(t, 1)

	f.runUntilIdle(t, 50)

	d := f.delivery(t, ids[0])
	assert.Equal(t, models.DeliveryStateDelivered, d.State)
	assert.Equal(t, 2, d.AttemptCount)
	assert.Len(t, f.attempts(t, ids[0]), 2)
}

func TestDispatcher_ClientErrorAbandons(t *testing.T) {
	f := newFixture(t, testConfig(), status(http.StatusGone))
	ids := f.publish(t, 1)

	f.runUntilIdle(t, 10)

	d := f.delivery(t, ids[0])
	assert.Equal(t, models.DeliveryStateAbandoned, d.State)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Contains(t, d.LastError, "410")
}

func TestDispatcher_DisabledSubscriberIsSkipped(t *testing.T) {
	f := newFixture(t, testConfig(), status(http.StatusOK))
	ids := f.publish(t, 2)
	_, err := f.repo.SetSubscriberEnabled(context.Background(), f.sub.ID, false)
	require.NoError(t, err)

	n, err := f.d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.DeliveryStatePending, f.delivery(t, ids[0]).State)
}

func TestDispatcher_PerSubscriberLimit(t *testing.T) {
	cfg := testConfig()
	cfg.PerSubscriberLimit = 2
	release := make(chan struct{})
	var started int32
	f := newFixture(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&started, 1)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	f.publish(t, 5)

	var wg sync.WaitGroup
	claimed, err := f.d.dispatchDue(context.Background(), nil, &wg)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed)
	assert.Equal(t, 2, f.d.InFlight(f.sub.ID))
	assert.Equal(t, []string{f.sub.ID}, f.d.saturatedSubscribers())

	close(release)
	wg.Wait()
	assert.Zero(t, f.d.InFlight(f.sub.ID))

	f.runUntilIdle(t, 20)
	assert.Equal(t, int32(5), atomic.LoadInt32(&started))
}

func TestDispatcher_CancelSubscriber(t *testing.T) {
	arrived := make(chan struct{}, 1)
	f := newFixture(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-r.Context().Done()
	})
	ids := f.publish(t, 1)

	var wg sync.WaitGroup
	_, err := f.d.dispatchDue(context.Background(), nil, &wg)
	require.NoError(t, err)

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the subscriber")
	}
	assert.Equal(t, 1, f.d.CancelSubscriber(f.sub.ID))
	wg.Wait()

	d := f.delivery(t, ids[0])
	assert.Equal(t, models.DeliveryStatePending, d.State)
	assert.Equal(t, 0, d.AttemptCount)
	assert.Empty(t, d.LeaseOwner)
	assert.Contains(t, d.LastError, "cancelled")
	assert.Empty(t, f.attempts(t, ids[0]))
}

func TestDispatcher_CancelledAttemptsKeepRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	var calls int32
	arrived := make(chan struct{}, 1)
	f := newFixture(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			arrived <- struct{}{}
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ids := f.publish(t, 1)

	var wg sync.WaitGroup
	_, err := f.d.dispatchDue(context.Background(), nil, &wg)
	require.NoError(t, err)
	<-arrived
	f.d.CancelSubscriber(f.sub.ID)
	wg.Wait()

	f.runUntilIdle(t, 20)

	d := f.delivery(t, ids[0])
	assert.Equal(t, models.DeliveryStateDelivered, d.State)
	assert.Equal(t, 1, d.AttemptCount)
	attempts := f.attempts(t, ids[0])
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptStatusSuccess, attempts[0].Status)
}

func TestDispatcher_TwoInstancesDeliverEachEventOnce(t *testing.T) {
	var mu sync.Mutex
	received := make(map[string]int)
	delivered := make(map[string]int)
	f := newFixture(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(webhooks.HeaderID)
		mu.Lock()
		received[id]++
		first := received[id] == 1
		if !first {
			delivered[id]++
		}
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ids := f.publish(t, 20)
	instances := []*Dispatcher{f.d, New(f.repo, testConfig())}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, d := range instances {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_, err := d.RunOnce(context.Background())
				assert.NoError(t, err)
				time.Sleep(2 * time.Millisecond)
			}
		}(d)
	}
	require.Eventually(t, func() bool {
		for _, id := range ids {
			d, err := f.repo.GetDelivery(context.Background(), id)
			if err != nil || d.State != models.DeliveryStateDelivered {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	close(done)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, delivered[id], "event %s", id)
		assert.Equal(t, 2, received[id], "event %s", id)

		attempts := f.attempts(t, id)
		require.Len(t, attempts, 2)
		for i := 1; i < len(attempts); i++ {
			assert.Greater(t, attempts[i].AttemptNo, attempts[i-1].AttemptNo)
		}
		assert.Equal(t, models.AttemptStatusFailed, attempts[0].Status)
		assert.Equal(t, models.AttemptStatusSuccess, attempts[1].Status)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	f := newFixture(t, testConfig(), status(http.StatusOK))
	ids := f.publish(t, 1)

	f.d.Start()
	f.d.Start()
	assert.True(t, f.d.IsRunning())

	require.Eventually(t, func() bool {
		d, err := f.repo.GetDelivery(context.Background(), ids[0])
		return err == nil && d.State == models.DeliveryStateDelivered
	}, 2*time.Second, 10*time.Millisecond)

	f.d.Stop()
	assert.False(t, f.d.IsRunning())
}

func TestDispatcher_ExpiredLeaseIsRecovered(t *testing.T) {
	f := newFixture(t, testConfig(), status(http.StatusOK))
	ids := f.publish(t, 1)
	ctx := context.Background()

	// a worker that died holding the lease
	ok, err := f.repo.Claim(ctx, f.delivery(t, ids[0]), "dispatcher:gone", time.Now().UTC().Add(-time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	m := NewManager(f.d, f.repo, nil, nil, ManagerConfig{})
	m.sweepLeases(ctx)
	assert.Equal(t, models.DeliveryStatePending, f.delivery(t, ids[0]).State)

	f.runUntilIdle(t, 10)
	d := f.delivery(t, ids[0])
	assert.Equal(t, models.DeliveryStateDelivered, d.State)
	assert.Equal(t, 1, d.AttemptCount)
}
