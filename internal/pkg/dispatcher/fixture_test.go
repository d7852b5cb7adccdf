package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/ClubPay/internal/pkg/webhooks"
)

const testSecret = "whsec_test_secret_0123456789"

func testConfig() Config {
	return Config{
		Workers:            4,
		PerSubscriberLimit: 4,
		MaxAttempts:        3,
		RequestTimeout:     2 * time.Second,
		BackoffBase:        time.Millisecond,
		BackoffMax:         time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		LeaseDuration:      time.Minute,
		BatchSize:          50,
	}
}

type fixture struct {
	repo repository.WebhookRepository
	d    *Dispatcher
	srv  *httptest.Server
	sub  *models.WebhookSubscriber
}

func newFixture(t *testing.T, cfg Config, handler http.HandlerFunc) *fixture {
	t.Helper()
	repo := repository.NewWebhookRepository(dbtest.Open(t))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sub := &models.WebhookSubscriber{URL: srv.URL + "/hooks", Secret: testSecret, Enabled: true}
	require.NoError(t, repo.CreateSubscriber(context.Background(), sub))

	return &fixture{repo: repo, d: New(repo, cfg), srv: srv, sub: sub}
}

// publish appends n events for the fixture subscriber and returns their ids.
func (f *fixture) publish(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		events, err := webhooks.FanOut([]models.WebhookSubscriber{*f.sub}, webhooks.Fact{
			Type:       webhooks.EventPaymentSettled,
			TenantID:   "tenant-1",
			OccurredAt: time.Now(),
			Payload:    map[string]int{"seq": i},
		})
		require.NoError(t, err)
		require.NoError(t, f.repo.AppendEvents(context.Background(), events))
		ids = append(ids, events[0].ID)
	}
	return ids
}

func (f *fixture) delivery(t *testing.T, eventID string) *models.WebhookDelivery {
	t.Helper()
	d, err := f.repo.GetDelivery(context.Background(), eventID)
	require.NoError(t, err)
	return d
}

func (f *fixture) attempts(t *testing.T, eventID string) []models.DeliveryAttempt {
	t.Helper()
	a, err := f.repo.ListAttempts(context.Background(), eventID)
	require.NoError(t, err)
	return a
}

// runUntilIdle runs dispatch passes until nothing is claimed twice in a row
// and the backoff window has passed.
func (f *fixture) runUntilIdle(t *testing.T, maxPasses int) {
	t.Helper()
	idle := 0
	for i := 0; i < maxPasses && idle < 2; i++ {
		n, err := f.d.RunOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			idle++
		} else {
			idle = 0
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}
