package apiv1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/ClubPay/internal/pkg/dispatcher"
	"github.com/ManuelReschke/ClubPay/internal/pkg/idempotency"
	"github.com/ManuelReschke/ClubPay/internal/pkg/payments"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
	"github.com/ManuelReschke/ClubPay/internal/pkg/reliability"
	"github.com/ManuelReschke/ClubPay/internal/pkg/webhooks"
)

// stubGateway answers every processor call locally
type stubGateway struct {
	mu        sync.Mutex
	refundErr error
}

func (g *stubGateway) Name() string { return models.ProcessorStripe }

func (g *stubGateway) SignatureHeader() string { return "Stripe-Signature" }

func (g *stubGateway) Capture(ctx context.Context, req processor.CaptureRequest) error { return nil }

func (g *stubGateway) Void(ctx context.Context, req processor.VoidRequest) error { return nil }

func (g *stubGateway) Refund(ctx context.Context, req processor.RefundRequest) (*processor.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &processor.RefundResult{ProcessorRefundID: "re_" + req.Reference}, nil
}

func (g *stubGateway) FetchStatus(ctx context.Context, id string) (*processor.StatusResult, error) {
	return nil, errors.New("status not available")
}

func (g *stubGateway) VerifySignature(raw []byte, header string) (*processor.Event, error) {
	return nil, &processor.SignatureError{Processor: models.ProcessorStripe, Reason: "stub"}
}

func (g *stubGateway) ParseEvent(raw []byte) (*processor.Event, error) {
	return nil, errors.New("stub")
}

type fixture struct {
	app   *fiber.App
	repos *repository.Repositories
	gw    *stubGateway
	sink  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	repos := repository.NewRepositories(db)
	gw := &stubGateway{}

	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sink.Close)

	d := dispatcher.New(repos.Webhook, dispatcher.Config{
		Workers:        2,
		MaxAttempts:    3,
		RequestTimeout: 2 * time.Second,
		BackoffBase:    time.Millisecond,
		BackoffMax:     time.Millisecond,
		LeaseDuration:  time.Minute,
	})
	svc := payments.NewService(payments.Dependencies{
		Payments:       repos.Payment,
		Webhooks:       repos.Webhook,
		Gateways:       processor.NewRegistry(gw),
		Idempotency:    idempotency.NewMemoryStore(idempotency.Config{}),
		CommandTimeout: 5 * time.Second,
	})

	app := fiber.New()
	RegisterHandlers(app.Group("/api/v1"), NewAPIServer(Dependencies{
		Payments:    svc,
		Subscribers: webhooks.NewSubscriberService(repos.Webhook, d),
		Replayer:    dispatcher.NewReplayer(repos.Webhook, d),
		Events:      repos.Webhook,
		Reliability: reliability.NewAggregator(repos.Webhook, 3),
	}))
	return &fixture{app: app, repos: repos, gw: gw, sink: sink}
}

// do sends a JSON request and decodes the JSON response
func (f *fixture) do(t *testing.T, method, path, key string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (f *fixture) subscriber(t *testing.T) *models.WebhookSubscriber {
	t.Helper()
	sub := &models.WebhookSubscriber{URL: f.sink.URL, Enabled: true, Secret: "subscriber-secret-0001"}
	require.NoError(t, f.repos.Webhook.CreateSubscriber(t.Context(), sub))
	return sub
}

func (f *fixture) settledPayment(t *testing.T, amount int64) *models.Payment {
	t.Helper()
	_, p, err := f.repos.Payment.CreateIfNotExists(t.Context(), &models.Payment{
		TenantID:           "tenant-1",
		BookingID:          "booking-1",
		Processor:          models.ProcessorStripe,
		ProcessorPaymentID: "pi_" + uuid.NewString(),
		AmountCents:        amount,
		Currency:           "EUR",
		Status:             models.PaymentStatusSettled,
	})
	require.NoError(t, err)
	return p
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func nested(body map[string]any, key string) map[string]any {
	m, _ := body[key].(map[string]any)
	return m
}
