package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
	"github.com/ManuelReschke/ClubPay/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/ClubPay/internal/pkg/idempotency"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
)

// fakeGateway records calls and returns scripted outcomes
type fakeGateway struct {
	mu         sync.Mutex
	calls      map[string]int
	tokens     []string
	captureErr error
	voidErr    error
	refundErr  error
	refundWait time.Duration
	status     *processor.StatusResult
	statusErr  error
	lastRefund processor.RefundRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: make(map[string]int)}
}

func (g *fakeGateway) record(op, token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	g.tokens = append(g.tokens, token)
}

func (g *fakeGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) Name() string { return models.ProcessorStripe }

func (g *fakeGateway) SignatureHeader() string { return "Stripe-Signature" }

func (g *fakeGateway) Capture(ctx context.Context, req processor.CaptureRequest) error {
	g.record("capture", req.IdempotencyToken)
	return g.captureErr
}

func (g *fakeGateway) Void(ctx context.Context, req processor.VoidRequest) error {
	g.record("void", req.IdempotencyToken)
	return g.voidErr
}

func (g *fakeGateway) Refund(ctx context.Context, req processor.RefundRequest) (*processor.RefundResult, error) {
	g.record("refund", req.IdempotencyToken)
	g.mu.Lock()
	g.lastRefund = req
	wait := g.refundWait
	g.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &processor.RefundResult{ProcessorRefundID: "re_" + req.Reference}, nil
}

func (g *fakeGateway) FetchStatus(ctx context.Context, id string) (*processor.StatusResult, error) {
	g.record("fetch_status", "")
	return g.status, g.statusErr
}

func (g *fakeGateway) VerifySignature(raw []byte, header string) (*processor.Event, error) {
	return nil, errors.New("not supported")
}

func (g *fakeGateway) ParseEvent(raw []byte) (*processor.Event, error) {
	return nil, errors.New("not supported")
}

// flakyStore fails the first failCommits commits
type flakyStore struct {
	idempotency.Store
	mu          sync.Mutex
	failCommits int
	commits     int
}

func (s *flakyStore) Commit(ctx context.Context, res *idempotency.Reservation, result []byte) error {
	s.mu.Lock()
	s.commits++
	fail := s.commits <= s.failCommits
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return s.Store.Commit(ctx, res, result)
}

type fixture struct {
	db    *gorm.DB
	repos *repository.Repositories
	gw    *fakeGateway
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	repos := repository.NewRepositories(db)
	gw := newFakeGateway()
	svc := NewService(Dependencies{
		Payments:       repos.Payment,
		Webhooks:       repos.Webhook,
		Gateways:       processor.NewRegistry(gw),
		Idempotency:    idempotency.NewMemoryStore(idempotency.Config{}),
		CommandTimeout: 5 * time.Second,
	})

	require.NoError(t, repos.Webhook.CreateSubscriber(t.Context(), &models.WebhookSubscriber{
		URL:     "https://hooks.example.com/all",
		Enabled: true,
		Secret:  "subscriber-secret-0001",
	}))
	return &fixture{db: db, repos: repos, gw: gw, svc: svc}
}

func (f *fixture) seedPayment(t *testing.T, status models.PaymentStatus, amount, refunded int64) *models.Payment {
	t.Helper()
	_, p, err := f.repos.Payment.CreateIfNotExists(t.Context(), &models.Payment{
		TenantID:            "tenant-1",
		BookingID:           "booking-1",
		Processor:           models.ProcessorStripe,
		ProcessorPaymentID:  "pi_" + uuid.NewString(),
		AmountCents:         amount,
		Currency:            "EUR",
		Status:              status,
		RefundedAmountCents: refunded,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) payment(t *testing.T, id string) *models.Payment {
	t.Helper()
	p, err := f.repos.Payment.GetByID(t.Context(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) eventCount(t *testing.T, eventType string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func cents(v int64) *int64 { return &v }
