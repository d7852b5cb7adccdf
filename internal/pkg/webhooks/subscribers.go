package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/app/repository"
)

// ErrUnknownEventType is returned for subscriptions to event types that are
// never emitted.
var ErrUnknownEventType = errors.New("unknown event type")

// Canceller aborts in-flight deliveries of a subscriber. The dispatcher
// implements it.
type Canceller interface {
	CancelSubscriber(subscriberID string) int
}

// SubscriberService manages webhook subscribers
type SubscriberService struct {
	repo      repository.WebhookRepository
	canceller Canceller
}

// NewSubscriberService creates a subscriber service. canceller may be nil
// when no dispatcher runs in the process.
func NewSubscriberService(repo repository.WebhookRepository, canceller Canceller) *SubscriberService {
	return &SubscriberService{repo: repo, canceller: canceller}
}

type CreateSubscriberInput struct {
	TenantID    string
	URL         string
	Secret      string
	EventTypes  []string
	Description string
}

// Create registers an enabled subscriber. A secret is generated when none
// is given; callers read it once from the returned value.
func (s *SubscriberService) Create(ctx context.Context, in CreateSubscriberInput) (*models.WebhookSubscriber, error) {
	for _, t := range in.EventTypes {
		if !IsKnownEventType(strings.TrimSpace(t)) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
		}
	}

	sub := &models.WebhookSubscriber{
		URL:         strings.TrimSpace(in.URL),
		Enabled:     true,
		Secret:      in.Secret,
		Description: in.Description,
	}
	if tenant := strings.TrimSpace(in.TenantID); tenant != "" {
		sub.TenantID = &tenant
	}
	if sub.Secret == "" {
		sub.Secret = GenerateSecret()
	}
	sub.SetEventTypes(in.EventTypes)

	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CreateSubscriber(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscriber: %w", err)
	}
	log.Infof("[Webhooks] Subscriber %s created for %s", sub.ID, sub.URL)
	return sub, nil
}

func (s *SubscriberService) Get(ctx context.Context, id string) (*models.WebhookSubscriber, error) {
	return s.repo.GetSubscriber(ctx, id)
}

func (s *SubscriberService) List(ctx context.Context) ([]models.WebhookSubscriber, error) {
	return s.repo.ListSubscribers(ctx)
}

func (s *SubscriberService) Enable(ctx context.Context, id string) (*models.WebhookSubscriber, error) {
	return s.repo.SetSubscriberEnabled(ctx, id, true)
}

// Disable stops new deliveries to the subscriber and cancels the ones in
// flight. Cancelled attempts are recorded as retryable failures, so pending
// events resume when the subscriber is enabled again.
func (s *SubscriberService) Disable(ctx context.Context, id string) (*models.WebhookSubscriber, error) {
	sub, err := s.repo.SetSubscriberEnabled(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if s.canceller != nil {
		if n := s.canceller.CancelSubscriber(id); n > 0 {
			log.Infof("[Webhooks] Cancelled %d in-flight deliveries of subscriber %s", n, id)
		}
	}
	return sub, nil
}

const secretBytes = 32

// GenerateSecret returns a random signing secret carrying 256 bits from
// crypto/rand.
func GenerateSecret() string {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("webhooks: read random secret: %v", err))
	}
	return "whsec_" + hex.EncodeToString(b)
}
