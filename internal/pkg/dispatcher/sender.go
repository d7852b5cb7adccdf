package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/internal/pkg/webhooks"
)

const maxResponseBody = 64 << 10

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeRetryable OutcomeKind = "retryable"
	// OutcomePermanent is a definitive rejection by the subscriber; the
	// delivery is abandoned rather than dead-lettered.
	OutcomePermanent OutcomeKind = "permanent"
	// OutcomeCancelled is an attempt aborted from our side before the
	// subscriber answered; it does not count against the retry budget.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// DeliveryFailure describes why one attempt failed
type DeliveryFailure struct {
	EventID    string
	HTTPStatus int
	Err        error
}

func (e *DeliveryFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery of %s failed: %v", e.EventID, e.Err)
	}
	return fmt.Sprintf("delivery of %s failed: subscriber answered %d", e.EventID, e.HTTPStatus)
}

func (e *DeliveryFailure) Unwrap() error {
	return e.Err
}

// Outcome is the classified result of one HTTP attempt
type Outcome struct {
	Kind       OutcomeKind
	HTTPStatus int
	Latency    time.Duration
	Err        error
}

func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Sender POSTs signed envelopes to subscribers
type Sender struct {
	client *http.Client
}

// NewSender creates a sender. Redirects are not followed: a 3xx answer is
// treated as a rejection.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{client: &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// Send performs one delivery attempt
func (s *Sender) Send(ctx context.Context, sub *models.WebhookSubscriber, ev *models.WebhookEvent, attemptNo int) Outcome {
	body, err := webhooks.NewEnvelope(ev).Marshal()
	if err != nil {
		return Outcome{Kind: OutcomePermanent, Err: &DeliveryFailure{EventID: ev.ID, Err: err}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: OutcomePermanent, Err: &DeliveryFailure{EventID: ev.ID, Err: err}}
	}
	now := time.Now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ClubPay-Webhooks/1.0")
	req.Header.Set(webhooks.HeaderID, ev.ID)
	req.Header.Set(webhooks.HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(webhooks.HeaderAttempt, strconv.Itoa(attemptNo))
	req.Header.Set(webhooks.HeaderSignature, webhooks.Sign(sub.Secret, body, now))

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Outcome{Kind: OutcomeCancelled, Latency: latency, Err: &DeliveryFailure{EventID: ev.ID, Err: fmt.Errorf("attempt cancelled: %w", err)}}
		}
		return Outcome{Kind: OutcomeRetryable, Latency: latency, Err: &DeliveryFailure{EventID: ev.ID, Err: err}}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	_ = resp.Body.Close()

	out := Outcome{HTTPStatus: resp.StatusCode, Latency: latency}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out.Kind = OutcomeSuccess
		return out
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		out.Kind = OutcomeRetryable
	default:
		out.Kind = OutcomePermanent
	}
	out.Err = &DeliveryFailure{EventID: ev.ID, HTTPStatus: resp.StatusCode}
	return out
}
