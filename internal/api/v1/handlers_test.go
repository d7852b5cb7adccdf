package apiv1

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ClubPay/app/models"
	"github.com/ManuelReschke/ClubPay/internal/pkg/processor"
	"github.com/ManuelReschke/ClubPay/internal/pkg/webhooks"
)

func authorization(processorPaymentID string) RecordAuthorizationRequest {
	return RecordAuthorizationRequest{
		TenantID:           "tenant-1",
		BookingID:          "booking-1",
		Processor:          "stripe",
		ProcessorPaymentID: processorPaymentID,
		AmountCents:        5000,
		Currency:           "eur",
	}
}

func TestGetPing(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/v1/ping", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", body["ping"])
}

func TestPostPayment(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/admin/payments", "", authorization("pi_1"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	code, body = f.do(t, http.MethodPost, "/api/v1/admin/payments", "auth-1", authorization("pi_1"))
	require.Equal(t, http.StatusCreated, code)
	payment := nested(body, "payment")
	assert.Equal(t, "authorized", payment["status"])
	assert.Equal(t, "EUR", payment["currency"])
	id := payment["id"]

	// Same key replays the stored result
	code, body = f.do(t, http.MethodPost, "/api/v1/admin/payments", "auth-1", authorization("pi_1"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, nested(body, "payment")["id"])

	// A new key for the same processor payment returns the existing row
	code, body = f.do(t, http.MethodPost, "/api/v1/admin/payments", "auth-2", authorization("pi_1"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, nested(body, "payment")["id"])

	changed := authorization("pi_1")
	changed.AmountCents = 7000
	code, body = f.do(t, http.MethodPost, "/api/v1/admin/payments", "auth-3", changed)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", errorCode(body))

	invalid := authorization("pi_2")
	invalid.AmountCents = 0
	code, body = f.do(t, http.MethodPost, "/api/v1/admin/payments", "auth-4", invalid)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))
}

func TestCaptureVoidAndDetails(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/api/v1/admin/payments", "auth-1", authorization("pi_1"))
	id := nested(body, "payment")["id"].(string)

	code, body := f.do(t, http.MethodPost, "/api/v1/admin/payments/"+id+"/capture", "cap-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "submitted_for_settlement", nested(body, "payment")["status"])

	code, body = f.do(t, http.MethodPost, "/api/v1/admin/payments/"+id+"/refund", "ref-1", RefundRequest{})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_STATE", errorCode(body))
	assert.Equal(t, "submitted_for_settlement", nested(body, "error")["status"])

	code, body = f.do(t, http.MethodPost, "/api/v1/admin/payments/"+id+"/void", "void-1", VoidRequest{Reason: "booking cancelled"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "voided", nested(body, "payment")["status"])

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/payments/"+id, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "voided", nested(body, "payment")["status"])
	history, ok := body["history"].([]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(history), 2)

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/payments/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestCaptureRequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	p := f.settledPayment(t, 5000)

	code, body := f.do(t, http.MethodPost, "/api/v1/admin/payments/"+p.ID+"/capture", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))
}

func TestPostPaymentRefund(t *testing.T) {
	f := newFixture(t)
	p := f.settledPayment(t, 5000)
	path := "/api/v1/admin/payments/" + p.ID + "/refund"

	amount := int64(9000)
	code, body := f.do(t, http.MethodPost, path, "ref-over", RefundRequest{AmountCents: &amount})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "INVALID_AMOUNT", errorCode(body))
	assert.EqualValues(t, 5000, nested(body, "error")["remaining_cents"])

	amount = 2000
	code, body = f.do(t, http.MethodPost, path, "ref-1", RefundRequest{AmountCents: &amount, Reason: "goodwill", InitiatedBy: "admin-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "partial_refunded", nested(body, "payment")["status"])
	assert.Equal(t, "settled", nested(body, "refund")["status"])
	assert.EqualValues(t, 2000, nested(body, "payment")["refunded_amount_cents"])

	f.gw.refundErr = &processor.Error{
		Processor: "stripe",
		Op:        "refund",
		Class:     processor.ClassNonRetryable,
		Code:      "charge_disputed",
		Message:   "charge is disputed",
	}
	code, body = f.do(t, http.MethodPost, path, "ref-2", RefundRequest{})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "PROCESSOR_ERROR", errorCode(body))
	assert.Equal(t, "non_retryable", nested(body, "error")["class"])
	assert.Equal(t, "charge_disputed", nested(body, "error")["processor_code"])
	assert.Equal(t, "failed", nested(body, "refund")["status"])
	assert.Equal(t, "partial_refunded", nested(body, "payment")["status"])
}

func TestRefundOnUnconfiguredProcessor(t *testing.T) {
	f := newFixture(t)
	_, p, err := f.repos.Payment.CreateIfNotExists(t.Context(), &models.Payment{
		TenantID:           "tenant-1",
		BookingID:          "booking-2",
		Processor:          models.ProcessorBraintree,
		ProcessorPaymentID: "bt_" + uuid.NewString(),
		AmountCents:        5000,
		Currency:           "EUR",
		Status:             models.PaymentStatusSettled,
	})
	require.NoError(t, err)

	code, body := f.do(t, http.MethodPost, "/api/v1/admin/payments/"+p.ID+"/refund", "ref-bt", RefundRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "PROCESSOR_NOT_CONFIGURED", errorCode(body))
}

func TestSubscriberLifecycle(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/admin/subscribers", "", CreateSubscriberRequest{
		URL:        f.sink.URL,
		EventTypes: []string{"payment.unknown"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	code, body = f.do(t, http.MethodPost, "/api/v1/admin/subscribers", "", CreateSubscriberRequest{
		TenantID:   "tenant-1",
		URL:        f.sink.URL,
		EventTypes: []string{webhooks.EventPaymentSettled, webhooks.EventPaymentRefunded},
	})
	require.Equal(t, http.StatusCreated, code)
	id := body["id"].(string)
	assert.NotEmpty(t, body["secret"])
	assert.Equal(t, true, body["enabled"])
	assert.Len(t, body["event_types"], 2)

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/subscribers", "", nil)
	require.Equal(t, http.StatusOK, code)
	subs := body["subscribers"].([]any)
	require.Len(t, subs, 1)
	assert.NotContains(t, subs[0].(map[string]any), "secret")

	code, body = f.do(t, http.MethodPost, "/api/v1/admin/subscribers/"+id+"/disable", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["enabled"])

	code, body = f.do(t, http.MethodPost, "/api/v1/admin/subscribers/"+id+"/enable", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["enabled"])

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/subscribers/"+id, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["id"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/admin/subscribers/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWebhookEventReplayAndReliability(t *testing.T) {
	f := newFixture(t)
	sub := f.subscriber(t)

	_, body := f.do(t, http.MethodPost, "/api/v1/admin/payments", "auth-1", authorization("pi_1"))
	id := nested(body, "payment")["id"].(string)
	code, _ := f.do(t, http.MethodPost, "/api/v1/admin/payments/"+id+"/capture", "cap-1", nil)
	require.Equal(t, http.StatusOK, code)

	due, err := f.repos.Webhook.ListDue(t.Context(), time.Now().Add(time.Hour), nil, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	eventID := due[0].EventID

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/webhook-events/"+eventID, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, webhooks.EventPaymentCaptured, nested(body, "event")["event_type"])
	assert.Equal(t, "pending", nested(body, "delivery")["state"])
	assert.Empty(t, body["attempts"])

	code, body = f.do(t, http.MethodPost, "/api/v1/admin/webhook-events/"+eventID+"/replay", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", nested(body, "attempt")["status"])
	assert.Equal(t, true, nested(body, "attempt")["manual"])
	assert.Equal(t, "delivered", nested(body, "delivery")["state"])

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/webhook-events/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/subscribers/"+sub.ID+"/reliability", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sub.ID, body["subscriber_id"])
	assert.EqualValues(t, 1, body["total_events"])
	assert.EqualValues(t, 1, body["successful_events"])
	assert.EqualValues(t, 1, body["success_rate"])
}

func TestGetSubscriberReliabilityValidation(t *testing.T) {
	f := newFixture(t)
	sub := f.subscriber(t)
	base := "/api/v1/admin/subscribers/" + sub.ID + "/reliability"

	code, body := f.do(t, http.MethodGet, base+"?from=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	now := time.Now().UTC()
	q := url.Values{}
	q.Set("from", now.Format(time.RFC3339))
	q.Set("to", now.Add(-time.Hour).Format(time.RFC3339))
	code, body = f.do(t, http.MethodGet, base+"?"+q.Encode(), "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/subscribers/missing/reliability", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}
