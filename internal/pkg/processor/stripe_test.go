package processor

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/ManuelReschke/ClubPay/app/models"
)

const testStripeSecret = "whsec_test_secret"

func newTestStripe(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewStripeGateway(&StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testStripeSecret,
		APIURL:        srv.URL,
		Timeout:       300 * time.Millisecond,
	})
}

func TestStripeCapture_PassesIdempotencyKey(t *testing.T) {
	var gotKey, gotPath, gotAmount string
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		_ = r.ParseForm()
		gotAmount = r.PostForm.Get("amount_to_capture")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_1","object":"payment_intent","status":"succeeded","amount":5000}`)
	})

	err := g.Capture(t.Context(), CaptureRequest{ProcessorPaymentID: "pi_1", AmountCents: 5000, IdempotencyToken: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", gotKey)
	assert.Equal(t, "/v1/payment_intents/pi_1/capture", gotPath)
	assert.Equal(t, "5000", gotAmount)
}

func TestStripeErrors_AreClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorClass
	}{
		{"card declined", http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"card_declined","message":"declined"}}`, ClassNonRetryable},
		{"invalid request", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"bad"}}`, ClassNonRetryable},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"type":"api_error","message":"slow down"}}`, ClassRetryable},
		{"server error", http.StatusInternalServerError, `{"error":{"type":"api_error","message":"boom"}}`, ClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := g.Refund(t.Context(), RefundRequest{ProcessorPaymentID: "pi_1", AmountCents: 100, Reference: "ref-1"})
			require.Error(t, err)
			assert.Equal(t, tt.want, ClassOf(err))
		})
	}
}

func TestStripeTimeout_IsAmbiguous(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	})
	err := g.Void(t.Context(), VoidRequest{ProcessorPaymentID: "pi_1"})
	require.Error(t, err)
	assert.Equal(t, ClassAmbiguous, ClassOf(err))
}

func TestStripeFetchStatus_ReportsRefunds(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/payment_intents/"):
			fmt.Fprint(w, `{"id":"pi_1","object":"payment_intent","status":"succeeded","amount":5000}`)
		case r.URL.Path == "/v1/refunds":
			fmt.Fprint(w, `{"object":"list","url":"/v1/refunds","has_more":false,"data":[
				{"id":"re_1","object":"refund","amount":2000,"status":"succeeded","metadata":{"refund_id":"ref-1"}}]}`)
		default:
			http.NotFound(w, r)
		}
	})

	res, err := g.FetchStatus(t.Context(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPartialRefunded, res.Status)
	info, ok := res.FindRefund("ref-1")
	require.True(t, ok)
	assert.Equal(t, "re_1", info.ProcessorRefundID)
	assert.Equal(t, int64(2000), info.AmountCents)
}

func TestStripeFetchStatus_PartialCaptureFullyRefunded(t *testing.T) {
	g := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/payment_intents/"):
			fmt.Fprint(w, `{"id":"pi_1","object":"payment_intent","status":"succeeded","amount":5000,"amount_received":2000}`)
		case r.URL.Path == "/v1/refunds":
			fmt.Fprint(w, `{"object":"list","url":"/v1/refunds","has_more":false,"data":[
				{"id":"re_1","object":"refund","amount":2000,"status":"succeeded","metadata":{"refund_id":"ref-1"}}]}`)
		default:
			http.NotFound(w, r)
		}
	})

	res, err := g.FetchStatus(t.Context(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, res.Status)
}

func signStripe(payload []byte, secret string, at time.Time) string {
	sig := webhook.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}

func TestStripeVerifySignature(t *testing.T) {
	g := NewStripeGateway(&StripeConfig{SecretKey: "sk_test", WebhookSecret: testStripeSecret})
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","created":1700000000,
		"data":{"object":{"id":"pi_9","object":"payment_intent","status":"succeeded"}}}`)

	t.Run("valid", func(t *testing.T) {
		ev, err := g.VerifySignature(payload, signStripe(payload, testStripeSecret, time.Now()))
		require.NoError(t, err)
		assert.Equal(t, "evt_1", ev.ID)
		assert.Equal(t, EventKindStatus, ev.Kind)
		assert.Equal(t, models.PaymentStatusSettled, ev.Status)
		assert.Equal(t, "pi_9", ev.ProcessorPaymentID)
		assert.Equal(t, int64(1700000000), ev.Sequence)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := g.VerifySignature(payload, signStripe(payload, "whsec_other", time.Now()))
		var sigErr *SignatureError
		assert.ErrorAs(t, err, &sigErr)
	})

	t.Run("expired timestamp", func(t *testing.T) {
		_, err := g.VerifySignature(payload, signStripe(payload, testStripeSecret, time.Now().Add(-time.Hour)))
		var sigErr *SignatureError
		assert.ErrorAs(t, err, &sigErr)
	})
}

func TestStripeParseEvent_ChargeRefunded(t *testing.T) {
	g := NewStripeGateway(&StripeConfig{SecretKey: "sk_test"})
	ev, err := g.ParseEvent([]byte(`{"id":"evt_2","object":"event","type":"charge.refunded","created":1700000100,
		"data":{"object":{"id":"ch_1","object":"charge","amount":5000,"amount_refunded":3000,"payment_intent":"pi_9"}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventKindRefund, ev.Kind)
	assert.Equal(t, "pi_9", ev.ProcessorPaymentID)
	assert.Equal(t, int64(3000), ev.RefundedTotalCents)
}

func TestStripeParseEvent_UnknownTypeIgnored(t *testing.T) {
	g := NewStripeGateway(&StripeConfig{SecretKey: "sk_test"})
	ev, err := g.ParseEvent([]byte(`{"id":"evt_3","object":"event","type":"customer.created","created":1,"data":{"object":{"id":"cus_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventKindIgnored, ev.Kind)
}
