package processor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/ClubPay/app/models"
)

// BraintreeGateway talks to the Braintree XML gateway API. A payment's
// processor reference is the sale transaction id. Braintree has no
// idempotency header, so tokens are not passed through.
type BraintreeGateway struct {
	cfg        *BraintreeConfig
	httpClient *http.Client
}

// NewBraintreeGateway creates a Braintree adapter
func NewBraintreeGateway(cfg *BraintreeConfig) *BraintreeGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &BraintreeGateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type btTransaction struct {
	XMLName               xml.Name `xml:"transaction"`
	ID                    string   `xml:"id"`
	Type                  string   `xml:"type"`
	Status                string   `xml:"status"`
	Amount                string   `xml:"amount"`
	OrderID               string   `xml:"order-id"`
	RefundedTransactionID string   `xml:"refunded-transaction-id"`
	RefundIDs             []string `xml:"refund-ids>item"`
}

type btTransactionRequest struct {
	XMLName xml.Name `xml:"transaction"`
	Amount  string   `xml:"amount,omitempty"`
	OrderID string   `xml:"order-id,omitempty"`
}

type btAPIErrorResponse struct {
	XMLName xml.Name `xml:"api-error-response"`
	Message string   `xml:"message"`
}

type btNotification struct {
	XMLName     xml.Name       `xml:"notification"`
	Kind        string         `xml:"kind"`
	Timestamp   string         `xml:"timestamp"`
	Transaction *btTransaction `xml:"subject>transaction"`
}

// btFailedStatuses are terminal transaction states without money movement.
var btFailedStatuses = map[string]bool{
	"processor_declined":    true,
	"gateway_rejected":      true,
	"failed":                true,
	"settlement_declined":   true,
	"authorization_expired": true,
}

func (g *BraintreeGateway) Name() string {
	return models.ProcessorBraintree
}

func (g *BraintreeGateway) SignatureHeader() string {
	return ""
}

func (g *BraintreeGateway) Capture(ctx context.Context, req CaptureRequest) error {
	body := &btTransactionRequest{}
	if req.AmountCents > 0 {
		body.Amount = centsToDecimal(req.AmountCents)
	}
	var txn btTransaction
	if err := g.do(ctx, "capture", http.MethodPut, "/transactions/"+url.PathEscape(req.ProcessorPaymentID)+"/submit_for_settlement", body, &txn); err != nil {
		return err
	}
	return g.rejectFailed("capture", &txn)
}

func (g *BraintreeGateway) Void(ctx context.Context, req VoidRequest) error {
	var txn btTransaction
	if err := g.do(ctx, "void", http.MethodPut, "/transactions/"+url.PathEscape(req.ProcessorPaymentID)+"/void", nil, &txn); err != nil {
		return err
	}
	return g.rejectFailed("void", &txn)
}

func (g *BraintreeGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	body := &btTransactionRequest{
		Amount:  centsToDecimal(req.AmountCents),
		OrderID: req.Reference,
	}
	var txn btTransaction
	if err := g.do(ctx, "refund", http.MethodPost, "/transactions/"+url.PathEscape(req.ProcessorPaymentID)+"/refund", body, &txn); err != nil {
		return nil, err
	}
	if err := g.rejectFailed("refund", &txn); err != nil {
		return nil, err
	}
	return &RefundResult{ProcessorRefundID: txn.ID}, nil
}

func (g *BraintreeGateway) FetchStatus(ctx context.Context, processorPaymentID string) (*StatusResult, error) {
	sale, err := g.find(ctx, processorPaymentID)
	if err != nil {
		return nil, err
	}

	refunds := make([]RefundInfo, 0, len(sale.RefundIDs))
	for _, id := range sale.RefundIDs {
		r, err := g.find(ctx, id)
		if err != nil {
			return nil, err
		}
		amount, err := decimalToCents(r.Amount)
		if err != nil {
			return nil, &Error{Processor: g.Name(), Op: "fetch_status", Class: ClassNonRetryable, Message: err.Error(), Err: err}
		}
		refunds = append(refunds, RefundInfo{
			ProcessorRefundID: r.ID,
			Reference:         r.OrderID,
			AmountCents:       amount,
			Failed:            btFailedStatuses[r.Status],
		})
	}

	status := braintreeStatus(sale.Status)
	if status == models.PaymentStatusSettled {
		amount, err := decimalToCents(sale.Amount)
		if err != nil {
			return nil, &Error{Processor: g.Name(), Op: "fetch_status", Class: ClassNonRetryable, Message: err.Error(), Err: err}
		}
		status = settledStatus(amount, refunds)
	}
	return &StatusResult{Status: status, Refunds: refunds}, nil
}

func (g *BraintreeGateway) find(ctx context.Context, id string) (*btTransaction, error) {
	var txn btTransaction
	if err := g.do(ctx, "fetch_status", http.MethodGet, "/transactions/"+url.PathEscape(id), nil, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// VerifySignature expects the form encoded bt_signature and bt_payload body
// Braintree posts to webhook endpoints.
func (g *BraintreeGateway) VerifySignature(rawBody []byte, _ string) (*Event, error) {
	form, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return nil, &SignatureError{Processor: g.Name(), Reason: "malformed form body"}
	}
	signature := form.Get("bt_signature")
	payload := form.Get("bt_payload")
	if signature == "" || payload == "" {
		return nil, &SignatureError{Processor: g.Name(), Reason: "missing bt_signature or bt_payload"}
	}
	if !g.signatureMatches(signature, payload) {
		return nil, &SignatureError{Processor: g.Name(), Reason: "signature mismatch"}
	}
	return g.parsePayload(payload)
}

func (g *BraintreeGateway) ParseEvent(rawBody []byte) (*Event, error) {
	form, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return nil, fmt.Errorf("decode braintree form: %w", err)
	}
	return g.parsePayload(form.Get("bt_payload"))
}

func (g *BraintreeGateway) signatureMatches(signature, payload string) bool {
	for _, pair := range strings.Split(signature, "&") {
		parts := strings.SplitN(pair, "|", 2)
		if len(parts) != 2 || parts[0] != g.cfg.PublicKey {
			continue
		}
		expected, err := hex.DecodeString(parts[1])
		if err != nil {
			return false
		}
		return hmac.Equal(BraintreeHMAC(g.cfg.PrivateKey, payload), expected)
	}
	return false
}

// BraintreeHMAC is the webhook HMAC-SHA1 keyed with the SHA1 of the private key.
func BraintreeHMAC(privateKey, payload string) []byte {
	key := sha1.Sum([]byte(privateKey))
	mac := hmac.New(sha1.New, key[:])
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func (g *BraintreeGateway) parsePayload(payload string) (*Event, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode braintree payload: %w", err)
	}
	var n btNotification
	if err := xml.Unmarshal(decoded, &n); err != nil {
		return nil, fmt.Errorf("decode braintree notification: %w", err)
	}

	occurred, err := time.Parse(time.RFC3339, strings.TrimSpace(n.Timestamp))
	if err != nil {
		occurred = time.Now().UTC()
	}
	out := &Event{
		Processor:  g.Name(),
		Type:       n.Kind,
		Kind:       EventKindIgnored,
		Sequence:   occurred.Unix(),
		OccurredAt: occurred.UTC(),
	}
	txn := n.Transaction
	if txn == nil {
		out.ID = fmt.Sprintf("%s:%d", n.Kind, occurred.UnixNano())
		return out, nil
	}
	out.ID = fmt.Sprintf("%s:%s:%d", n.Kind, txn.ID, occurred.Unix())

	switch n.Kind {
	case "transaction_settled":
		if txn.Type == "credit" {
			amount, err := decimalToCents(txn.Amount)
			if err != nil {
				return nil, err
			}
			out.Kind = EventKindRefund
			out.ProcessorPaymentID = txn.RefundedTransactionID
			out.RefundID = txn.ID
			out.RefundReference = txn.OrderID
			out.RefundAmountCents = amount
			return out, nil
		}
		out.Kind = EventKindStatus
		out.Status = models.PaymentStatusSettled
		out.ProcessorPaymentID = txn.ID
	case "transaction_settlement_declined":
		if txn.Type == "credit" {
			return out, nil
		}
		out.Kind = EventKindStatus
		out.Status = models.PaymentStatusFailed
		out.ProcessorPaymentID = txn.ID
	}
	return out, nil
}

func braintreeStatus(status string) models.PaymentStatus {
	switch status {
	case "authorized", "authorizing":
		return models.PaymentStatusAuthorized
	case "submitted_for_settlement", "settling", "settlement_pending", "settlement_confirmed":
		return models.PaymentStatusSubmittedForSettlement
	case "settled":
		return models.PaymentStatusSettled
	case "voided":
		return models.PaymentStatusVoided
	}
	if btFailedStatuses[status] {
		return models.PaymentStatusFailed
	}
	return models.PaymentStatusAuthorized
}

func (g *BraintreeGateway) rejectFailed(op string, txn *btTransaction) error {
	if !btFailedStatuses[txn.Status] {
		return nil
	}
	return &Error{
		Processor: g.Name(),
		Op:        op,
		Class:     ClassNonRetryable,
		Code:      txn.Status,
		Message:   fmt.Sprintf("transaction %s ended in status %s", txn.ID, txn.Status),
	}
}

func (g *BraintreeGateway) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := xml.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode braintree request: %w", err)
		}
		reader = bytes.NewReader(append([]byte(xml.Header), buf...))
	}

	endpoint := strings.TrimRight(g.cfg.baseURL(), "/") + "/merchants/" + url.PathEscape(g.cfg.MerchantID) + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build braintree request: %w", err)
	}
	req.SetBasicAuth(g.cfg.PublicKey, g.cfg.PrivateKey)
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("X-ApiVersion", "6")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &Error{Processor: g.Name(), Op: op, Class: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Processor: g.Name(), Op: op, Class: ClassAmbiguous, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 300 {
		var apiErr btAPIErrorResponse
		msg := http.StatusText(resp.StatusCode)
		if xml.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return &Error{
			Processor:  g.Name(),
			Op:         op,
			Class:      classifyHTTPStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}
	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(data, out); err != nil {
		return &Error{Processor: g.Name(), Op: op, Class: ClassAmbiguous, StatusCode: resp.StatusCode, Message: "undecodable response", Err: err}
	}
	return nil
}

func centsToDecimal(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func decimalToCents(amount string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}
