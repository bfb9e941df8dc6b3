package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const stripeMetadataPaymentIntent = "stripe_payment_intent"

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type StripeProvider struct {
	cfg    StripeConfig
	client *http.Client
}

func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.SignatureToleranceSeconds <= 0 {
		cfg.SignatureToleranceSeconds = 300
	}

	return &StripeProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *StripeProvider) Name() string {
	return "stripe"
}

// CreatePayment opens a hosted checkout session. Stripe already expects
// amounts in minor units, so no conversion happens here.
func (p *StripeProvider) CreatePayment(ctx context.Context, input *CreateInput) (*PaymentHandle, error) {
	if strings.TrimSpace(p.cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: stripe secret key missing", ErrProviderNotConfigured)
	}

	body, err := p.postForm(ctx, "/v1/checkout/sessions", checkoutSessionForm(input))
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID        string `json:"id"`
		URL       string `json:"url"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	handle := &PaymentHandle{
		ProviderPaymentID: strings.TrimSpace(payload.ID),
		Status:            EventStatusPending,
	}
	if s := strings.TrimSpace(payload.URL); s != "" {
		handle.CheckoutURL = &s
	}
	if payload.ExpiresAt > 0 {
		t := time.Unix(payload.ExpiresAt, 0).UTC()
		handle.ExpiresAt = &t
	}

	return handle, nil
}

func (p *StripeProvider) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*PaymentHandle, error) {
	if strings.TrimSpace(providerPaymentID) == "" {
		return nil, fmt.Errorf("%w: empty payment id", ErrInvalidRequest)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.stripe.com/v1/checkout/sessions/"+url.PathEscape(providerPaymentID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, stripeError(resp.StatusCode, "/v1/checkout/sessions", body)
	}

	var payload struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PaymentStatus string `json:"payment_status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	return &PaymentHandle{
		ProviderPaymentID: strings.TrimSpace(payload.ID),
		Status:            stripeSessionStatus(payload.Status, payload.PaymentStatus),
	}, nil
}

// VerifyWebhook checks the Stripe-Signature header before any field of
// the payload is trusted. The comparison runs through hmac.Equal.
func (p *StripeProvider) VerifyWebhook(_ context.Context, payload []byte, signature string) (*WebhookEvent, error) {
	if strings.TrimSpace(p.cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret missing", ErrProviderNotConfigured)
	}
	if !verifyStripeSignature(payload, signature, p.cfg.WebhookSecret, p.cfg.SignatureToleranceSeconds) {
		return nil, ErrInvalidSignature
	}

	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID                string            `json:"id"`
				ClientReferenceID string            `json:"client_reference_id"`
				PaymentIntent     json.RawMessage   `json:"payment_intent"`
				AmountTotal       int64             `json:"amount_total"`
				AmountRefunded    int64             `json:"amount_refunded"`
				Currency          string            `json:"currency"`
				Metadata          map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
		Created int64 `json:"created"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	object := event.Data.Object
	result := &WebhookEvent{
		Provider:          p.Name(),
		ProviderPaymentID: strings.TrimSpace(object.ID),
		ExternalReference: strings.TrimSpace(object.ClientReferenceID),
		EventType:         event.Type,
		AmountCents:       object.AmountTotal,
		Currency:          strings.ToUpper(strings.TrimSpace(object.Currency)),
		Metadata:          map[string]string{},
	}
	if s := strings.TrimSpace(event.ID); s != "" {
		result.ProviderEventID = &s
	}
	for k, v := range object.Metadata {
		result.Metadata[k] = v
	}
	if result.ExternalReference == "" {
		result.ExternalReference = strings.TrimSpace(object.Metadata["transaction_code"])
	}
	if intent := rawStringish(object.PaymentIntent); intent != "" {
		result.Metadata[stripeMetadataPaymentIntent] = intent
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		result.Status = EventStatusPaid
		if event.Created > 0 {
			t := time.Unix(event.Created, 0).UTC()
			result.PaidAt = &t
		}
	case "checkout.session.async_payment_failed":
		result.Status = EventStatusFailed
		reason := "asynchronous payment failed"
		result.FailureReason = &reason
	case "checkout.session.expired":
		result.Status = EventStatusExpired
	case "charge.refunded":
		result.Status = EventStatusRefunded
		result.AmountCents = object.AmountRefunded
	default:
		result.Status = EventStatusUnknown
	}

	return result, nil
}

// RefundPayment refunds through /v1/refunds, which is keyed by payment
// intent rather than checkout session. The intent id is captured from the
// completed-checkout webhook; without it the refund has to be manual.
func (p *StripeProvider) RefundPayment(ctx context.Context, input *RefundInput) (*RefundHandle, error) {
	intent := strings.TrimSpace(input.Metadata[stripeMetadataPaymentIntent])
	if intent == "" {
		return nil, fmt.Errorf("%w: payment intent unknown for this session", ErrRefundNotSupported)
	}

	values := url.Values{}
	values.Set("payment_intent", intent)
	if input.AmountCents > 0 {
		values.Set("amount", strconv.FormatInt(input.AmountCents, 10))
	}
	if reason := strings.TrimSpace(input.Reason); reason != "" {
		values.Set("metadata[reason]", reason)
	}

	body, err := p.postForm(ctx, "/v1/refunds", values)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID     string `json:"id"`
		Amount int64  `json:"amount"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	status := EventStatusRefunded
	if payload.Status == "pending" {
		status = EventStatusPending
	}

	return &RefundHandle{
		RefundID:    strings.TrimSpace(payload.ID),
		AmountCents: payload.Amount,
		Status:      status,
	}, nil
}

func (p *StripeProvider) postForm(ctx context.Context, path string, values url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.stripe.com"+path, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, stripeError(resp.StatusCode, path, body)
	}

	return body, nil
}

func stripeError(statusCode int, path string, body []byte) error {
	base := ErrGatewayUnavailable
	if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests {
		base = ErrInvalidRequest
	}
	return fmt.Errorf("%w: stripe request failed: path=%s status=%d body=%s", base, path, statusCode, string(body))
}

func stripeSessionStatus(status, paymentStatus string) EventStatus {
	if status == "expired" {
		return EventStatusExpired
	}
	switch paymentStatus {
	case "paid", "no_payment_required":
		return EventStatusPaid
	case "unpaid":
		return EventStatusPending
	default:
		return EventStatusUnknown
	}
}

// checkoutSessionForm encodes the /v1/checkout/sessions request. The
// transaction code is placed on the session metadata and on
// payment_intent_data metadata: refund webhooks arrive as charge events,
// and a charge only carries the payment intent's metadata, never the
// session's.
func checkoutSessionForm(input *CreateInput) url.Values {
	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", strings.ToLower(input.Currency))
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(input.AmountCents, 10))
	values.Set("line_items[0][price_data][product_data][name]", productName(input))
	values.Set("client_reference_id", input.TransactionCode)

	for k, v := range input.Metadata {
		values.Set("metadata["+k+"]", v)
	}
	values.Set("metadata[transaction_code]", input.TransactionCode)
	values.Set("payment_intent_data[metadata][transaction_code]", input.TransactionCode)

	if input.ExpiresIn > 0 {
		expiresAt := time.Now().Add(input.ExpiresIn).Unix()
		values.Set("expires_at", strconv.FormatInt(expiresAt, 10))
	}

	return values
}

func productName(input *CreateInput) string {
	name := strings.TrimSpace(input.Description)
	if name == "" {
		name = "assessment package"
	}
	return name
}

func verifyStripeSignature(payload []byte, signatureHeader string, webhookSecret string, toleranceSeconds int64) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" || strings.TrimSpace(webhookSecret) == "" {
		return false
	}

	parts := strings.Split(signatureHeader, ",")
	var ts string
	v1 := make([]string, 0, 1)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "t=") {
			ts = strings.TrimSpace(strings.TrimPrefix(part, "t="))
		}
		if strings.HasPrefix(part, "v1=") {
			v1 = append(v1, strings.TrimSpace(strings.TrimPrefix(part, "v1=")))
		}
	}
	if ts == "" || len(v1) == 0 {
		return false
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	if now-tsUnix > toleranceSeconds || tsUnix-now > toleranceSeconds {
		return false
	}

	signedPayload := []byte(ts + "." + string(payload))
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write(signedPayload)
	expected := mac.Sum(nil)

	for _, sig := range v1 {
		candidate, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(candidate, expected) {
			return true
		}
	}

	return false
}

func rawStringish(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return strings.TrimSpace(s)
		}
		return ""
	}
	var obj map[string]interface{}
	if json.Unmarshal(raw, &obj) == nil {
		if id, ok := obj["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}
