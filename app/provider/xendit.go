package provider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type XenditConfig struct {
	APIKey        string
	CallbackToken string
	HTTPTimeout   time.Duration
}

type XenditProvider struct {
	cfg    XenditConfig
	client *http.Client
}

func NewXenditProvider(cfg XenditConfig) *XenditProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &XenditProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *XenditProvider) Name() string {
	return "xendit"
}

// CreatePayment creates a hosted invoice. Xendit expects amounts in major
// units, so the minor-unit conversion happens here and nowhere else.
func (p *XenditProvider) CreatePayment(ctx context.Context, input *CreateInput) (*PaymentHandle, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: xendit api key missing", ErrProviderNotConfigured)
	}

	metadata := map[string]string{"transaction_code": input.TransactionCode}
	for k, v := range input.Metadata {
		metadata[k] = v
	}

	request := map[string]interface{}{
		"external_id": input.TransactionCode,
		"amount":      toMajorUnits(input.AmountCents, input.Currency),
		"currency":    strings.ToUpper(input.Currency),
		"description": productName(input),
		"metadata":    metadata,
	}
	if input.ExpiresIn > 0 {
		request["invoice_duration"] = int64(input.ExpiresIn.Seconds())
	}
	if method := strings.TrimSpace(input.PaymentMethod); method != "" && method != "any" {
		request["payment_methods"] = []string{strings.ToUpper(method)}
	}

	body, err := p.doJSON(ctx, http.MethodPost, "/v2/invoices", request)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID         string `json:"id"`
		InvoiceURL string `json:"invoice_url"`
		Status     string `json:"status"`
		ExpiryDate string `json:"expiry_date"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	handle := &PaymentHandle{
		ProviderPaymentID: strings.TrimSpace(payload.ID),
		Status:            xenditInvoiceStatus(payload.Status),
	}
	if s := strings.TrimSpace(payload.InvoiceURL); s != "" {
		handle.CheckoutURL = &s
	}
	if t, err := time.Parse(time.RFC3339, payload.ExpiryDate); err == nil {
		expiry := t.UTC()
		handle.ExpiresAt = &expiry
	}

	return handle, nil
}

func (p *XenditProvider) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*PaymentHandle, error) {
	if strings.TrimSpace(providerPaymentID) == "" {
		return nil, fmt.Errorf("%w: empty invoice id", ErrInvalidRequest)
	}

	body, err := p.doJSON(ctx, http.MethodGet, "/v2/invoices/"+url.PathEscape(providerPaymentID), nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	return &PaymentHandle{
		ProviderPaymentID: strings.TrimSpace(payload.ID),
		Status:            xenditInvoiceStatus(payload.Status),
	}, nil
}

// VerifyWebhook compares the x-callback-token header against the token
// Xendit was configured with. The payload is not parsed until the token
// matches.
func (p *XenditProvider) VerifyWebhook(_ context.Context, payload []byte, signature string) (*WebhookEvent, error) {
	expected := strings.TrimSpace(p.cfg.CallbackToken)
	if expected == "" {
		return nil, fmt.Errorf("%w: xendit callback token missing", ErrProviderNotConfigured)
	}
	provided := strings.TrimSpace(signature)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return nil, ErrInvalidSignature
	}

	var event struct {
		ID          string            `json:"id"`
		ExternalID  string            `json:"external_id"`
		Status      string            `json:"status"`
		Amount      float64           `json:"amount"`
		Currency    string            `json:"currency"`
		PaidAt      string            `json:"paid_at"`
		FailureCode string            `json:"failure_code"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	currency := strings.ToUpper(strings.TrimSpace(event.Currency))
	result := &WebhookEvent{
		Provider:          p.Name(),
		ProviderPaymentID: strings.TrimSpace(event.ID),
		ExternalReference: strings.TrimSpace(event.ExternalID),
		EventType:         "invoice." + strings.ToLower(strings.TrimSpace(event.Status)),
		Status:            xenditInvoiceStatus(event.Status),
		AmountCents:       fromMajorUnits(event.Amount, currency),
		Currency:          currency,
		Metadata:          map[string]string{},
	}
	for k, v := range event.Metadata {
		result.Metadata[k] = v
	}
	if result.ExternalReference == "" {
		result.ExternalReference = strings.TrimSpace(event.Metadata["transaction_code"])
	}
	if t, err := time.Parse(time.RFC3339, event.PaidAt); err == nil {
		paidAt := t.UTC()
		result.PaidAt = &paidAt
	}
	if code := strings.TrimSpace(event.FailureCode); code != "" {
		result.FailureReason = &code
	}

	return result, nil
}

func (p *XenditProvider) RefundPayment(ctx context.Context, input *RefundInput) (*RefundHandle, error) {
	request := map[string]interface{}{
		"invoice_id": input.ProviderPaymentID,
		"currency":   strings.ToUpper(input.Currency),
		"reason":     refundReason(input.Reason),
	}
	if input.AmountCents > 0 {
		request["amount"] = toMajorUnits(input.AmountCents, input.Currency)
	}

	body, err := p.doJSON(ctx, http.MethodPost, "/refunds", request)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID     string  `json:"id"`
		Amount float64 `json:"amount"`
		Status string  `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	status := EventStatusRefunded
	if strings.EqualFold(payload.Status, "PENDING") {
		status = EventStatusPending
	}

	return &RefundHandle{
		RefundID:    strings.TrimSpace(payload.ID),
		AmountCents: fromMajorUnits(payload.Amount, input.Currency),
		Status:      status,
	}, nil
}

func (p *XenditProvider) doJSON(ctx context.Context, method, path string, request interface{}) ([]byte, error) {
	var reqBody io.Reader
	if request != nil {
		encoded, err := json.Marshal(request)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, "https://api.xendit.co"+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(p.cfg.APIKey, "")
	if request != nil {
		req.Header.Set("Content-Type", "application/json")
	}

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
		return nil, xenditError(resp.StatusCode, path, body)
	}

	return body, nil
}

func xenditError(statusCode int, path string, body []byte) error {
	var payload struct {
		ErrorCode string `json:"error_code"`
	}
	_ = json.Unmarshal(body, &payload)

	base := ErrGatewayUnavailable
	switch {
	case strings.Contains(payload.ErrorCode, "NOT_SUPPORTED"), strings.Contains(payload.ErrorCode, "INELIGIBLE"):
		base = ErrRefundNotSupported
	case statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests:
		base = ErrInvalidRequest
	}
	return fmt.Errorf("%w: xendit request failed: path=%s status=%d body=%s", base, path, statusCode, string(body))
}

func xenditInvoiceStatus(status string) EventStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PENDING":
		return EventStatusPending
	case "PAID", "SETTLED":
		return EventStatusPaid
	case "EXPIRED":
		return EventStatusExpired
	case "FAILED":
		return EventStatusFailed
	case "REFUNDED", "SUCCEEDED":
		return EventStatusRefunded
	default:
		return EventStatusUnknown
	}
}

func refundReason(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return "REQUESTED_BY_CUSTOMER"
	}
	return strings.TrimSpace(reason)
}

// zeroDecimalCurrencies have no minor unit, so the stored minor-unit
// amount already equals the gateway-facing major-unit amount.
var zeroDecimalCurrencies = map[string]bool{
	"IDR": true,
	"JPY": true,
	"KRW": true,
	"VND": true,
}

func toMajorUnits(amountCents int64, currency string) float64 {
	if zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))] {
		return float64(amountCents)
	}
	return float64(amountCents) / 100
}

func fromMajorUnits(amount float64, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))] {
		return int64(math.Round(amount))
	}
	return int64(math.Round(amount * 100))
}
