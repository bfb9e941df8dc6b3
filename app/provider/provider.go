package provider

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProviderNotConfigured = errors.New("provider is not configured")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrInvalidRequest        = errors.New("gateway rejected the request")
	ErrGatewayUnavailable    = errors.New("gateway unavailable")
	ErrRefundNotSupported    = errors.New("refund not supported by provider")
)

type EventStatus string

const (
	EventStatusUnknown  EventStatus = ""
	EventStatusPending  EventStatus = "pending"
	EventStatusPaid     EventStatus = "paid"
	EventStatusFailed   EventStatus = "failed"
	EventStatusExpired  EventStatus = "expired"
	EventStatusRefunded EventStatus = "refunded"
)

type CreateInput struct {
	// TransactionCode is the caller-side reference the gateway echoes back
	// in webhooks (external_id / client_reference_id).
	TransactionCode string
	AmountCents     int64
	Currency        string
	PaymentMethod   string
	Description     string
	Metadata        map[string]string
	ExpiresIn       time.Duration
}

type PaymentHandle struct {
	ProviderPaymentID string
	CheckoutURL       *string
	Status            EventStatus
	ExpiresAt         *time.Time
}

type RefundInput struct {
	ProviderPaymentID string
	AmountCents       int64
	Currency          string
	Reason            string
	// Metadata carries transaction metadata captured at payment time; some
	// gateways need secondary identifiers from it (e.g. a payment intent).
	Metadata map[string]string
}

type RefundHandle struct {
	RefundID    string
	AmountCents int64
	Status      EventStatus
}

// WebhookEvent is the gateway-neutral form of an inbound notification.
// It is the only thing an adapter may hand past the provider boundary.
type WebhookEvent struct {
	Provider          string
	ProviderEventID   *string
	ProviderPaymentID string
	ExternalReference string
	EventType         string
	Status            EventStatus
	AmountCents       int64
	Currency          string
	PaidAt            *time.Time
	FailureReason     *string
	Metadata          map[string]string
}

type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, input *CreateInput) (*PaymentHandle, error)
	GetPaymentStatus(ctx context.Context, providerPaymentID string) (*PaymentHandle, error)
	VerifyWebhook(ctx context.Context, payload []byte, signature string) (*WebhookEvent, error)
	RefundPayment(ctx context.Context, input *RefundInput) (*RefundHandle, error)
}
