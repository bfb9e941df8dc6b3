package types

type ErrorResponse struct {
	Error              string   `json:"error"`
	AvailableProviders []string `json:"available_providers,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type Transaction struct {
	ID                uint64            `json:"id"`
	Code              string            `json:"code"`
	UserID            uint64            `json:"user_id"`
	PackageType       string            `json:"package_type"`
	AmountCents       int64             `json:"amount_cents"`
	Currency          string            `json:"currency"`
	PaymentMethod     string            `json:"payment_method"`
	Status            string            `json:"status"`
	Provider          string            `json:"provider,omitempty"`
	ProviderPaymentID string            `json:"provider_payment_id,omitempty"`
	CheckoutURL       string            `json:"checkout_url,omitempty"`
	ExpiresAt         string            `json:"expires_at,omitempty"`
	PaidAt            string            `json:"paid_at,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	RefundID          string            `json:"refund_id,omitempty"`
	RefundedCents     int64             `json:"refunded_cents,omitempty"`
	RefundReason      string            `json:"refund_reason,omitempty"`
	RefundedAt        string            `json:"refunded_at,omitempty"`
	Metadata          map[string]string `json:"metadata"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at"`
}

type Voucher struct {
	ID          uint64 `json:"id"`
	UserID      uint64 `json:"user_id"`
	PackageType string `json:"package_type"`
	Code        string `json:"code"`
	ExpiresAt   string `json:"expires_at"`
	Used        bool   `json:"used"`
	UsedAt      string `json:"used_at,omitempty"`
}

type TransactionEnvelopeResponse struct {
	Transaction *Transaction `json:"transaction"`
}

type PaymentStatusResponse struct {
	Transaction *Transaction `json:"transaction"`
	// Voucher is the assessment voucher granted by this transaction, if
	// one has been issued.
	Voucher *Voucher `json:"voucher,omitempty"`
	// GatewayStatus is the live gateway-side view, present only when a
	// live fetch was requested and possible. Display-only.
	GatewayStatus string `json:"gateway_status,omitempty"`
}

type ProvidersResponse struct {
	Providers []string `json:"providers"`
}
