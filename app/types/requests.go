package types

import (
	"errors"
	"io"
	"strings"

	"github.com/labstack/echo/v4"
)

type CreatePaymentRequest struct {
	UserID        uint64            `json:"user_id"`
	PackageType   string            `json:"package_type"`
	AmountCents   int64             `json:"amount_cents"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method"`
	Provider      string            `json:"provider"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata"`

	// TransactionCode retries payment creation for an existing transaction
	// instead of opening a new one.
	TransactionCode string `json:"transaction_code"`
}

func NewCreatePaymentRequestFromContext(ctx echo.Context) (*CreatePaymentRequest, error) {
	var body CreatePaymentRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.PackageType = strings.TrimSpace(body.PackageType)
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))
	body.PaymentMethod = strings.ToLower(strings.TrimSpace(body.PaymentMethod))
	body.Provider = strings.ToLower(strings.TrimSpace(body.Provider))
	body.Description = strings.TrimSpace(body.Description)
	body.TransactionCode = strings.TrimSpace(body.TransactionCode)

	return &body, nil
}

func (r *CreatePaymentRequest) Validate() error {
	if r.UserID == 0 {
		return errors.New("user_id is required")
	}
	if r.PackageType == "" {
		return errors.New("package_type is required")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount_cents must be > 0")
	}
	if len(r.Currency) != 3 {
		return errors.New("currency must be 3 letters")
	}
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if r.PaymentMethod == "" {
		r.PaymentMethod = "any"
	}
	return nil
}

type RefundPaymentRequest struct {
	TransactionCode string `json:"-"`
	AmountCents     int64  `json:"amount_cents"`
	Reason          string `json:"reason"`
}

func NewRefundPaymentRequestFromContext(ctx echo.Context) (*RefundPaymentRequest, error) {
	var body RefundPaymentRequest
	if err := ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.TransactionCode = strings.TrimSpace(ctx.Param("code"))
	body.Reason = strings.TrimSpace(body.Reason)

	return &body, nil
}

func (r *RefundPaymentRequest) Validate() error {
	if r.TransactionCode == "" {
		return errors.New("transaction code is required")
	}
	if r.AmountCents < 0 {
		return errors.New("amount_cents must be >= 0")
	}
	return nil
}

type GetPaymentStatusRequest struct {
	TransactionCode string
	// Live asks for a gateway-side re-fetch alongside the local state.
	Live bool
}

func NewGetPaymentStatusRequestFromContext(ctx echo.Context) (*GetPaymentStatusRequest, error) {
	return &GetPaymentStatusRequest{
		TransactionCode: strings.TrimSpace(ctx.Param("code")),
		Live:            strings.EqualFold(strings.TrimSpace(ctx.QueryParam("live")), "true"),
	}, nil
}

func (r *GetPaymentStatusRequest) Validate() error {
	if r.TransactionCode == "" {
		return errors.New("transaction code is required")
	}
	return nil
}

type WebhookRequest struct {
	Provider  string
	Signature string
	// Payload holds the exact bytes received; signatures are computed over
	// the raw body, never a re-serialized parse.
	Payload []byte
}

// signatureHeaders maps a provider to the header carrying its signature
// or callback token. X-Provider-Signature is the neutral fallback.
var signatureHeaders = map[string]string{
	"stripe": "Stripe-Signature",
	"xendit": "X-Callback-Token",
}

func NewWebhookRequestFromContext(ctx echo.Context) (*WebhookRequest, error) {
	providerName := strings.ToLower(strings.TrimSpace(ctx.Param("provider")))

	signature := ""
	if header, ok := signatureHeaders[providerName]; ok {
		signature = strings.TrimSpace(ctx.Request().Header.Get(header))
	}
	if signature == "" {
		signature = strings.TrimSpace(ctx.Request().Header.Get("X-Provider-Signature"))
	}

	rawBody, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, err
	}

	return &WebhookRequest{
		Provider:  providerName,
		Signature: signature,
		Payload:   rawBody,
	}, nil
}

func (r *WebhookRequest) Validate() error {
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if r.Signature == "" {
		return errors.New("provider signature is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}
