package types

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCreatePaymentRequestValidate(t *testing.T) {
	valid := CreatePaymentRequest{
		UserID:      7,
		PackageType: "premium",
		AmountCents: 4990,
		Currency:    "USD",
		Provider:    "stripe",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
	if valid.PaymentMethod != "any" {
		t.Fatalf("expected payment method default, got %q", valid.PaymentMethod)
	}

	cases := []struct {
		name   string
		mutate func(r *CreatePaymentRequest)
	}{
		{"missing user", func(r *CreatePaymentRequest) { r.UserID = 0 }},
		{"missing package", func(r *CreatePaymentRequest) { r.PackageType = "" }},
		{"zero amount", func(r *CreatePaymentRequest) { r.AmountCents = 0 }},
		{"negative amount", func(r *CreatePaymentRequest) { r.AmountCents = -100 }},
		{"bad currency", func(r *CreatePaymentRequest) { r.Currency = "US" }},
		{"missing provider", func(r *CreatePaymentRequest) { r.Provider = "" }},
	}
	for _, tc := range cases {
		req := valid
		tc.mutate(&req)
		if err := req.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestNewCreatePaymentRequestNormalizesFields(t *testing.T) {
	e := echo.New()
	body := `{"user_id":7,"package_type":" premium ","amount_cents":4990,"currency":"usd","payment_method":"CARD","provider":"Stripe"}`
	req := httptest.NewRequest("POST", "/payments", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := e.NewContext(req, httptest.NewRecorder())

	parsed, err := NewCreatePaymentRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Currency != "USD" || parsed.Provider != "stripe" || parsed.PaymentMethod != "card" {
		t.Fatalf("expected normalized fields, got %+v", parsed)
	}
	if parsed.PackageType != "premium" {
		t.Fatalf("expected trimmed package type, got %q", parsed.PackageType)
	}
}

func TestNewWebhookRequestPicksProviderHeader(t *testing.T) {
	e := echo.New()
	payload := []byte(`{"id":"evt_1"}`)

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("provider")
	ctx.SetParamValues("stripe")

	parsed, err := NewWebhookRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Signature != "t=1,v1=abc" {
		t.Fatalf("expected stripe signature header, got %q", parsed.Signature)
	}
	if string(parsed.Payload) != string(payload) {
		t.Fatal("expected raw payload preserved")
	}
	if err := parsed.Validate(); err != nil {
		t.Fatalf("expected valid webhook request, got %v", err)
	}
}

func TestNewWebhookRequestFallbackHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("POST", "/webhooks/other", strings.NewReader(`{}`))
	req.Header.Set("X-Provider-Signature", "sig-1")
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("provider")
	ctx.SetParamValues("other")

	parsed, err := NewWebhookRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Signature != "sig-1" {
		t.Fatalf("expected fallback signature header, got %q", parsed.Signature)
	}
}

func TestWebhookRequestValidateRejectsMissingSignature(t *testing.T) {
	req := WebhookRequest{Provider: "stripe", Payload: []byte(`{}`)}
	if err := req.Validate(); err == nil {
		t.Fatal("expected validation error for missing signature")
	}
}

func TestGetPaymentStatusRequestLiveFlag(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("GET", "/payments/txn-1?live=true", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("code")
	ctx.SetParamValues("txn-1")

	parsed, err := NewGetPaymentStatusRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !parsed.Live || parsed.TransactionCode != "txn-1" {
		t.Fatalf("unexpected request: %+v", parsed)
	}
}

func TestRefundPaymentRequestValidate(t *testing.T) {
	req := RefundPaymentRequest{TransactionCode: "txn-1", AmountCents: -1}
	if err := req.Validate(); err == nil {
		t.Fatal("expected validation error for negative amount")
	}

	req = RefundPaymentRequest{AmountCents: 100}
	if err := req.Validate(); err == nil {
		t.Fatal("expected validation error for missing code")
	}

	req = RefundPaymentRequest{TransactionCode: "txn-1"}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}
