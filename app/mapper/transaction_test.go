package mapper

import (
	"testing"
	"time"

	"github.com/asesmen-labs/ms-go-billing/app/entity"
)

func TestTransactionToResponse(t *testing.T) {
	providerName := "stripe"
	providerPaymentID := "cs_test_123"
	checkoutURL := "https://stripe.example/checkout"
	paidAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	resp := TransactionToResponse(&entity.Transaction{
		ID:                1,
		Code:              "txn-1",
		UserID:            7,
		PackageType:       "premium",
		AmountCents:       4990,
		Currency:          "USD",
		PaymentMethod:     "card",
		Status:            entity.TransactionStatusPaid,
		Provider:          &providerName,
		ProviderPaymentID: &providerPaymentID,
		CheckoutURL:       &checkoutURL,
		PaidAt:            &paidAt,
		Metadata:          map[string]string{"k": "v"},
		CreatedAt:         created,
		UpdatedAt:         paidAt,
	})

	if resp.Status != "paid" || resp.Provider != "stripe" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.PaidAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected paid_at: %s", resp.PaidAt)
	}
	if resp.CreatedAt != "2026-01-01T00:00:00Z" {
		t.Fatalf("unexpected created_at: %s", resp.CreatedAt)
	}
	if resp.Metadata["k"] != "v" {
		t.Fatal("expected metadata copied")
	}
}

func TestTransactionToResponseNil(t *testing.T) {
	if TransactionToResponse(nil) != nil {
		t.Fatal("expected nil for nil transaction")
	}
}
