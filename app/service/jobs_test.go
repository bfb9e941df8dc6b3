package service

import (
	"context"
	"testing"
	"time"

	"github.com/asesmen-labs/ms-go-billing/app/entity"
	"github.com/asesmen-labs/ms-go-billing/app/provider"
)

func TestRunExpirePendingBatchMarksExpired(t *testing.T) {
	txnRepo := newServiceTxnRepo()
	txnRepo.transactions[1] = pendingTransaction(1, "txn-old")

	recent := pendingTransaction(2, "txn-new")
	recent.CreatedAt = time.Now().UTC()
	recent.UpdatedAt = recent.CreatedAt
	txnRepo.transactions[2] = recent
	txnRepo.nextID = 3

	svc := newBillingServiceForTest(txnRepo, &serviceVoucherRepo{}, &serviceWebhookRepo{}, &serviceProvider{})

	expired, err := svc.RunExpirePendingBatch(context.Background())
	if err != nil {
		t.Fatalf("expire batch failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired transaction, got %d", expired)
	}

	old, _ := txnRepo.FindByID(context.Background(), 1)
	if old.Status != entity.TransactionStatusExpired {
		t.Fatalf("expected expired status, got %s", old.Status)
	}
	fresh, _ := txnRepo.FindByID(context.Background(), 2)
	if fresh.Status != entity.TransactionStatusPending {
		t.Fatalf("expected recent transaction untouched, got %s", fresh.Status)
	}
}

func TestRunIssueVouchersBatchRetriesFailedIssuance(t *testing.T) {
	txnRepo := newServiceTxnRepo()
	txn := pendingTransaction(1, "txn-1")
	paidAt := time.Now().UTC().Add(-time.Minute)
	txn.Status = entity.TransactionStatusPaid
	txn.PaidAt = &paidAt
	txn.VoucherPending = true
	txnRepo.transactions[1] = txn

	voucherRepo := &serviceVoucherRepo{}
	svc := newBillingServiceForTest(txnRepo, voucherRepo, &serviceWebhookRepo{}, &serviceProvider{})

	issued, err := svc.RunIssueVouchersBatch(context.Background())
	if err != nil {
		t.Fatalf("issue batch failed: %v", err)
	}
	if issued != 1 {
		t.Fatalf("expected one issued voucher, got %d", issued)
	}
	if len(voucherRepo.vouchers) != 1 {
		t.Fatalf("expected one voucher, got %d", len(voucherRepo.vouchers))
	}

	stored, _ := txnRepo.FindByID(context.Background(), 1)
	if stored.VoucherPending {
		t.Fatal("expected voucher pending flag cleared")
	}

	// Re-running must not grant a second voucher.
	if _, err := svc.RunIssueVouchersBatch(context.Background()); err != nil {
		t.Fatalf("second issue batch failed: %v", err)
	}
	if len(voucherRepo.vouchers) != 1 {
		t.Fatalf("expected still one voucher, got %d", len(voucherRepo.vouchers))
	}
}

func TestRunReconcileBatchAppliesGatewayStatus(t *testing.T) {
	txnRepo := newServiceTxnRepo()
	txnRepo.transactions[1] = pendingTransaction(1, "txn-1")
	voucherRepo := &serviceVoucherRepo{}
	svc := newBillingServiceForTest(txnRepo, voucherRepo, &serviceWebhookRepo{}, &serviceProvider{
		statusHandle: &provider.PaymentHandle{ProviderPaymentID: "cs_test_123", Status: provider.EventStatusPaid},
	})

	reconciled, err := svc.RunReconcileBatch(context.Background())
	if err != nil {
		t.Fatalf("reconcile batch failed: %v", err)
	}
	if reconciled != 1 {
		t.Fatalf("expected one reconciled transaction, got %d", reconciled)
	}

	stored, _ := txnRepo.FindByID(context.Background(), 1)
	if stored.Status != entity.TransactionStatusPaid {
		t.Fatalf("expected paid status, got %s", stored.Status)
	}
	if len(voucherRepo.vouchers) != 1 {
		t.Fatalf("expected voucher issued on reconciled payment, got %d", len(voucherRepo.vouchers))
	}
}

func TestRunReconcileBatchSkipsStillPending(t *testing.T) {
	txnRepo := newServiceTxnRepo()
	txnRepo.transactions[1] = pendingTransaction(1, "txn-1")
	svc := newBillingServiceForTest(txnRepo, &serviceVoucherRepo{}, &serviceWebhookRepo{}, &serviceProvider{
		statusHandle: &provider.PaymentHandle{ProviderPaymentID: "cs_test_123", Status: provider.EventStatusPending},
	})

	reconciled, err := svc.RunReconcileBatch(context.Background())
	if err != nil {
		t.Fatalf("reconcile batch failed: %v", err)
	}
	if reconciled != 0 {
		t.Fatalf("expected nothing reconciled, got %d", reconciled)
	}

	stored, _ := txnRepo.FindByID(context.Background(), 1)
	if stored.Status != entity.TransactionStatusPending {
		t.Fatalf("expected pending status, got %s", stored.Status)
	}
}
