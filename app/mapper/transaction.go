package mapper

import (
	"time"

	"github.com/asesmen-labs/ms-go-billing/app/entity"
	"github.com/asesmen-labs/ms-go-billing/app/types"
)

func TransactionToResponse(txn *entity.Transaction) *types.Transaction {
	if txn == nil {
		return nil
	}

	return &types.Transaction{
		ID:                txn.ID,
		Code:              txn.Code,
		UserID:            txn.UserID,
		PackageType:       txn.PackageType,
		AmountCents:       txn.AmountCents,
		Currency:          txn.Currency,
		PaymentMethod:     txn.PaymentMethod,
		Status:            string(txn.Status),
		Provider:          stringValue(txn.Provider),
		ProviderPaymentID: stringValue(txn.ProviderPaymentID),
		CheckoutURL:       stringValue(txn.CheckoutURL),
		ExpiresAt:         timeValue(txn.ExpiresAt),
		PaidAt:            timeValue(txn.PaidAt),
		FailureReason:     stringValue(txn.FailureReason),
		RefundID:          stringValue(txn.RefundID),
		RefundedCents:     txn.RefundedCents,
		RefundReason:      stringValue(txn.RefundReason),
		RefundedAt:        timeValue(txn.RefundedAt),
		Metadata:          copyMetadata(txn.Metadata),
		CreatedAt:         txn.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         txn.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func VoucherToResponse(voucher *entity.Voucher) *types.Voucher {
	if voucher == nil {
		return nil
	}

	return &types.Voucher{
		ID:          voucher.ID,
		UserID:      voucher.UserID,
		PackageType: voucher.PackageType,
		Code:        voucher.Code,
		ExpiresAt:   voucher.ExpiresAt.UTC().Format(time.RFC3339),
		Used:        voucher.Used,
		UsedAt:      timeValue(voucher.UsedAt),
	}
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func timeValue(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}

func copyMetadata(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
