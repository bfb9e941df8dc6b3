package entity

import "time"

// Voucher is the credit granted to a user when a transaction settles.
// TransactionID carries a unique constraint, so issuance is exactly-once
// per paid transaction no matter how often the webhook is redelivered.
type Voucher struct {
	ID uint64

	UserID      uint64
	PackageType string
	Code        string

	TransactionID uint64

	ExpiresAt time.Time
	Used      bool
	UsedAt    *time.Time

	CreatedAt time.Time
}
