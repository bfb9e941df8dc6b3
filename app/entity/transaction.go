package entity

import "time"

type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusPaid     TransactionStatus = "paid"
	TransactionStatusFailed   TransactionStatus = "failed"
	TransactionStatusExpired  TransactionStatus = "expired"
	TransactionStatusRefunded TransactionStatus = "refunded"
)

// transitions lists every legal status move. Anything else is rejected so
// out-of-order or duplicate webhook deliveries stay observable in logs.
var transitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending: {TransactionStatusPaid, TransactionStatusFailed, TransactionStatusExpired},
	TransactionStatusPaid:    {TransactionStatusRefunded},
}

func CanTransition(from, to TransactionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func TerminalStatus(status TransactionStatus) bool {
	switch status {
	case TransactionStatusFailed, TransactionStatusExpired, TransactionStatusRefunded:
		return true
	default:
		return false
	}
}

type Transaction struct {
	ID   uint64
	Code string

	UserID      uint64
	PackageType string

	AmountCents   int64
	Currency      string
	PaymentMethod string

	Status   TransactionStatus
	Provider *string

	ProviderPaymentID *string
	CheckoutURL       *string
	ExpiresAt         *time.Time

	PaidAt        *time.Time
	FailureReason *string

	RefundID      *string
	RefundedCents int64
	RefundReason  *string
	RefundedAt    *time.Time

	VoucherPending bool

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}
