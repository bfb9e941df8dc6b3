package entity

import "time"

const (
	WebhookLogProcessed int32 = 10
	WebhookLogIgnored   int32 = 15
	WebhookLogUnmatched int32 = 20
	WebhookLogRejected  int32 = 30
)

// WebhookLog is the audit record of a webhook that passed signature
// verification, whatever the reconciliation outcome was.
type WebhookLog struct {
	ID uint64

	TransactionID *uint64

	Provider        string
	ProviderEventID *string
	EventType       string
	PayloadJSON     string
	Status          int32
	Error           *string

	CreatedAt time.Time
}
