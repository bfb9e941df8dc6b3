package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/asesmen-labs/ms-go-billing/app/factory"
	"github.com/asesmen-labs/ms-go-billing/app/service"
)

// StatusPublisher writes transaction status changes to a Kafka topic so
// downstream services (assessment access, notifications) react without
// polling the billing database.
type StatusPublisher struct {
	writer *kafka.Writer
	topic  string
	logger logrus.FieldLogger
}

func NewStatusPublisher(brokers []string, topic string) *StatusPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	return &StatusPublisher{
		writer: writer,
		topic:  topic,
		logger: factory.NewModuleLogger("status-publisher"),
	}
}

func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}

func (p *StatusPublisher) PublishStatusChanged(ctx context.Context, evt service.TransactionStatusChanged) error {
	payload := map[string]interface{}{
		"event_id":         uuid.NewString(),
		"event_type":       "billing.transaction.status_changed",
		"event_version":    1,
		"occurred_at":      evt.OccurredAt.UTC().Format(time.RFC3339),
		"transaction_id":   evt.TransactionID,
		"transaction_code": evt.TransactionCode,
		"user_id":          evt.UserID,
		"package_type":     evt.PackageType,
		"old_status":       string(evt.OldStatus),
		"new_status":       string(evt.NewStatus),
		"provider":         evt.Provider,
		"amount_cents":     evt.AmountCents,
		"currency":         evt.Currency,
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	// Keyed by transaction code so all events for one transaction land
	// in the same partition and stay ordered.
	message := kafka.Message{
		Key:   []byte(evt.TransactionCode),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"topic":            p.topic,
			"transaction_code": evt.TransactionCode,
		}).Error("Failed to publish status change event")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":            p.topic,
		"transaction_code": evt.TransactionCode,
		"new_status":       evt.NewStatus,
	}).Info("Published status change event")

	return nil
}
