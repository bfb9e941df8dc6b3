package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asesmen-labs/ms-go-billing/app/entity"
	"github.com/asesmen-labs/ms-go-billing/app/provider"
	"github.com/asesmen-labs/ms-go-billing/app/repository"
	"github.com/asesmen-labs/ms-go-billing/app/types"
)

// HandleWebhook is the only writer of transaction state after creation.
//
// Verification runs before any storage access so unverified attacker
// input never becomes a query key. After that: locate the transaction,
// apply the state transition with compare-and-swap semantics, run side
// effects, and record the audit row. Errors returned from here decide
// whether the gateway retries (storage failures) or stops (everything
// else, acknowledged by the controller).
func (s *BillingService) HandleWebhook(ctx context.Context, req *types.WebhookRequest) (*entity.Transaction, error) {
	providerClient, err := s.providerReg.Get(req.Provider)
	if err != nil {
		return nil, ErrProviderNotConfigured
	}

	event, err := providerClient.VerifyWebhook(ctx, req.Payload, req.Signature)
	if err != nil {
		if errors.Is(err, provider.ErrInvalidSignature) {
			s.logger.WithField("provider", req.Provider).Warn("Webhook signature verification failed")
			return nil, err
		}
		s.logger.WithError(err).WithField("provider", req.Provider).Warn("Webhook payload rejected")
		return nil, fmt.Errorf("%w: %v", ErrCallbackRejected, err)
	}

	now := time.Now().UTC()

	if event.Status == provider.EventStatusUnknown {
		s.persistWebhookLog(ctx, nil, event, req, entity.WebhookLogIgnored, "unhandled event type")
		return nil, nil
	}

	txn, err := s.locateTransaction(ctx, event)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		s.logger.WithFields(logrus.Fields{
			"provider":            event.Provider,
			"provider_payment_id": event.ProviderPaymentID,
			"external_reference":  event.ExternalReference,
		}).Warn("Webhook matched no transaction")
		s.persistWebhookLog(ctx, nil, event, req, entity.WebhookLogUnmatched, "no matching transaction")
		return nil, ErrTransactionNotFound
	}

	if event.AmountCents > 0 && event.AmountCents != txn.AmountCents && event.Status != provider.EventStatusRefunded {
		// Status drives the transition; the stored amount is immutable.
		s.logger.WithFields(logrus.Fields{
			"transaction_code": txn.Code,
			"stored_cents":     txn.AmountCents,
			"reported_cents":   event.AmountCents,
		}).Warn("Webhook reported a different amount than stored")
	}

	target := eventTargetStatus(event.Status)
	if target == txn.Status || event.Status == provider.EventStatusPending {
		// Duplicate delivery; nothing to apply, no second side effect.
		s.persistWebhookLog(ctx, &txn.ID, event, req, entity.WebhookLogIgnored, "status already applied")
		return txn, nil
	}

	if !entity.CanTransition(txn.Status, target) {
		s.logger.WithFields(logrus.Fields{
			"transaction_code": txn.Code,
			"current_status":   txn.Status,
			"event_status":     event.Status,
		}).Warn("Webhook requested an illegal state transition")
		s.persistWebhookLog(ctx, &txn.ID, event, req, entity.WebhookLogRejected, "illegal state transition")
		return nil, ErrIllegalTransition
	}

	applied, err := s.applyTransition(ctx, txn, target, event, now)
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			s.persistWebhookLog(ctx, &txn.ID, event, req, entity.WebhookLogRejected, "lost transition race to conflicting status")
		}
		return nil, err
	}

	s.runSideEffects(ctx, applied, target, now)
	s.persistWebhookLog(ctx, &applied.ID, event, req, entity.WebhookLogProcessed, "")
	s.publishStatusChanged(ctx, applied, txn.Status, now)

	return applied, nil
}

// locateTransaction resolves the webhook's subject: gateway payment id
// first (the sole key once linked), then the opaque transaction code the
// gateway echoes back, then the code embedded in event metadata.
func (s *BillingService) locateTransaction(ctx context.Context, event *provider.WebhookEvent) (*entity.Transaction, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	if event.ProviderPaymentID != "" {
		txn, err := s.txnRepo.FindByProviderPaymentID(ctx, event.Provider, event.ProviderPaymentID)
		if err != nil || txn != nil {
			return txn, err
		}
	}
	if event.ExternalReference != "" {
		txn, err := s.txnRepo.FindByCode(ctx, event.ExternalReference)
		if err != nil || txn != nil {
			return txn, err
		}
	}
	if code := event.Metadata["transaction_code"]; code != "" {
		return s.txnRepo.FindByCode(ctx, code)
	}
	return nil, nil
}

// applyTransition moves txn to target through the compare-and-swap
// update. The CAS loser re-reads: if the winner applied the same target
// the delivery was a duplicate and is a no-op, anything else is illegal.
func (s *BillingService) applyTransition(ctx context.Context, txn *entity.Transaction, target entity.TransactionStatus, event *provider.WebhookEvent, now time.Time) (*entity.Transaction, error) {
	from := txn.Status
	updated := *txn
	updated.Status = target
	updated.UpdatedAt = now

	if updated.ProviderPaymentID == nil && event != nil && event.ProviderPaymentID != "" {
		id := event.ProviderPaymentID
		updated.ProviderPaymentID = &id
	}

	switch target {
	case entity.TransactionStatusPaid:
		paidAt := now
		if event != nil && event.PaidAt != nil {
			paidAt = *event.PaidAt
		}
		updated.PaidAt = &paidAt
		updated.VoucherPending = true
		if event != nil {
			for k, v := range event.Metadata {
				if updated.Metadata == nil {
					updated.Metadata = map[string]string{}
				}
				updated.Metadata[k] = v
			}
		}
	case entity.TransactionStatusFailed:
		if event != nil && event.FailureReason != nil {
			updated.FailureReason = event.FailureReason
		} else if updated.FailureReason == nil {
			reason := "payment failed"
			updated.FailureReason = &reason
		}
	case entity.TransactionStatusExpired:
		// Recorded distinctly from failed so declines and expiries report
		// separately.
	case entity.TransactionStatusRefunded:
		refunded := updated.AmountCents
		if event != nil && event.AmountCents > 0 {
			refunded = event.AmountCents
		}
		updated.RefundedCents = refunded
		updated.RefundedAt = &now
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	ok, err := s.txnRepo.TransitionStatus(sctx, &updated, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, findErr := s.txnRepo.FindByID(sctx, txn.ID)
		if findErr != nil {
			return nil, findErr
		}
		if current != nil && current.Status == target {
			return current, nil
		}
		return nil, ErrIllegalTransition
	}

	return &updated, nil
}

// runSideEffects executes the compensating actions after the state
// change committed. Side-effect failure never unwinds a committed
// transition; the paid state is the source of truth and voucher issuance
// is retried by the vouchers job.
func (s *BillingService) runSideEffects(ctx context.Context, txn *entity.Transaction, target entity.TransactionStatus, now time.Time) {
	switch target {
	case entity.TransactionStatusPaid:
		if err := s.issueVoucher(ctx, txn, now); err != nil {
			s.logger.WithError(err).WithField("transaction_code", txn.Code).Error("Voucher issuance failed, left pending for retry")
		}
	case entity.TransactionStatusRefunded:
		s.invalidateVoucher(ctx, txn, now)
	}
}

// issueVoucher grants the package voucher for a paid transaction at most
// once; the unique transaction_id key absorbs races and redeliveries.
func (s *BillingService) issueVoucher(ctx context.Context, txn *entity.Transaction, now time.Time) error {
	validity := s.paymentsCfg.VoucherValidity
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}

	voucher := &entity.Voucher{
		UserID:        txn.UserID,
		PackageType:   txn.PackageType,
		Code:          uuid.NewString(),
		TransactionID: txn.ID,
		ExpiresAt:     now.Add(validity),
		CreatedAt:     now,
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	err := s.voucherRepo.Create(sctx, voucher)
	if err != nil && !errors.Is(err, repository.ErrVoucherAlreadyIssued) {
		return err
	}

	if err := s.txnRepo.ClearVoucherPending(sctx, txn.ID, now); err != nil {
		s.logger.WithError(err).WithField("transaction_code", txn.Code).Warn("Failed to clear voucher pending flag")
	}
	txn.VoucherPending = false

	return nil
}

func (s *BillingService) persistWebhookLog(ctx context.Context, transactionID *uint64, event *provider.WebhookEvent, req *types.WebhookRequest, status int32, reason string) {
	log := &entity.WebhookLog{
		TransactionID: transactionID,
		Provider:      req.Provider,
		EventType:     event.EventType,
		PayloadJSON:   string(req.Payload),
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	if event.ProviderEventID != nil {
		log.ProviderEventID = event.ProviderEventID
	}
	if reason != "" {
		trimmed := truncate(reason, 1024)
		log.Error = &trimmed
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	if err := s.webhookRepo.Create(sctx, log); err != nil {
		s.logger.WithError(err).WithField("provider", req.Provider).Warn("Failed to persist webhook log")
	}
}

func eventTargetStatus(status provider.EventStatus) entity.TransactionStatus {
	switch status {
	case provider.EventStatusPaid:
		return entity.TransactionStatusPaid
	case provider.EventStatusFailed:
		return entity.TransactionStatusFailed
	case provider.EventStatusExpired:
		return entity.TransactionStatusExpired
	case provider.EventStatusRefunded:
		return entity.TransactionStatusRefunded
	default:
		return entity.TransactionStatusPending
	}
}
