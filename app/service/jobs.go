package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asesmen-labs/ms-go-billing/app/entity"
	"github.com/asesmen-labs/ms-go-billing/app/provider"
)

// RunExpirePendingBatch expires pending transactions whose payment
// window has closed. Expiry is local bookkeeping; a late paid webhook
// for an expired transaction is rejected by the state machine and needs
// manual review, which is why the cutoff carries a grace period.
func (s *BillingService) RunExpirePendingBatch(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.pendingTimeout())

	candidates, err := s.txnRepo.ListExpiredPending(ctx, now, cutoff, s.batchSize())
	if err != nil {
		return 0, err
	}

	var expired int
	var firstErr error
	for _, txn := range candidates {
		if ctx.Err() != nil {
			return expired, keepFirstErr(firstErr, ctx.Err())
		}

		applied, err := s.applyTransition(ctx, txn, entity.TransactionStatusExpired, nil, now)
		if err != nil {
			if errors.Is(err, ErrIllegalTransition) {
				// A webhook settled it between listing and update.
				continue
			}
			s.logger.WithError(err).WithField("transaction_code", txn.Code).Error("Failed to expire pending transaction")
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		expired++
		s.publishStatusChanged(ctx, applied, entity.TransactionStatusPending, now)
	}

	if expired > 0 {
		s.logger.WithField("count", expired).Info("Expired pending transactions")
	}
	return expired, firstErr
}

// RunIssueVouchersBatch retries voucher issuance for paid transactions
// where the webhook-time grant failed. The unique transaction key keeps
// the retry safe against a concurrent webhook redelivery.
func (s *BillingService) RunIssueVouchersBatch(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	candidates, err := s.txnRepo.ListVoucherPending(ctx, s.batchSize())
	if err != nil {
		return 0, err
	}

	var issued int
	var firstErr error
	for _, txn := range candidates {
		if ctx.Err() != nil {
			return issued, keepFirstErr(firstErr, ctx.Err())
		}

		if err := s.issueVoucher(ctx, txn, now); err != nil {
			s.logger.WithError(err).WithField("transaction_code", txn.Code).Error("Voucher issuance retry failed")
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		issued++
	}

	if issued > 0 {
		s.logger.WithField("count", issued).Info("Issued vouchers for paid transactions")
	}
	return issued, firstErr
}

// RunReconcileBatch polls the gateway for pending transactions that have
// gone quiet, covering webhooks lost in transit. The gateway's answer
// flows through the same state machine as a webhook would.
func (s *BillingService) RunReconcileBatch(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	before := now.Add(-s.reconcileStaleAfter())

	candidates, err := s.txnRepo.ListStalePending(ctx, before, s.batchSize())
	if err != nil {
		return 0, err
	}

	var reconciled int
	var firstErr error
	for _, txn := range candidates {
		if ctx.Err() != nil {
			return reconciled, keepFirstErr(firstErr, ctx.Err())
		}
		if txn.Provider == nil || txn.ProviderPaymentID == nil {
			continue
		}

		providerClient, err := s.providerReg.Get(*txn.Provider)
		if err != nil {
			continue
		}

		handle, err := providerClient.GetPaymentStatus(ctx, *txn.ProviderPaymentID)
		if err != nil {
			s.logger.WithError(err).WithField("transaction_code", txn.Code).Warn("Reconciliation status fetch failed")
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		target := eventTargetStatus(handle.Status)
		if handle.Status == provider.EventStatusUnknown || handle.Status == provider.EventStatusPending || target == txn.Status {
			continue
		}
		if !entity.CanTransition(txn.Status, target) {
			continue
		}

		event := &provider.WebhookEvent{
			Provider:          *txn.Provider,
			ProviderPaymentID: *txn.ProviderPaymentID,
			EventType:         "reconcile.poll",
			Status:            handle.Status,
			AmountCents:       txn.AmountCents,
			Currency:          txn.Currency,
		}

		applied, err := s.applyTransition(ctx, txn, target, event, now)
		if err != nil {
			if errors.Is(err, ErrIllegalTransition) {
				continue
			}
			s.logger.WithError(err).WithField("transaction_code", txn.Code).Error("Reconciliation transition failed")
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		s.runSideEffects(ctx, applied, target, now)
		s.publishStatusChanged(ctx, applied, txn.Status, now)
		reconciled++

		s.logger.WithFields(logrus.Fields{
			"transaction_code": txn.Code,
			"status":           applied.Status,
		}).Info("Reconciled stale pending transaction from gateway")
	}

	return reconciled, firstErr
}

func (s *BillingService) pendingTimeout() time.Duration {
	if s.paymentsCfg.PendingTimeout > 0 {
		return s.paymentsCfg.PendingTimeout
	}
	return 24 * time.Hour
}

func (s *BillingService) reconcileStaleAfter() time.Duration {
	if s.paymentsCfg.ReconcileStaleAfter > 0 {
		return s.paymentsCfg.ReconcileStaleAfter
	}
	return time.Hour
}

func keepFirstErr(current, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
