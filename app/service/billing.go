package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asesmen-labs/ms-go-billing/app/entity"
	"github.com/asesmen-labs/ms-go-billing/app/factory"
	"github.com/asesmen-labs/ms-go-billing/app/provider"
	"github.com/asesmen-labs/ms-go-billing/app/repository"
	"github.com/asesmen-labs/ms-go-billing/app/types"
	"github.com/asesmen-labs/ms-go-billing/config"
)

const (
	defaultBatchSize      = int32(100)
	defaultStorageTimeout = 5 * time.Second
)

type transactionRepository interface {
	Create(ctx context.Context, txn *entity.Transaction) error
	FindByID(ctx context.Context, id uint64) (*entity.Transaction, error)
	FindByCode(ctx context.Context, code string) (*entity.Transaction, error)
	FindByProviderPaymentID(ctx context.Context, providerName, providerPaymentID string) (*entity.Transaction, error)
	AttachProviderPayment(ctx context.Context, txn *entity.Transaction) error
	TransitionStatus(ctx context.Context, txn *entity.Transaction, from entity.TransactionStatus) (bool, error)
	ClearVoucherPending(ctx context.Context, id uint64, now time.Time) error
	ListExpiredPending(ctx context.Context, now time.Time, cutoff time.Time, limit int32) ([]*entity.Transaction, error)
	ListVoucherPending(ctx context.Context, limit int32) ([]*entity.Transaction, error)
	ListStalePending(ctx context.Context, before time.Time, limit int32) ([]*entity.Transaction, error)
}

type voucherRepository interface {
	Create(ctx context.Context, voucher *entity.Voucher) error
	FindByTransactionID(ctx context.Context, transactionID uint64) (*entity.Voucher, error)
	InvalidateByTransactionID(ctx context.Context, transactionID uint64, now time.Time) (bool, error)
}

type webhookLogRepository interface {
	Create(ctx context.Context, log *entity.WebhookLog) error
}

// TransactionStatusChanged is emitted to the status topic whenever a
// transaction moves between states.
type TransactionStatusChanged struct {
	TransactionID   uint64
	TransactionCode string
	UserID          uint64
	PackageType     string
	OldStatus       entity.TransactionStatus
	NewStatus       entity.TransactionStatus
	Provider        string
	AmountCents     int64
	Currency        string
	OccurredAt      time.Time
}

// StatusPublisher is exported so wiring code can pass any event
// transport, or nil to disable publishing.
type StatusPublisher interface {
	PublishStatusChanged(ctx context.Context, event TransactionStatusChanged) error
}

type BillingService struct {
	txnRepo     transactionRepository
	voucherRepo voucherRepository
	webhookRepo webhookLogRepository
	providerReg *provider.Registry
	publisher   StatusPublisher
	paymentsCfg config.PaymentsConfig
	logger      logrus.FieldLogger
}

func NewBillingService(
	txnRepo transactionRepository,
	voucherRepo voucherRepository,
	webhookRepo webhookLogRepository,
	providerReg *provider.Registry,
	publisher StatusPublisher,
	paymentsCfg config.PaymentsConfig,
) *BillingService {
	return &BillingService{
		txnRepo:     txnRepo,
		voucherRepo: voucherRepo,
		webhookRepo: webhookRepo,
		providerReg: providerReg,
		publisher:   publisher,
		paymentsCfg: paymentsCfg,
		logger:      factory.NewModuleLogger("billing-service"),
	}
}

func (s *BillingService) AvailableProviders() []string {
	return s.providerReg.Available()
}

// CreatePayment opens a gateway-hosted payment for a new or retried
// transaction. The pending row is persisted before the gateway call so a
// crash between the two leaves a reconcilable record, not a lost payment.
func (s *BillingService) CreatePayment(ctx context.Context, req *types.CreatePaymentRequest) (*entity.Transaction, error) {
	providerClient, err := s.providerReg.Get(req.Provider)
	if err != nil {
		return nil, ErrProviderNotConfigured
	}

	now := time.Now().UTC()
	var txn *entity.Transaction

	if req.TransactionCode != "" {
		existing, err := s.txnRepo.FindByCode(ctx, req.TransactionCode)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrTransactionNotFound
		}
		if existing.ProviderPaymentID != nil {
			// A gateway payment is already linked; retrying must not open
			// a second one.
			return existing, nil
		}
		if existing.Status != entity.TransactionStatusPending {
			return nil, fmt.Errorf("%w: transaction is %s", ErrInvalidRequest, existing.Status)
		}
		txn = existing
	} else {
		providerName := strings.ToLower(providerClient.Name())
		txn = &entity.Transaction{
			Code:          uuid.NewString(),
			UserID:        req.UserID,
			PackageType:   req.PackageType,
			AmountCents:   req.AmountCents,
			Currency:      req.Currency,
			PaymentMethod: req.PaymentMethod,
			Status:        entity.TransactionStatusPending,
			Provider:      &providerName,
			Metadata:      cloneMetadata(req.Metadata),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.txnRepo.Create(ctx, txn); err != nil {
			return nil, err
		}
	}

	handle, err := providerClient.CreatePayment(ctx, &provider.CreateInput{
		TransactionCode: txn.Code,
		AmountCents:     txn.AmountCents,
		Currency:        txn.Currency,
		PaymentMethod:   txn.PaymentMethod,
		Description:     paymentDescription(req.Description, txn.PackageType),
		Metadata:        cloneMetadata(txn.Metadata),
		ExpiresIn:       s.paymentsCfg.PendingTimeout,
	})
	if err != nil {
		if errors.Is(err, provider.ErrInvalidRequest) {
			s.markCreateFailed(ctx, txn, err)
		} else {
			// Transient gateway trouble. The row stays pending so a retry
			// with the same transaction code reuses it.
			s.logger.WithError(err).WithField("transaction_code", txn.Code).Warn("Gateway payment creation failed, transaction left pending")
		}
		return nil, err
	}

	providerName := strings.ToLower(providerClient.Name())
	txn.Provider = &providerName
	txn.ProviderPaymentID = &handle.ProviderPaymentID
	txn.CheckoutURL = handle.CheckoutURL
	txn.ExpiresAt = handle.ExpiresAt
	txn.UpdatedAt = time.Now().UTC()

	if err := s.txnRepo.AttachProviderPayment(ctx, txn); err != nil {
		if errors.Is(err, repository.ErrProviderPaymentLinked) {
			linked, findErr := s.txnRepo.FindByID(ctx, txn.ID)
			if findErr == nil && linked != nil {
				return linked, nil
			}
		}
		// The gateway payment exists but is not linked locally. Surface
		// the checkout URL anyway and leave a loud trace for manual
		// reconciliation instead of dropping a live payment.
		s.logger.WithError(err).WithFields(logrus.Fields{
			"transaction_code":    txn.Code,
			"provider":            providerName,
			"provider_payment_id": handle.ProviderPaymentID,
		}).Error("Gateway payment created but not linked, reconciliation required")
	}

	return txn, nil
}

// GetPaymentStatus returns the local transaction, the voucher it granted
// if any, and, when requested and possible, the gateway's live view. The
// live fetch is display-only and never mutates local state; only the
// webhook path does that.
func (s *BillingService) GetPaymentStatus(ctx context.Context, req *types.GetPaymentStatusRequest) (*entity.Transaction, *entity.Voucher, provider.EventStatus, error) {
	txn, err := s.txnRepo.FindByCode(ctx, req.TransactionCode)
	if err != nil {
		return nil, nil, provider.EventStatusUnknown, err
	}
	if txn == nil {
		return nil, nil, provider.EventStatusUnknown, ErrTransactionNotFound
	}

	var voucher *entity.Voucher
	if txn.Status == entity.TransactionStatusPaid || txn.Status == entity.TransactionStatusRefunded {
		voucher, err = s.voucherRepo.FindByTransactionID(ctx, txn.ID)
		if err != nil {
			return nil, nil, provider.EventStatusUnknown, err
		}
	}

	// No live fetch once the transaction is terminal; local state is final.
	gatewayStatus := provider.EventStatusUnknown
	if req.Live && !entity.TerminalStatus(txn.Status) && txn.Provider != nil && txn.ProviderPaymentID != nil {
		providerClient, err := s.providerReg.Get(*txn.Provider)
		if err == nil {
			handle, err := providerClient.GetPaymentStatus(ctx, *txn.ProviderPaymentID)
			if err != nil {
				s.logger.WithError(err).WithField("transaction_code", txn.Code).Warn("Live gateway status fetch failed")
			} else {
				gatewayStatus = handle.Status
			}
		}
	}

	return txn, voucher, gatewayStatus, nil
}

// RefundPayment refunds a settled transaction through its gateway. The
// preconditions are checked before any gateway call; a transaction that
// never settled, or settled without a linked gateway payment, needs
// manual processing.
func (s *BillingService) RefundPayment(ctx context.Context, req *types.RefundPaymentRequest) (*entity.Transaction, error) {
	txn, err := s.txnRepo.FindByCode(ctx, req.TransactionCode)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, ErrTransactionNotFound
	}
	if txn.Status != entity.TransactionStatusPaid || txn.Provider == nil || txn.ProviderPaymentID == nil {
		return nil, fmt.Errorf("%w: transaction is %s", ErrRefundPrecondition, txn.Status)
	}

	amount := req.AmountCents
	if amount == 0 {
		amount = txn.AmountCents
	}
	if amount > txn.AmountCents-txn.RefundedCents {
		return nil, fmt.Errorf("%w: refund amount exceeds refundable balance", ErrInvalidRequest)
	}

	providerClient, err := s.providerReg.Get(*txn.Provider)
	if err != nil {
		return nil, ErrProviderNotConfigured
	}

	handle, err := providerClient.RefundPayment(ctx, &provider.RefundInput{
		ProviderPaymentID: *txn.ProviderPaymentID,
		AmountCents:       amount,
		Currency:          txn.Currency,
		Reason:            req.Reason,
		Metadata:          cloneMetadata(txn.Metadata),
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	from := txn.Status
	txn.Status = entity.TransactionStatusRefunded
	txn.RefundID = normalizeOptionalString(handle.RefundID)
	txn.RefundedCents = txn.RefundedCents + amount
	txn.RefundReason = normalizeOptionalString(req.Reason)
	txn.RefundedAt = &now
	txn.UpdatedAt = now

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	ok, err := s.txnRepo.TransitionStatus(sctx, txn, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, findErr := s.txnRepo.FindByID(sctx, txn.ID)
		if findErr != nil {
			return nil, findErr
		}
		if current != nil && current.Status == entity.TransactionStatusRefunded {
			return current, nil
		}
		return nil, ErrIllegalTransition
	}

	s.invalidateVoucher(ctx, txn, now)
	s.publishStatusChanged(ctx, txn, from, now)

	return txn, nil
}

func (s *BillingService) markCreateFailed(ctx context.Context, txn *entity.Transaction, cause error) {
	now := time.Now().UTC()
	from := txn.Status
	reason := truncate(cause.Error(), 1024)

	failed := *txn
	failed.Status = entity.TransactionStatusFailed
	failed.FailureReason = &reason
	failed.UpdatedAt = now

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	if _, err := s.txnRepo.TransitionStatus(sctx, &failed, from); err != nil {
		s.logger.WithError(err).WithField("transaction_code", txn.Code).Warn("Failed to mark transaction failed after gateway error")
		return
	}
	*txn = failed
	s.publishStatusChanged(ctx, txn, from, now)
}

func (s *BillingService) invalidateVoucher(ctx context.Context, txn *entity.Transaction, now time.Time) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	invalidated, err := s.voucherRepo.InvalidateByTransactionID(sctx, txn.ID, now)
	if err != nil {
		s.logger.WithError(err).WithField("transaction_code", txn.Code).Error("Voucher invalidation failed after refund")
		return
	}
	if !invalidated {
		s.logger.WithField("transaction_code", txn.Code).Info("No unused voucher to invalidate for refunded transaction")
	}
}

func (s *BillingService) publishStatusChanged(ctx context.Context, txn *entity.Transaction, from entity.TransactionStatus, now time.Time) {
	if s.publisher == nil {
		return
	}

	providerName := ""
	if txn.Provider != nil {
		providerName = *txn.Provider
	}

	err := s.publisher.PublishStatusChanged(ctx, TransactionStatusChanged{
		TransactionID:   txn.ID,
		TransactionCode: txn.Code,
		UserID:          txn.UserID,
		PackageType:     txn.PackageType,
		OldStatus:       from,
		NewStatus:       txn.Status,
		Provider:        providerName,
		AmountCents:     txn.AmountCents,
		Currency:        txn.Currency,
		OccurredAt:      now,
	})
	if err != nil {
		s.logger.WithError(err).WithField("transaction_code", txn.Code).Warn("Status event publish failed")
	}
}

// storageContext bounds a single storage step independently of the
// inbound request deadline. A concurrent delivery holding the row lock
// times this caller out quickly instead of pinning it for the gateway's
// whole retry window.
func (s *BillingService) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.paymentsCfg.StorageTimeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *BillingService) batchSize() int32 {
	if s.paymentsCfg.JobBatchSize > 0 {
		return s.paymentsCfg.JobBatchSize
	}
	return defaultBatchSize
}

func paymentDescription(description, packageType string) string {
	if strings.TrimSpace(description) != "" {
		return strings.TrimSpace(description)
	}
	return packageType + " assessment package"
}

func normalizeOptionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return map[string]string{}
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
