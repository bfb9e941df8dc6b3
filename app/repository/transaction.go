package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/asesmen-labs/ms-go-billing/app/entity"
)

var (
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionAlreadyExists = errors.New("transaction already exists")
	ErrProviderPaymentLinked    = errors.New("provider payment id already linked")
)

const transactionColumns = `id, code, user_id, package_type, amount_cents, currency, payment_method,
	status, provider, provider_payment_id, checkout_url, expires_at,
	paid_at, failure_reason, refund_id, refunded_cents, refund_reason, refunded_at,
	voucher_pending, metadata_json, created_at, updated_at`

type TransactionRepository struct {
	db DBTX
}

func NewTransactionRepository(db DBTX) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *entity.Transaction) error {
	metadataJSON, err := serializeMetadata(txn.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (
			code, user_id, package_type, amount_cents, currency, payment_method,
			status, provider, provider_payment_id, checkout_url, expires_at,
			paid_at, failure_reason, refund_id, refunded_cents, refund_reason, refunded_at,
			voucher_pending, metadata_json, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		txn.Code,
		txn.UserID,
		txn.PackageType,
		txn.AmountCents,
		txn.Currency,
		txn.PaymentMethod,
		string(txn.Status),
		nullableStringValue(txn.Provider),
		nullableStringValue(txn.ProviderPaymentID),
		nullableStringValue(txn.CheckoutURL),
		nullableTimeValue(txn.ExpiresAt),
		nullableTimeValue(txn.PaidAt),
		nullableStringValue(txn.FailureReason),
		nullableStringValue(txn.RefundID),
		txn.RefundedCents,
		nullableStringValue(txn.RefundReason),
		nullableTimeValue(txn.RefundedAt),
		txn.VoucherPending,
		metadataJSON,
		txn.CreatedAt,
		txn.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrTransactionAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	txn.ID = uint64(id)
	return nil
}

// AttachProviderPayment links a gateway payment to the transaction. The
// WHERE clause keeps provider_payment_id write-once: once linked it never
// changes, and a retry that raced a webhook reports ErrProviderPaymentLinked.
func (r *TransactionRepository) AttachProviderPayment(ctx context.Context, txn *entity.Transaction) error {
	query := `
		UPDATE transactions SET
			provider = ?,
			provider_payment_id = ?,
			checkout_url = ?,
			expires_at = ?,
			updated_at = ?
		WHERE id = ? AND provider_payment_id IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(txn.Provider),
		nullableStringValue(txn.ProviderPaymentID),
		nullableStringValue(txn.CheckoutURL),
		nullableTimeValue(txn.ExpiresAt),
		txn.UpdatedAt,
		txn.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrProviderPaymentLinked
	}
	return nil
}

// TransitionStatus applies a status change with compare-and-swap
// semantics: the row moves only if it is still in `from`. Concurrent
// duplicate deliveries serialize here; exactly one caller sees ok=true.
func (r *TransactionRepository) TransitionStatus(ctx context.Context, txn *entity.Transaction, from entity.TransactionStatus) (bool, error) {
	metadataJSON, err := serializeMetadata(txn.Metadata)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE transactions SET
			status = ?,
			provider_payment_id = COALESCE(provider_payment_id, ?),
			paid_at = ?,
			failure_reason = ?,
			refund_id = ?,
			refunded_cents = ?,
			refund_reason = ?,
			refunded_at = ?,
			voucher_pending = ?,
			metadata_json = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		string(txn.Status),
		nullableStringValue(txn.ProviderPaymentID),
		nullableTimeValue(txn.PaidAt),
		nullableStringValue(txn.FailureReason),
		nullableStringValue(txn.RefundID),
		txn.RefundedCents,
		nullableStringValue(txn.RefundReason),
		nullableTimeValue(txn.RefundedAt),
		txn.VoucherPending,
		metadataJSON,
		txn.UpdatedAt,
		txn.ID,
		string(from),
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *TransactionRepository) ClearVoucherPending(ctx context.Context, id uint64, now time.Time) error {
	query := `UPDATE transactions SET voucher_pending = FALSE, updated_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, now, id)
	return err
}

func (r *TransactionRepository) FindByID(ctx context.Context, id uint64) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`
	return r.findOne(ctx, query, id)
}

func (r *TransactionRepository) FindByCode(ctx context.Context, code string) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE code = ? LIMIT 1`
	return r.findOne(ctx, query, code)
}

func (r *TransactionRepository) FindByProviderPaymentID(ctx context.Context, provider, providerPaymentID string) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE provider = ? AND provider_payment_id = ? LIMIT 1`
	return r.findOne(ctx, query, provider, providerPaymentID)
}

func (r *TransactionRepository) ListExpiredPending(ctx context.Context, now time.Time, cutoff time.Time, limit int32) ([]*entity.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = ?
		  AND ((expires_at IS NOT NULL AND expires_at <= ?) OR created_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?
	`
	return r.list(ctx, query, string(entity.TransactionStatusPending), now, cutoff, limit)
}

func (r *TransactionRepository) ListVoucherPending(ctx context.Context, limit int32) ([]*entity.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = ? AND voucher_pending = TRUE
		ORDER BY updated_at ASC
		LIMIT ?
	`
	return r.list(ctx, query, string(entity.TransactionStatusPaid), limit)
}

func (r *TransactionRepository) ListStalePending(ctx context.Context, before time.Time, limit int32) ([]*entity.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = ?
		  AND provider_payment_id IS NOT NULL
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`
	return r.list(ctx, query, string(entity.TransactionStatusPending), before, limit)
}

func (r *TransactionRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Transaction, error) {
	txn := &entity.Transaction{}
	if err := scanTransaction(r.db.QueryRowContext(ctx, query, args...), txn); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return txn, nil
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.Transaction, 0)
	for rows.Next() {
		item := &entity.Transaction{}
		if err := scanTransaction(rows, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(scan rowScanner, txn *entity.Transaction) error {
	var status string
	var provider sql.NullString
	var providerPaymentID sql.NullString
	var checkoutURL sql.NullString
	var expiresAt sql.NullTime
	var paidAt sql.NullTime
	var failureReason sql.NullString
	var refundID sql.NullString
	var refundReason sql.NullString
	var refundedAt sql.NullTime
	var metadataJSON string

	err := scan.Scan(
		&txn.ID,
		&txn.Code,
		&txn.UserID,
		&txn.PackageType,
		&txn.AmountCents,
		&txn.Currency,
		&txn.PaymentMethod,
		&status,
		&provider,
		&providerPaymentID,
		&checkoutURL,
		&expiresAt,
		&paidAt,
		&failureReason,
		&refundID,
		&txn.RefundedCents,
		&refundReason,
		&refundedAt,
		&txn.VoucherPending,
		&metadataJSON,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return err
	}

	txn.Status = entity.TransactionStatus(status)
	txn.Provider = stringPtrFromNull(provider)
	txn.ProviderPaymentID = stringPtrFromNull(providerPaymentID)
	txn.CheckoutURL = stringPtrFromNull(checkoutURL)
	txn.ExpiresAt = timePtrFromNull(expiresAt)
	txn.PaidAt = timePtrFromNull(paidAt)
	txn.FailureReason = stringPtrFromNull(failureReason)
	txn.RefundID = stringPtrFromNull(refundID)
	txn.RefundReason = stringPtrFromNull(refundReason)
	txn.RefundedAt = timePtrFromNull(refundedAt)

	metadata, err := parseMetadata(metadataJSON)
	if err != nil {
		return err
	}
	txn.Metadata = metadata

	return nil
}
