package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/asesmen-labs/ms-go-billing/app/entity"
)

var ErrVoucherAlreadyIssued = errors.New("voucher already issued for transaction")

const voucherColumns = `id, user_id, package_type, code, transaction_id, expires_at, used, used_at, created_at`

type VoucherRepository struct {
	db DBTX
}

func NewVoucherRepository(db DBTX) *VoucherRepository {
	return &VoucherRepository{db: db}
}

// Create inserts the voucher for a paid transaction. The unique key on
// transaction_id turns a redelivered webhook into ErrVoucherAlreadyIssued
// instead of a second voucher.
func (r *VoucherRepository) Create(ctx context.Context, voucher *entity.Voucher) error {
	query := `
		INSERT INTO vouchers (
			user_id, package_type, code, transaction_id, expires_at, used, used_at, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		voucher.UserID,
		voucher.PackageType,
		voucher.Code,
		voucher.TransactionID,
		voucher.ExpiresAt,
		voucher.Used,
		nullableTimeValue(voucher.UsedAt),
		voucher.CreatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrVoucherAlreadyIssued
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	voucher.ID = uint64(id)
	return nil
}

func (r *VoucherRepository) FindByTransactionID(ctx context.Context, transactionID uint64) (*entity.Voucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE transaction_id = ? LIMIT 1`

	voucher := &entity.Voucher{}
	if err := scanVoucher(r.db.QueryRowContext(ctx, query, transactionID), voucher); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return voucher, nil
}

// InvalidateByTransactionID marks the voucher issued for a refunded
// transaction as used without redeeming it. Vouchers of other
// transactions, packages, or users are never touched.
func (r *VoucherRepository) InvalidateByTransactionID(ctx context.Context, transactionID uint64, now time.Time) (bool, error) {
	query := `UPDATE vouchers SET used = TRUE, used_at = ? WHERE transaction_id = ? AND used = FALSE`

	result, err := r.db.ExecContext(ctx, query, now, transactionID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanVoucher(scan rowScanner, voucher *entity.Voucher) error {
	var usedAt sql.NullTime

	err := scan.Scan(
		&voucher.ID,
		&voucher.UserID,
		&voucher.PackageType,
		&voucher.Code,
		&voucher.TransactionID,
		&voucher.ExpiresAt,
		&voucher.Used,
		&usedAt,
		&voucher.CreatedAt,
	)
	if err != nil {
		return err
	}

	voucher.UsedAt = timePtrFromNull(usedAt)
	return nil
}
