package service

import "errors"

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrProviderNotConfigured = errors.New("provider is not configured")
	ErrIllegalTransition     = errors.New("illegal transaction state transition")
	ErrRefundPrecondition    = errors.New("manual refund required")
	ErrCallbackRejected      = errors.New("callback rejected")
)
