package payouts

import "github.com/okian/bawo/internal/domain/fault"

var (
	ErrInvalidAmount      = fault.New(fault.ErrValidation, "payout amount must be positive")
	ErrMissingKey         = fault.New(fault.ErrValidation, "payout idempotency key is required")
	ErrUnsupportedType    = fault.New(fault.ErrValidation, "transaction type cannot be paid out")
	ErrWorkerNotFound     = fault.New(fault.ErrNotFound, "worker")
	ErrTransactionMissing = fault.New(fault.ErrNotFound, "transaction")
)
