package workers

import "github.com/okian/bawo/internal/domain/fault"

var (
	ErrWorkerNotFound       = fault.New(fault.ErrNotFound, "worker")
	ErrInvalidAddress       = fault.New(fault.ErrValidation, "payout address is required")
	ErrInvalidVerification  = fault.New(fault.ErrValidation, "verification level must be 0, 1 or 2")
	ErrReferrerNotFound     = fault.New(fault.ErrValidation, "referrer does not exist")
	ErrSelfReferral         = fault.New(fault.ErrValidation, "a worker cannot refer itself")
	ErrAddressTaken         = fault.New(fault.ErrConflict, "address already registered")
	ErrReferrerAlreadyKnown = fault.New(fault.ErrConflict, "referrer already set")
)
