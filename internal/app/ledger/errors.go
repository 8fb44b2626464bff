package ledger

import (
	"fmt"

	"github.com/okian/bawo/internal/domain/fault"
)

var (
	ErrInvalidPoints   = fault.New(fault.ErrValidation, "points must be positive")
	ErrInvalidActivity = fault.New(fault.ErrValidation, "unknown points activity")
	ErrInvalidRevenue  = fault.New(fault.ErrValidation, "revenue must be positive")
	ErrWorkerNotFound  = fault.New(fault.ErrNotFound, "worker")
)

// Reason is a machine-readable redemption refusal.
type Reason string

// Refusal reasons, in the order they are checked.
const (
	ReasonMinimumNotMet      Reason = "MINIMUM_NOT_MET"
	ReasonInsufficientPoints Reason = "INSUFFICIENT_POINTS"
	ReasonPoolInsufficient   Reason = "REDEMPTION_POOL_INSUFFICIENT"
	ReasonInactiveWorker     Reason = "INACTIVE_WORKER"
)

// RedeemError reports why a redemption was refused.
type RedeemError struct {
	Reason Reason
	Detail string
}

func (e *RedeemError) Error() string {
	if e.Detail == "" {
		return "redeem: " + string(e.Reason)
	}
	return fmt.Sprintf("redeem: %s: %s", e.Reason, e.Detail)
}

// Unwrap classifies every refusal as a business rule failure.
func (e *RedeemError) Unwrap() error { return fault.ErrBusiness }

func refuse(r Reason, format string, args ...any) error {
	return &RedeemError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}
