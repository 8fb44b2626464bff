package milestones

import "github.com/okian/bawo/internal/domain/fault"

var (
	ErrWorkerNotFound      = fault.New(fault.ErrNotFound, "worker")
	ErrInvalidReferralCode = fault.New(fault.ErrValidation, "invalid referral code")
)
