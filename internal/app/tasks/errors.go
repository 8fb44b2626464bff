package tasks

import "github.com/okian/bawo/internal/domain/fault"

var (
	ErrWorkerNotFound  = fault.New(fault.ErrNotFound, "worker")
	ErrTaskNotFound    = fault.New(fault.ErrNotFound, "task")
	ErrUnknownType     = fault.New(fault.ErrValidation, "unknown task type")
	ErrInvalidResponse = fault.New(fault.ErrValidation, "response must be non-empty with a non-negative latency")
	ErrInvalidOption   = fault.New(fault.ErrValidation, "response is not one of the task options")
	ErrNotEligible     = fault.New(fault.ErrBusiness, "verification level too low for task type")
	ErrTooManyHeld     = fault.New(fault.ErrBusiness, "too many unanswered tasks held")
	ErrNotAssigned     = fault.New(fault.ErrBusiness, "task is not assigned to worker")
	ErrTaskClosed      = fault.New(fault.ErrBusiness, "task no longer accepts responses")
	ErrAlreadyAnswered = fault.New(fault.ErrConflict, "worker already answered task")
)
