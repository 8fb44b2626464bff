package projects

import "github.com/okian/bawo/internal/domain/fault"

var (
	ErrClientNotFound    = fault.New(fault.ErrNotFound, "client")
	ErrProjectNotFound   = fault.New(fault.ErrNotFound, "project")
	ErrInvalidName       = fault.New(fault.ErrValidation, "name is required")
	ErrInvalidType       = fault.New(fault.ErrValidation, "unknown task type")
	ErrInvalidDeposit    = fault.New(fault.ErrValidation, "deposit must be positive")
	ErrNoItems           = fault.New(fault.ErrValidation, "at least one item is required")
	ErrTooManyItems      = fault.New(fault.ErrValidation, "too many items")
	ErrEmptyItem         = fault.New(fault.ErrValidation, "item content is empty")
	ErrPriceTooLow       = fault.New(fault.ErrValidation, "price per task below minimum")
	ErrInvalidOptions    = fault.New(fault.ErrValidation, "options must be distinct and non-empty")
	ErrInvalidGolden     = fault.New(fault.ErrValidation, "golden answer is not one of the options")
	ErrInsufficientFunds = fault.New(fault.ErrBusiness, "insufficient client balance")
)
