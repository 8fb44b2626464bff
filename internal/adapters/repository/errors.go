package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrUnknownDriver = errors.New("unknown database driver")
	ErrOpen          = errors.New("open store failed")
	ErrMigrate       = errors.New("migrate store failed")
)
