package config

import "errors"

// Errors returned by Load and Validate; match with errors.Is.
var (
	// ErrInvalidConfig marks a value that parsed but violates a constraint.
	ErrInvalidConfig = errors.New("config: invalid value")
	// ErrLoadConfig marks a source (file, env, dotenv) that could not be read.
	ErrLoadConfig = errors.New("config: load failed")
)
