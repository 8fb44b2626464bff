// Package fault defines the error kinds every operation reports, so the
// transport can map an error to a response without knowing which component
// produced it. Component sentinels wrap one of these kinds.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input: unknown ids, bad values, wrong types.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrBusiness marks a well-formed request refused by a business rule.
	ErrBusiness = errors.New("business rule")
	// ErrConflict marks a request that lost a race or repeats completed work.
	ErrConflict = errors.New("conflict")
)

// New returns a sentinel of the given kind.
func New(kind error, msg string) error {
	return fmt.Errorf("%w: %s", kind, msg)
}

// Kind returns the kind err belongs to, or nil for internal errors.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrBusiness, ErrConflict} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
