package api

import (
	"errors"
	"fmt"

	"github.com/okian/bawo/internal/domain/fault"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest   = fault.New(fault.ErrValidation, "bad request")
	ErrBadBody      = fault.New(fault.ErrValidation, "malformed request body")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// OpError ties an error to the handler operation that produced it.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return e.Op
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *OpError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap attaches op to err, classifying it by its fault kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Kind: fault.Kind(err), Err: err}
}

// WrapKind attaches op to err under an explicit kind.
func WrapKind(op string, kind, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// NewKind returns an error of kind for op without a further cause.
func NewKind(op string, kind error) error {
	return &OpError{Op: op, Kind: kind}
}
