// Package rail talks to the external payment network that settles worker
// payouts. A payout is a two step exchange: Send hands the transfer to the
// network and returns a receipt, AwaitConfirmation blocks until the network
// reports the transfer final.
package rail

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrRejected means the network refused the transfer outright.
	ErrRejected = errors.New("rail: transfer rejected")
	// ErrUnavailable means the network could not be reached or answered with a server error.
	ErrUnavailable = errors.New("rail: unavailable")
	// ErrTimeout means a bounded call ran out of time.
	ErrTimeout = errors.New("rail: timed out")
	// ErrNotConfirmed means the network reported the transfer as failed.
	ErrNotConfirmed = errors.New("rail: transfer not confirmed")
	// ErrUnknownReceipt means the receipt was never issued by this rail.
	ErrUnknownReceipt = errors.New("rail: unknown receipt")
)

// Payment is an outgoing transfer. Reference is passed to the network as its
// idempotency key so a resend of the same payout is never settled twice.
type Payment struct {
	Destination string
	Amount      decimal.Decimal
	Reference   string
}

// Receipt identifies an accepted transfer.
type Receipt struct {
	ID  string
	Fee decimal.Decimal
}

// Status is the settlement state reported by the network.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Confirmation is the final state of a transfer.
type Confirmation struct {
	Receipt Receipt
	Status  Status
	Reason  string
}

// Rail is the outbound payment network.
type Rail interface {
	Send(ctx context.Context, p Payment) (Receipt, error)
	AwaitConfirmation(ctx context.Context, r Receipt) (Confirmation, error)
}
