// Package venue abstracts the external execution system that finalizes
// trades. The venue is the single source of truth for whether a transaction
// lands; ambiguous responses are surfaced as such, never as success or
// failure.
package venue

import (
	"context"

	"main/internal/schema"
)

// Receipt identifies a submitted transaction at the venue, e.g. a Solana
// transaction signature.
type Receipt string

// SubmitKind classifies a submission response.
type SubmitKind uint16

const (
	SubmitUnknown SubmitKind = iota
	SubmitAccepted
	SubmitRejected
	SubmitAmbiguous
)

func (k SubmitKind) String() string {
	switch k {
	case SubmitAccepted:
		return "accepted"
	case SubmitRejected:
		return "rejected"
	case SubmitAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// SubmitResult is the venue's answer to a submission. An ambiguous result may
// still carry a receipt when the transaction signature is known locally.
type SubmitResult struct {
	Kind    SubmitKind
	Receipt Receipt
	Reason  string
}

// Status is the settlement state of a submitted transaction.
type Status uint16

const (
	StatusUnknown Status = iota
	StatusPending
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// QueryResult reports settlement status. Fill fields are set once confirmed.
type QueryResult struct {
	Status    Status
	FillPrice schema.Price
	FillQty   schema.Quantity
	Fee       schema.Fee
	Reason    string
}

// Transaction is the venue-level description of an order to execute.
type Transaction struct {
	IntentID       schema.IntentID
	AccountID      schema.AccountID
	InstrumentID   schema.InstrumentID
	Side           schema.OrderSide
	Qty            schema.Quantity
	MaxSlippageBps int
}

// Client submits transactions and reports their settlement status.
// Submissions carry an idempotency key so a retried submission can never be
// double-applied by a well-behaved venue.
type Client interface {
	Submit(ctx context.Context, tx Transaction, idempotencyKey string) (SubmitResult, error)
	Query(ctx context.Context, receipt Receipt) (QueryResult, error)
}
