// Package gateway normalizes external payment processors behind a single
// capability interface. One implementation per payment method; the ledger
// selects one through the Registry and never branches on method itself.
package gateway

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
)

type ChargeRequest struct {
	PaymentID     string
	OrderID       string
	Amount        int64
	Currency      string
	MethodDetails map[string]string
}

// Result is the normalized gateway outcome. Status is one of the payment
// statuses PENDING, SUCCESS or FAILED; PENDING means the processor itself
// reports more steps are needed, never a local error.
type Result struct {
	Status        string
	TransactionID string
	FailureReason string
}

type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Result, error)
	Refund(ctx context.Context, transactionID string, amount int64) (Result, error)
	Name() string
}

// Registry maps a payment method to its gateway. Adding a method means
// adding an entry here, nothing in the ledger or saga changes.
type Registry map[string]Gateway

func (r Registry) For(method string) (Gateway, error) {
	gw, ok := r[method]
	if !ok {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unsupported payment method %q", method)
	}
	return gw, nil
}
