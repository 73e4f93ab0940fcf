package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	// Saga step failures.
	ErrInventoryUnavailable        = errors.New("inventory unavailable")
	ErrPaymentDeclined             = errors.New("payment declined")
	ErrAllocationFailedAfterCharge = errors.New("allocation failed after charge")

	// Ledger invariants.
	ErrNotRefundable        = errors.New("payment not refundable")
	ErrRefundExceedsBalance = errors.New("refund exceeds remaining balance")
	ErrPaymentExpired       = errors.New("payment expired")

	// Idempotency cache.
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	ErrInFlight              = errors.New("request with this idempotency key is in flight")
)
