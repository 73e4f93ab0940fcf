package ledger

import (
	"context"

	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
)

// Store is the payment persistence the ledger drives. The mongo adapter is
// the production implementation; AppendRefund must be a conditional write
// that rejects an amount the remaining balance cannot cover.
type Store interface {
	Insert(ctx context.Context, payment *domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (*domain.Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)
	FindByGatewayTransactionID(ctx context.Context, txnID string) (*domain.Payment, error)
	FindByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
	SetOutcome(ctx context.Context, paymentID, status, gatewayTxnID, failureReason string) error
	SetStatus(ctx context.Context, paymentID, status, reason string) error
	AppendRefund(ctx context.Context, paymentID string, refund domain.Refund) error
	SetRefundStatus(ctx context.Context, paymentID, refundID, status, gatewayRefundID string) error
	MarkRefundedIfSettled(ctx context.Context, paymentID string) error
}

// Notifier tells the order collaborator about a payment outcome. Calls are
// best-effort: the ledger logs failures and never blocks or fails on them.
type Notifier interface {
	PaymentOutcome(ctx context.Context, orderID, paymentID, status string) error
}
