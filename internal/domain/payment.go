package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	PaymentPending   = "PENDING"
	PaymentSuccess   = "SUCCESS"
	PaymentFailed    = "FAILED"
	PaymentRefunded  = "REFUNDED"
	PaymentCancelled = "CANCELLED"
)

const (
	MethodCard         = "card"
	MethodWallet       = "wallet"
	MethodBankTransfer = "bank_transfer"
)

const (
	RefundDuplicate      = "duplicate"
	RefundFraudulent     = "fraudulent"
	RefundByCustomer     = "requested_by_customer"
	RefundEventCancelled = "event_cancelled"
)

// Payment is the ledger's aggregate root. Refunds live inside it and are
// persisted with it; they have no lifecycle of their own.
type Payment struct {
	PaymentID            string
	OrderID              string
	UserID               string
	Amount               int64
	Currency             string
	Method               string
	Status               string
	GatewayTransactionID string
	FailureReason        string
	IdempotencyKey       string
	CorrelationID        string
	Refunds              []Refund
	ProcessedAt          *time.Time
	ExpiresAt            time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Refund struct {
	RefundID        string
	Amount          int64
	Reason          string
	Status          string
	GatewayRefundID string
	CreatedAt       time.Time
}

// NewPaymentID mimics the upstream gateway-neutral id format.
func NewPaymentID() string {
	return fmt.Sprintf("pay_%d_%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

func NewRefundID() string {
	return fmt.Sprintf("ref_%d_%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

// ValidMethod reports whether m is a supported payment method.
func ValidMethod(m string) bool {
	switch m {
	case MethodCard, MethodWallet, MethodBankTransfer:
		return true
	}
	return false
}

func ValidRefundReason(r string) bool {
	switch r {
	case RefundDuplicate, RefundFraudulent, RefundByCustomer, RefundEventCancelled:
		return true
	}
	return false
}

// TotalRefunded sums refunds that actually went through.
func (p *Payment) TotalRefunded() int64 {
	var total int64
	for _, r := range p.Refunds {
		if r.Status == PaymentSuccess {
			total += r.Amount
		}
	}
	return total
}

// RemainingBalance is the amount still refundable.
func (p *Payment) RemainingBalance() int64 {
	return p.Amount - p.TotalRefunded()
}

// Expired reports whether a PENDING payment has outlived its window.
func (p *Payment) Expired(now time.Time) bool {
	return p.Status == PaymentPending && now.After(p.ExpiresAt)
}

// Terminal statuses accept no further gateway-driven transitions.
func (p *Payment) Terminal() bool {
	switch p.Status {
	case PaymentFailed, PaymentRefunded, PaymentCancelled:
		return true
	}
	return false
}
