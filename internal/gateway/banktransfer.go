package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
)

// BankTransferGateway has no online processor. Charges stay PENDING until an
// operator or a bank webhook confirms settlement; refunds likewise.
type BankTransferGateway struct{}

func NewBankTransferGateway() *BankTransferGateway { return &BankTransferGateway{} }

func (g *BankTransferGateway) Name() string { return "bank_transfer" }

func (g *BankTransferGateway) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	return Result{
		Status:        domain.PaymentPending,
		TransactionID: fmt.Sprintf("BT-%d-%s", time.Now().UnixMilli(), req.PaymentID),
	}, nil
}

func (g *BankTransferGateway) Refund(ctx context.Context, transactionID string, amount int64) (Result, error) {
	return Result{
		Status:        domain.PaymentPending,
		TransactionID: transactionID,
	}, nil
}
