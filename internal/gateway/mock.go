package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
)

// MockGateway stands in for a real processor in local runs and load tests.
type MockGateway struct {
	// Decline makes every charge fail with FailureReason.
	Decline       bool
	FailureReason string
	// Delay simulates processor latency.
	Delay time.Duration

	charges      atomic.Int64
	refunds      atomic.Int64
	transactions sync.Map
}

func NewMockGateway() *MockGateway { return &MockGateway{} }

func (g *MockGateway) Name() string { return "mock" }

func (g *MockGateway) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	if err := g.wait(ctx); err != nil {
		return Result{}, err
	}
	g.charges.Add(1)

	if g.Decline {
		reason := g.FailureReason
		if reason == "" {
			reason = "card_declined"
		}
		return Result{Status: domain.PaymentFailed, FailureReason: reason}, nil
	}

	txnID := fmt.Sprintf("mock_txn_%s", uuid.New().String()[:8])
	g.transactions.Store(txnID, req.Amount)
	return Result{Status: domain.PaymentSuccess, TransactionID: txnID}, nil
}

func (g *MockGateway) Refund(ctx context.Context, transactionID string, amount int64) (Result, error) {
	if err := g.wait(ctx); err != nil {
		return Result{}, err
	}
	g.refunds.Add(1)

	if _, ok := g.transactions.Load(transactionID); !ok {
		return Result{}, errors.Newf("transaction not found: %s", transactionID)
	}
	return Result{
		Status:        domain.PaymentSuccess,
		TransactionID: fmt.Sprintf("mock_ref_%s", uuid.New().String()[:8]),
	}, nil
}

// ChargeCalls reports how many charges reached the processor.
func (g *MockGateway) ChargeCalls() int64 { return g.charges.Load() }

func (g *MockGateway) RefundCalls() int64 { return g.refunds.Load() }

func (g *MockGateway) wait(ctx context.Context) error {
	if g.Delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.Delay):
		return nil
	}
}
