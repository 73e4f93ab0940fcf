package gateway_test

import (
	"context"
	"testing"

	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"github.com/robertarktes/ticket-purchase-saga/internal/gateway"
)

func TestMockGateway_ChargeAndRefund(t *testing.T) {
	g := gateway.NewMockGateway()
	ctx := context.Background()

	result, err := g.Charge(ctx, gateway.ChargeRequest{PaymentID: "pay_1", Amount: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != domain.PaymentSuccess {
		t.Errorf("status = %s, want SUCCESS", result.Status)
	}
	if result.TransactionID == "" {
		t.Error("charge should return a transaction id")
	}
	if g.ChargeCalls() != 1 {
		t.Errorf("charge calls = %d, want 1", g.ChargeCalls())
	}

	refund, err := g.Refund(ctx, result.TransactionID, 500)
	if err != nil {
		t.Fatal(err)
	}
	if refund.Status != domain.PaymentSuccess {
		t.Errorf("refund status = %s, want SUCCESS", refund.Status)
	}

	if _, err := g.Refund(ctx, "unknown-txn", 500); err == nil {
		t.Error("refunding an unknown transaction should fail")
	}
}

func TestMockGateway_Decline(t *testing.T) {
	g := gateway.NewMockGateway()
	g.Decline = true
	g.FailureReason = "insufficient_funds"

	result, err := g.Charge(context.Background(), gateway.ChargeRequest{PaymentID: "pay_1", Amount: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != domain.PaymentFailed {
		t.Errorf("status = %s, want FAILED", result.Status)
	}
	if result.FailureReason != "insufficient_funds" {
		t.Errorf("failure reason = %q", result.FailureReason)
	}
}

func TestRegistry_For(t *testing.T) {
	mock := gateway.NewMockGateway()
	registry := gateway.Registry{domain.MethodCard: mock}

	gw, err := registry.For(domain.MethodCard)
	if err != nil {
		t.Fatal(err)
	}
	if gw.Name() != "mock" {
		t.Errorf("gateway name = %s", gw.Name())
	}

	if _, err := registry.For(domain.MethodWallet); err == nil {
		t.Error("missing method should return an error")
	}
}
