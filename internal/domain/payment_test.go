package domain_test

import (
	"testing"
	"time"

	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
)

func TestPayment_RefundBalances(t *testing.T) {
	p := domain.Payment{
		Amount: 10000,
		Status: domain.PaymentSuccess,
		Refunds: []domain.Refund{
			{Amount: 3000, Status: domain.PaymentSuccess},
			{Amount: 2000, Status: domain.PaymentPending},
			{Amount: 4000, Status: domain.PaymentFailed},
		},
	}

	// Only settled refunds count toward the total.
	if got := p.TotalRefunded(); got != 3000 {
		t.Errorf("TotalRefunded = %d, want 3000", got)
	}
	if got := p.RemainingBalance(); got != 7000 {
		t.Errorf("RemainingBalance = %d, want 7000", got)
	}
}

func TestPayment_Expired(t *testing.T) {
	now := time.Now().UTC()
	p := domain.Payment{Status: domain.PaymentPending, ExpiresAt: now.Add(-time.Minute)}
	if !p.Expired(now) {
		t.Error("stale PENDING payment should be expired")
	}

	p.ExpiresAt = now.Add(time.Minute)
	if p.Expired(now) {
		t.Error("payment inside its window should not be expired")
	}

	p.Status = domain.PaymentSuccess
	p.ExpiresAt = now.Add(-time.Minute)
	if p.Expired(now) {
		t.Error("only PENDING payments expire")
	}
}

func TestPayment_Terminal(t *testing.T) {
	terminal := map[string]bool{
		domain.PaymentPending:   false,
		domain.PaymentSuccess:   false,
		domain.PaymentFailed:    true,
		domain.PaymentRefunded:  true,
		domain.PaymentCancelled: true,
	}
	for status, want := range terminal {
		p := domain.Payment{Status: status}
		if got := p.Terminal(); got != want {
			t.Errorf("Terminal() for %s = %t, want %t", status, got, want)
		}
	}
}

func TestValidMethod(t *testing.T) {
	for _, m := range []string{domain.MethodCard, domain.MethodWallet, domain.MethodBankTransfer} {
		if !domain.ValidMethod(m) {
			t.Errorf("%s should be a valid method", m)
		}
	}
	if domain.ValidMethod("crypto") {
		t.Error("crypto should not be a valid method")
	}
}
