package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"github.com/robertarktes/ticket-purchase-saga/internal/gateway"
	httphandler "github.com/robertarktes/ticket-purchase-saga/internal/http"
	"github.com/robertarktes/ticket-purchase-saga/internal/idempotency"
	"github.com/robertarktes/ticket-purchase-saga/internal/ledger"
	"github.com/robertarktes/ticket-purchase-saga/internal/observability"
	"github.com/robertarktes/ticket-purchase-saga/internal/saga"
)

type memBackend struct {
	mu   sync.Mutex
	recs map[string]idempotency.Record
}

func (b *memBackend) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.recs[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (b *memBackend) PutPendingNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.recs[key]; ok {
		return false, nil
	}
	b.recs[key] = idempotency.Record{State: idempotency.StatePending}
	return true, nil
}

func (b *memBackend) PutCommitted(ctx context.Context, key string, rec idempotency.Record, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recs[key] = rec
	return nil
}

func (b *memBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.recs, key)
	return nil
}

type memPayments struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment
}

func (s *memPayments) Insert(ctx context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payments {
		if existing.IdempotencyKey == p.IdempotencyKey {
			return domain.ErrConflict
		}
	}
	cp := *p
	s.payments[p.PaymentID] = &cp
	return nil
}

func (s *memPayments) FindByID(ctx context.Context, id string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memPayments) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.IdempotencyKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memPayments) FindByGatewayTransactionID(ctx context.Context, txnID string) (*domain.Payment, error) {
	return nil, domain.ErrNotFound
}

func (s *memPayments) FindByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return nil, nil
}

func (s *memPayments) SetOutcome(ctx context.Context, id, status, txnID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok || p.Status != domain.PaymentPending {
		return domain.ErrConflict
	}
	p.Status = status
	p.GatewayTransactionID = txnID
	p.FailureReason = reason
	return nil
}

func (s *memPayments) SetStatus(ctx context.Context, id, status, reason string) error {
	return domain.ErrNotFound
}

func (s *memPayments) AppendRefund(ctx context.Context, id string, r domain.Refund) error {
	return domain.ErrRefundExceedsBalance
}

func (s *memPayments) SetRefundStatus(ctx context.Context, id, refundID, status, gatewayRefundID string) error {
	return domain.ErrNotFound
}

func (s *memPayments) MarkRefundedIfSettled(ctx context.Context, id string) error {
	return nil
}

type memOrders struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*domain.Order
}

func (s *memOrders) CreateOrder(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := o
	s.orders[o.ID] = &cp
	return nil
}

func (s *memOrders) ConfirmOrder(ctx context.Context, id uuid.UUID, paymentID string, tickets []domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[id]
	o.Status = domain.OrderConfirmed
	o.PaymentID = paymentID
	o.Tickets = tickets
	return nil
}

func (s *memOrders) CancelOrder(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status != domain.OrderPending {
		return domain.ErrConflict
	}
	o.Status = domain.OrderCancelled
	return nil
}

func (s *memOrders) MarkNeedsReconciliation(ctx context.Context, id uuid.UUID, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id].NeedsReconciliation = true
	return nil
}

func (s *memOrders) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memOrders) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	return nil, nil
}

type stubInventory struct {
	mu       sync.Mutex
	reserves int
	releases int
}

func (f *stubInventory) Reserve(ctx context.Context, eventID, userID uuid.UUID, seats []string) (domain.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	reserved := make([]domain.ReservedSeat, len(seats))
	for i, s := range seats {
		reserved[i] = domain.ReservedSeat{SeatID: "seat-" + s, Label: s, Price: 1000}
	}
	return domain.Hold{Token: "hold-1", EventID: eventID, Seats: reserved}, nil
}

func (f *stubInventory) Allocate(ctx context.Context, holdToken string, orderID uuid.UUID) error {
	return nil
}

func (f *stubInventory) Release(ctx context.Context, holdToken, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

type nopLogger struct{}

func (nopLogger) Info(args ...interface{})                          {}
func (nopLogger) Error(args ...interface{})                         {}
func (nopLogger) Debug(args ...interface{})                         {}
func (nopLogger) Warn(args ...interface{})                          {}
func (nopLogger) WithField(string, interface{}) observability.Logger { return nopLogger{} }

func newStack(mock *gateway.MockGateway) (*httphandler.Handlers, *stubInventory) {
	store := &memPayments{payments: make(map[string]*domain.Payment)}
	ldg := ledger.New(store, gateway.Registry{domain.MethodCard: mock}, nil, nopLogger{}, 15*time.Minute, time.Second)
	inv := &stubInventory{}
	sg := saga.New(&memOrders{orders: make(map[uuid.UUID]*domain.Order)}, inv, ldg, nopLogger{}, "USD")
	idemp := idempotency.New(&memBackend{recs: make(map[string]idempotency.Record)}, time.Hour, time.Minute)
	return httphandler.NewHandlers(sg, ldg, idemp, nopLogger{}, nil), inv
}

func postOrder(h *httphandler.Handlers, key string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]interface{}{
		"user_id":        uuid.New().String(),
		"event_id":       uuid.New().String(),
		"seats":          []string{"A1", "A2"},
		"payment_method": domain.MethodCard,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", bytes.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	h.CreateOrder(w, req)
	return w
}

func TestCreateOrderHandler_ReplaySameKey(t *testing.T) {
	mock := gateway.NewMockGateway()
	h, inv := newStack(mock)
	key := uuid.New().String()

	first := postOrder(h, key)
	if first.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", first.Code, first.Body.String())
	}

	second := postOrder(h, key)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Error("replay must return the cached response byte for byte")
	}
	if mock.ChargeCalls() != 1 {
		t.Errorf("gateway charged %d times, want 1", mock.ChargeCalls())
	}
	if inv.reserves != 1 {
		t.Errorf("reserve ran %d times, want 1", inv.reserves)
	}
}

func TestCreateOrderHandler_RejectsMalformedKey(t *testing.T) {
	h, _ := newStack(gateway.NewMockGateway())

	w := postOrder(h, "not-a-uuid")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCreateOrderHandler_DeclineIsCachedUnderKey(t *testing.T) {
	mock := gateway.NewMockGateway()
	mock.Decline = true
	h, inv := newStack(mock)
	key := uuid.New().String()

	first := postOrder(h, key)
	if first.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402, body = %s", first.Code, first.Body.String())
	}
	if inv.releases != 1 {
		t.Errorf("hold released %d times, want 1", inv.releases)
	}

	// Declines are terminal: the retry gets the cached answer, the saga
	// does not run again.
	second := postOrder(h, key)
	if second.Code != http.StatusPaymentRequired {
		t.Fatalf("replay status = %d, want 402", second.Code)
	}
	if inv.reserves != 1 {
		t.Errorf("reserve ran %d times, want 1", inv.reserves)
	}
}

func TestWebhookHandler_UnknownEventAcknowledged(t *testing.T) {
	h, _ := newStack(gateway.NewMockGateway())

	body, _ := json.Marshal(map[string]interface{}{
		"event_type": "charge.disputed",
		"data":       map[string]string{"transaction_id": "txn-1"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Webhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
