// Package saga orchestrates order fulfillment: reserve seats, persist the
// order, charge, allocate, issue tickets. Steps run strictly in order and a
// failed step compensates everything already committed, in reverse.
package saga

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"github.com/robertarktes/ticket-purchase-saga/internal/inventory"
	"github.com/robertarktes/ticket-purchase-saga/internal/ledger"
	"github.com/robertarktes/ticket-purchase-saga/internal/observability"
)

// OrderStore persists orders atomically with their outbox events. The crdb
// wrapper is the production implementation.
type OrderStore interface {
	CreateOrder(ctx context.Context, order domain.Order) error
	ConfirmOrder(ctx context.Context, orderID uuid.UUID, paymentID string, tickets []domain.Ticket) error
	CancelOrder(ctx context.Context, orderID uuid.UUID) error
	MarkNeedsReconciliation(ctx context.Context, orderID uuid.UUID, paymentID string) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
}

// Charger is the payment ledger's charge entry point.
type Charger interface {
	ProcessCharge(ctx context.Context, req ledger.ChargeRequest) (*domain.Payment, error)
}

type Saga struct {
	orders    OrderStore
	inventory inventory.Client
	charger   Charger
	logger    observability.Logger
	currency  string
}

func New(orders OrderStore, inv inventory.Client, charger Charger, logger observability.Logger, currency string) *Saga {
	return &Saga{
		orders:    orders,
		inventory: inv,
		charger:   charger,
		logger:    logger,
		currency:  currency,
	}
}

type CreateOrderInput struct {
	UserID        uuid.UUID
	EventID       uuid.UUID
	SeatSelectors []string
	Method        string
	MethodDetails map[string]string
	CorrelationID string
	// IdempotencyKey scopes the charge; the order-level key is handled at the
	// HTTP entry point before the saga runs.
	IdempotencyKey string
}

type CreateOrderResult struct {
	Order   domain.Order
	Tickets []domain.Ticket
}

var chargeKeyNamespace = uuid.MustParse("6b4a1c25-9d0e-47f3-b6a2-4f8c31d7e905")

// chargeKey derives the payment-level idempotency key from the order so a
// re-driven charge step can never double-charge the same order.
func chargeKey(orderID uuid.UUID) string {
	return uuid.NewSHA1(chargeKeyNamespace, []byte("charge:"+orderID.String())).String()
}

// CreateOrder runs the fulfillment saga to a terminal decision. The caller
// is expected to invoke it on a context that survives client disconnects.
func (s *Saga) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	if len(in.SeatSelectors) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "no seats requested")
	}
	log := s.logger.WithField("correlation_id", in.CorrelationID)

	// Reserve. Nothing committed yet, so a failure aborts cleanly.
	hold, err := step("reserve", func() (domain.Hold, error) {
		return s.inventory.Reserve(ctx, in.EventID, in.UserID, in.SeatSelectors)
	})
	if err != nil {
		return nil, errors.Wrap(domain.ErrInventoryUnavailable, err.Error())
	}
	if len(hold.Seats) == 0 {
		return nil, errors.Wrap(domain.ErrInventoryUnavailable, "no seats reserved")
	}

	// Persist the order and its line items from the authoritative reserve
	// response. On failure the hold is the only committed step to unwind.
	order := domain.NewOrder(in.UserID, in.EventID, hold.Seats, s.currency)
	if _, err := step("persist", func() (struct{}, error) {
		return struct{}{}, s.orders.CreateOrder(ctx, order)
	}); err != nil {
		s.release(ctx, log, hold.Token, "order_persist_failed")
		return nil, errors.Wrap(err, "persist order")
	}
	log = log.WithField("order_id", order.ID.String())

	// Charge. Declines and gateway failures cancel the order and release the
	// hold, in that reverse order.
	payment, err := step("charge", func() (*domain.Payment, error) {
		return s.charger.ProcessCharge(ctx, ledger.ChargeRequest{
			OrderID:        order.ID.String(),
			UserID:         in.UserID.String(),
			Amount:         order.Total,
			Currency:       order.Currency,
			Method:         in.Method,
			MethodDetails:  in.MethodDetails,
			IdempotencyKey: chargeKey(order.ID),
			CorrelationID:  in.CorrelationID,
		})
	})
	if err != nil || payment.Status != domain.PaymentSuccess {
		cancelled := s.cancel(ctx, log, order.ID)
		released := s.release(ctx, log, hold.Token, "payment_failed")
		observability.OrdersTotal.WithLabelValues("payment_declined").Inc()
		reason := "declined"
		if err != nil {
			reason = err.Error()
		} else if payment.FailureReason != "" {
			reason = payment.FailureReason
		}
		return nil, errors.Wrapf(domain.ErrPaymentDeclined,
			"charge step failed (%s); compensation: order cancelled=%t, hold released=%t",
			reason, cancelled, released)
	}

	// Allocate. Failing here after a captured charge is not mechanically
	// reversible; the order goes to the reconciliation queue instead of an
	// automatic refund.
	if _, err := step("allocate", func() (struct{}, error) {
		return struct{}{}, s.inventory.Allocate(ctx, hold.Token, order.ID)
	}); err != nil {
		if rerr := s.orders.MarkNeedsReconciliation(ctx, order.ID, payment.PaymentID); rerr != nil {
			log.Error("mark reconciliation: ", rerr)
		}
		observability.OrdersTotal.WithLabelValues("reconcile").Inc()
		return nil, errors.Wrapf(domain.ErrAllocationFailedAfterCharge,
			"allocate step failed (%s); payment %s captured, operator follow-up required",
			err.Error(), payment.PaymentID)
	}

	// Issue tickets and confirm. Ticket refs are deterministic per order and
	// seat, so the retry cannot mint duplicates.
	tickets := domain.IssueTickets(order)
	if err := s.confirmWithRetry(ctx, order.ID, payment.PaymentID, tickets); err != nil {
		if rerr := s.orders.MarkNeedsReconciliation(ctx, order.ID, payment.PaymentID); rerr != nil {
			log.Error("mark reconciliation: ", rerr)
		}
		observability.OrdersTotal.WithLabelValues("reconcile").Inc()
		return nil, errors.Wrap(err, "confirm order")
	}

	order.Status = domain.OrderConfirmed
	order.PaymentID = payment.PaymentID
	order.Tickets = tickets
	observability.OrdersTotal.WithLabelValues("confirmed").Inc()
	log.Info("order confirmed")
	return &CreateOrderResult{Order: order, Tickets: tickets}, nil
}

func (s *Saga) confirmWithRetry(ctx context.Context, orderID uuid.UUID, paymentID string, tickets []domain.Ticket) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.orders.ConfirmOrder(ctx, orderID, paymentID, tickets); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * 100 * time.Millisecond):
		}
	}
	return err
}

// CancelOrder is permitted only while the order is PENDING. It does not
// release seat holds; only the saga's own compensation path does that.
func (s *Saga) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	if err := s.orders.CancelOrder(ctx, orderID); err != nil {
		return err
	}
	observability.OrdersTotal.WithLabelValues("cancelled").Inc()
	return nil
}

func (s *Saga) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.orders.GetOrder(ctx, orderID)
}

func (s *Saga) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.orders.ListOrders(ctx, limit)
}

func (s *Saga) cancel(ctx context.Context, log observability.Logger, orderID uuid.UUID) bool {
	if err := s.orders.CancelOrder(ctx, orderID); err != nil {
		log.Error("compensation cancel order: ", err)
		return false
	}
	return true
}

func (s *Saga) release(ctx context.Context, log observability.Logger, holdToken, reason string) bool {
	if err := s.inventory.Release(ctx, holdToken, reason); err != nil {
		log.Error("compensation release hold: ", err)
		return false
	}
	return true
}

// step times a saga step for the duration histogram.
func step[T any](name string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	observability.SagaStepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return v, err
}
