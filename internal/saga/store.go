package saga

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-purchase-saga/internal/adapters/crdb"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
)

// CRDBOrderStore writes each order transition and its outbox event in one
// SERIALIZABLE transaction, so the relay never publishes a state that did
// not commit.
type CRDBOrderStore struct {
	repo *crdb.Repository
}

func NewCRDBOrderStore(repo *crdb.Repository) *CRDBOrderStore {
	return &CRDBOrderStore{repo: repo}
}

func (s *CRDBOrderStore) CreateOrder(ctx context.Context, order domain.Order) error {
	return s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.repo.CreateOrder(ctx, tx, order); err != nil {
			return err
		}
		return s.insertEvent(ctx, tx, order.ID, "order.created", map[string]interface{}{
			"order_id":    order.ID,
			"external_id": order.ExternalID,
			"total":       order.Total,
			"currency":    order.Currency,
		})
	})
}

func (s *CRDBOrderStore) ConfirmOrder(ctx context.Context, orderID uuid.UUID, paymentID string, tickets []domain.Ticket) error {
	return s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.repo.InsertTickets(ctx, tx, orderID, tickets); err != nil {
			return err
		}
		if err := s.repo.ConfirmOrder(ctx, tx, orderID, paymentID); err != nil {
			return err
		}
		refs := make([]string, len(tickets))
		for i, t := range tickets {
			refs[i] = t.Ref
		}
		return s.insertEvent(ctx, tx, orderID, "order.confirmed", map[string]interface{}{
			"order_id":    orderID,
			"payment_id":  paymentID,
			"ticket_refs": refs,
		})
	})
}

func (s *CRDBOrderStore) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	return s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.repo.CancelOrder(ctx, tx, orderID); err != nil {
			return err
		}
		return s.insertEvent(ctx, tx, orderID, "order.cancelled", map[string]interface{}{
			"order_id": orderID,
		})
	})
}

func (s *CRDBOrderStore) MarkNeedsReconciliation(ctx context.Context, orderID uuid.UUID, paymentID string) error {
	return s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.repo.MarkNeedsReconciliation(ctx, tx, orderID, paymentID); err != nil {
			return err
		}
		return s.insertEvent(ctx, tx, orderID, "order.reconcile", map[string]interface{}{
			"order_id":   orderID,
			"payment_id": paymentID,
		})
	})
}

func (s *CRDBOrderStore) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

func (s *CRDBOrderStore) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.repo.ListOrders(ctx, limit)
}

func (s *CRDBOrderStore) insertEvent(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, eventType string, body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.repo.InsertOutbox(ctx, tx, crdb.OutboxRecord{
		ID:            uuid.New(),
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       payload,
		DedupeKey:     uuid.New().String(),
	})
}
