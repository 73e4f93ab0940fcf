package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-purchase-saga/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	SerializationFailureCode = "40001"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
			return domain.ErrSerializationFailure
		}
		return err
	}

	return tx.Commit(ctx)
}

// CreateOrder persists the order and its line items in one transaction.
func (r *Repository) CreateOrder(ctx context.Context, tx pgx.Tx, order domain.Order) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO orders (id, external_id, user_id, event_id, status, subtotal, tax, total, currency, needs_reconciliation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10)
	`, order.ID, order.ExternalID, order.UserID, order.EventID, order.Status,
		order.Subtotal, order.Tax, order.Total, order.Currency, order.CreatedAt)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range order.Items {
		item := item
		g.Go(func() error {
			_, err := tx.Exec(gctx, `
				INSERT INTO order_line_items (order_id, seat_id, seat_label, price, quantity)
				VALUES ($1, $2, $3, $4, $5)
			`, order.ID, item.SeatID, item.SeatLabel, item.Price, item.Quantity)
			return err
		})
	}
	return g.Wait()
}

// InsertTickets is safe to repeat for the same order: ticket refs are
// deterministic and the unique constraint absorbs the replay.
func (r *Repository) InsertTickets(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, tickets []domain.Ticket) error {
	for _, t := range tickets {
		_, err := tx.Exec(ctx, `
			INSERT INTO tickets (id, order_id, ticket_ref, seat_id, price, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (ticket_ref) DO NOTHING
		`, t.ID, orderID, t.Ref, t.SeatID, t.Price, t.Status)
		if err != nil {
			return err
		}
	}
	return nil
}

// ConfirmOrder moves a PENDING order to CONFIRMED and records the payment.
func (r *Repository) ConfirmOrder(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, paymentID string) error {
	result, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2, payment_id = $3 WHERE id = $1 AND status = $4
	`, orderID, domain.OrderConfirmed, paymentID, domain.OrderPending)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// CancelOrder transitions PENDING to CANCELLED. Any other current status is a
// conflict; a missing order is not found.
func (r *Repository) CancelOrder(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) error {
	result, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2 WHERE id = $1 AND status = $3
	`, orderID, domain.OrderCancelled, domain.OrderPending)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
		if err == pgx.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

// MarkNeedsReconciliation flags an order whose charge captured but whose
// seats were never allocated. The order stays visible to the reconcile queue.
func (r *Repository) MarkNeedsReconciliation(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, paymentID string) error {
	result, err := tx.Exec(ctx, `
		UPDATE orders SET needs_reconciliation = true, payment_id = $2 WHERE id = $1
	`, orderID, paymentID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	var order domain.Order
	var paymentID *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, external_id, user_id, event_id, status, subtotal, tax, total, currency, payment_id, needs_reconciliation, created_at
		FROM orders WHERE id = $1
	`, orderID).Scan(&order.ID, &order.ExternalID, &order.UserID, &order.EventID, &order.Status,
		&order.Subtotal, &order.Tax, &order.Total, &order.Currency, &paymentID,
		&order.NeedsReconciliation, &order.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if paymentID != nil {
		order.PaymentID = *paymentID
	}

	rows, err := r.pool.Query(ctx, `
		SELECT seat_id, seat_label, price, quantity
		FROM order_line_items WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.SeatID, &item.SeatLabel, &item.Price, &item.Quantity); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	trows, err := r.pool.Query(ctx, `
		SELECT id, ticket_ref, seat_id, price, status
		FROM tickets WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer trows.Close()
	for trows.Next() {
		var t domain.Ticket
		if err := trows.Scan(&t.ID, &t.Ref, &t.SeatID, &t.Price, &t.Status); err != nil {
			return nil, err
		}
		order.Tickets = append(order.Tickets, t)
	}

	return &order, nil
}

func (r *Repository) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, external_id, user_id, event_id, status, subtotal, tax, total, currency, needs_reconciliation, created_at
		FROM orders ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.ExternalID, &o.UserID, &o.EventID, &o.Status,
			&o.Subtotal, &o.Tax, &o.Total, &o.Currency, &o.NeedsReconciliation, &o.CreatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}
