package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// TaxRate applies to every order subtotal.
const TaxRate = 0.05

// ComputeTax rounds to the nearest minor unit, half away from zero.
func ComputeTax(subtotal int64) int64 {
	return int64(math.Round(float64(subtotal) * TaxRate))
}

// NewOrder builds a PENDING order from the seats the seating service actually
// reserved. Client-supplied prices are never consulted.
func NewOrder(userID, eventID uuid.UUID, seats []ReservedSeat, currency string) Order {
	items := make([]LineItem, len(seats))
	var subtotal int64
	for i, s := range seats {
		items[i] = LineItem{
			SeatID:    s.SeatID,
			SeatLabel: s.Label,
			Price:     s.Price,
			Quantity:  1,
		}
		subtotal += s.Price
	}
	tax := ComputeTax(subtotal)
	return Order{
		ID:         uuid.New(),
		ExternalID: uuid.New(),
		UserID:     userID,
		EventID:    eventID,
		Status:     OrderPending,
		Subtotal:   subtotal,
		Tax:        tax,
		Total:      subtotal + tax,
		Currency:   currency,
		CreatedAt:  time.Now().UTC(),
		Items:      items,
	}
}

var ticketNamespace = uuid.MustParse("8f1d4a60-3c2b-4ef7-9a54-10d9c7a1b2e3")

// TicketRef derives the ticket reference for a seat on an order. The same
// order and seat always produce the same reference, so re-running ticket
// issuance after a partial failure cannot mint duplicates.
func TicketRef(orderID uuid.UUID, seatID string) string {
	return "TKT-" + uuid.NewSHA1(ticketNamespace, []byte(orderID.String()+":"+seatID)).String()
}

// IssueTickets creates one ISSUED ticket per line item.
func IssueTickets(order Order) []Ticket {
	tickets := make([]Ticket, len(order.Items))
	for i, item := range order.Items {
		tickets[i] = Ticket{
			ID:     uuid.New(),
			Ref:    TicketRef(order.ID, item.SeatID),
			SeatID: item.SeatID,
			Price:  item.Price,
			Status: TicketIssued,
		}
	}
	return tickets
}
