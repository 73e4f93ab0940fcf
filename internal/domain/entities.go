package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	OrderPending   = "PENDING"
	OrderConfirmed = "CONFIRMED"
	OrderCancelled = "CANCELLED"
)

// Order is owned by the fulfillment saga until it reaches a terminal status.
// Amounts are integer minor units.
type Order struct {
	ID         uuid.UUID
	ExternalID uuid.UUID
	UserID     uuid.UUID
	EventID    uuid.UUID
	Status     string
	Subtotal   int64
	Tax        int64
	Total      int64
	Currency   string
	PaymentID  string
	// NeedsReconciliation marks an order whose seats could not be allocated
	// after the charge was captured. Operator follow-up, never automatic.
	NeedsReconciliation bool
	CreatedAt           time.Time
	Items               []LineItem
	Tickets             []Ticket
}

// LineItem is immutable once persisted. Seat data comes from the seating
// service's reserve response, never from client input.
type LineItem struct {
	SeatID    string
	SeatLabel string
	Price     int64
	Quantity  int
}

const (
	TicketIssued = "ISSUED"
	TicketVoid   = "VOID"
)

type Ticket struct {
	ID     uuid.UUID
	Ref    string
	SeatID string
	Price  int64
	Status string
}

// Hold references the seating service's temporary claim on a set of seats.
// Its lifecycle belongs to that service; the saga only carries the token.
type Hold struct {
	Token     string
	EventID   uuid.UUID
	Seats     []ReservedSeat
	ExpiresAt time.Time
}

// ReservedSeat is the authoritative seat/price record returned by reserve.
type ReservedSeat struct {
	SeatID string
	Label  string
	Price  int64
}
