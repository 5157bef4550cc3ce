package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TicketClass is the organizer-supplied configuration for one class of
// tickets on an event.
type TicketClass struct {
	Name      string
	Capacity  int
	UnitPrice decimal.Decimal
	Currency  string
}

type InventoryRecord struct {
	EventID     uuid.UUID
	TicketClass string
	Total       int
	Consumed    int
	UnitPrice   decimal.Decimal
	Currency    string
}

func (r InventoryRecord) Available() int {
	return r.Total - r.Consumed
}

func (r InventoryRecord) CanReserve(quantity int) bool {
	return quantity > 0 && r.Consumed+quantity <= r.Total
}

type Availability struct {
	Total     int `json:"total"`
	Consumed  int `json:"consumed"`
	Available int `json:"available"`
}

func (r InventoryRecord) Availability() Availability {
	return Availability{
		Total:     r.Total,
		Consumed:  r.Consumed,
		Available: r.Available(),
	}
}

// ReservationToken is handed out by a successful reserve and is the only
// handle that can give the capacity back.
type ReservationToken struct {
	ID          uuid.UUID
	BookingID   uuid.UUID
	EventID     uuid.UUID
	TicketClass string
	Quantity    int
	UnitPrice   decimal.Decimal
	Currency    string
}
