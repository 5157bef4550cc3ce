package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OutcomeType string

const (
	OutcomeBookingConfirmed OutcomeType = "BookingConfirmed"
	OutcomeBookingCancelled OutcomeType = "BookingCancelled"
	OutcomeBookingExpired   OutcomeType = "BookingExpired"
	OutcomePaymentDeclined  OutcomeType = "PaymentDeclined"
)

// OutcomeEvent is emitted once per finished saga for downstream
// confirmation and notification rendering.
type OutcomeEvent struct {
	ID            uuid.UUID        `json:"id"`
	Type          OutcomeType      `json:"type"`
	BookingID     uuid.UUID        `json:"booking_id"`
	UserID        uuid.UUID        `json:"user_id"`
	EventID       uuid.UUID        `json:"event_id"`
	OrganizerID   uuid.UUID        `json:"organizer_id"`
	Status        BookingStatus    `json:"status"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	RefundPending bool             `json:"refund_pending,omitempty"`
	RefundAmount  *decimal.Decimal `json:"refund_amount,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

func NewOutcomeEvent(t OutcomeType, b Booking, at time.Time) OutcomeEvent {
	ev := OutcomeEvent{
		ID:            uuid.New(),
		Type:          t,
		BookingID:     b.ID,
		UserID:        b.UserID,
		EventID:       b.EventID,
		OrganizerID:   b.OrganizerID,
		Status:        b.Status,
		Amount:        b.TotalAmount,
		Currency:      b.Currency,
		RefundPending: b.RefundPending,
		OccurredAt:    at,
	}
	if b.Refund != nil {
		amount := b.Refund.Amount
		ev.RefundAmount = &amount
	}
	if b.Cancellation != nil {
		ev.Reason = b.Cancellation.Reason
	}
	return ev
}
