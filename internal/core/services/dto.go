package services

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

type LineItemRequest struct {
	TicketClass string `json:"ticket_class"`
	Quantity    int    `json:"quantity"`
}

type CreateBookingRequest struct {
	UserID           string            `json:"user_id"`
	EventID          string            `json:"event_id"`
	OrganizerID      string            `json:"organizer_id"`
	Items            []LineItemRequest `json:"items"`
	PaymentMethodRef string            `json:"payment_method_ref"`
}

type CancelBookingRequest struct {
	BookingID string `json:"-"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
}

type TicketClassRequest struct {
	Name      string          `json:"name"`
	Capacity  int             `json:"capacity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"currency"`
}

func (r TicketClassRequest) ToDomain() domain.TicketClass {
	return domain.TicketClass{
		Name:      r.Name,
		Capacity:  r.Capacity,
		UnitPrice: r.UnitPrice,
		Currency:  r.Currency,
	}
}

// BookingResult is what a saga leaves behind. Booking is always set when the
// saga got far enough to persist one, even if an error is returned as well.
type BookingResult struct {
	Booking domain.Booking
	Payment *domain.PaymentAttempt
	Refund  *domain.RefundResult
}

type LineItemResponse struct {
	TicketClass string          `json:"ticket_class"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

type BookingResponse struct {
	BookingID     string             `json:"booking_id"`
	UserID        string             `json:"user_id"`
	EventID       string             `json:"event_id"`
	OrganizerID   string             `json:"organizer_id"`
	Status        string             `json:"status"`
	Items         []LineItemResponse `json:"items"`
	TotalAmount   decimal.Decimal    `json:"total_amount"`
	Currency      string             `json:"currency"`
	PaymentRef    string             `json:"payment_ref,omitempty"`
	ExpiresAt     string             `json:"expires_at,omitempty"`
	RefundPending bool               `json:"refund_pending"`
	RefundAmount  *decimal.Decimal   `json:"refund_amount,omitempty"`
	CancelReason  string             `json:"cancel_reason,omitempty"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at"`
}

func NewBookingResponse(b domain.Booking) BookingResponse {
	resp := BookingResponse{
		BookingID:     b.ID.String(),
		UserID:        b.UserID.String(),
		EventID:       b.EventID.String(),
		OrganizerID:   b.OrganizerID.String(),
		Status:        string(b.Status),
		Items:         make([]LineItemResponse, 0, len(b.Items)),
		TotalAmount:   b.TotalAmount,
		Currency:      b.Currency,
		RefundPending: b.RefundPending,
		CreatedAt:     b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     b.UpdatedAt.Format(time.RFC3339),
	}

	for _, item := range b.Items {
		resp.Items = append(resp.Items, LineItemResponse{
			TicketClass: item.TicketClass,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TotalPrice:  item.TotalPrice(),
		})
	}

	if b.PaymentRef != nil {
		resp.PaymentRef = b.PaymentRef.String()
	}
	if b.ExpiresAt != nil {
		resp.ExpiresAt = b.ExpiresAt.Format(time.RFC3339)
	}
	if b.Refund != nil {
		amount := b.Refund.Amount
		resp.RefundAmount = &amount
	}
	if b.Cancellation != nil {
		resp.CancelReason = b.Cancellation.Reason
	}

	return resp
}
