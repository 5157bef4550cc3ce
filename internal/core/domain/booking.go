package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingExpired   BookingStatus = "EXPIRED"
	BookingRefunded  BookingStatus = "REFUNDED"
)

var AllBookingStatuses = []BookingStatus{
	BookingPending,
	BookingConfirmed,
	BookingCancelled,
	BookingExpired,
	BookingRefunded,
}

func (s BookingStatus) Valid() bool {
	for _, st := range AllBookingStatuses {
		if s == st {
			return true
		}
	}
	return false
}

type Booking struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	EventID          uuid.UUID
	OrganizerID      uuid.UUID
	Items            []LineItem
	TotalAmount      decimal.Decimal
	Currency         string
	Status           BookingStatus
	PaymentRef       *uuid.UUID
	PaymentMethodRef string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        *time.Time
	Cancellation     *Cancellation
	Refund           *RefundInfo
	RefundPending    bool
	Version          int
}

// LineItem is owned by its Booking. ReservationID points at the ledger token
// that holds capacity for it.
type LineItem struct {
	TicketClass   string
	Quantity      int
	UnitPrice     decimal.Decimal
	Currency      string
	ReservationID uuid.UUID
}

func (li LineItem) TotalPrice() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

type Cancellation struct {
	Reason string
	Actor  string
	At     time.Time
}

type RefundInfo struct {
	Amount decimal.Decimal
	At     time.Time
}

// Validate checks the aggregate invariants that do not depend on history.
func (b *Booking) Validate() error {
	if !b.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, b.Status)
	}

	if len(b.Items) == 0 {
		return fmt.Errorf("%w: booking has no line items", ErrInvalidRequest)
	}

	sum := decimal.Zero
	for _, item := range b.Items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: quantity for %s must be at least 1", ErrInvalidRequest, item.TicketClass)
		}

		if item.Currency != b.Currency {
			return fmt.Errorf("%w: line item currency %s does not match booking currency %s", ErrInvalidRequest, item.Currency, b.Currency)
		}

		sum = sum.Add(item.TotalPrice())
	}

	if !sum.Equal(b.TotalAmount) {
		return fmt.Errorf("%w: total %s does not match line items %s", ErrInvalidRequest, b.TotalAmount, sum)
	}

	if b.ExpiresAt != nil && b.Status != BookingPending {
		return fmt.Errorf("%w: expiry set on %s booking", ErrInvalidRequest, b.Status)
	}

	return nil
}

func (b *Booking) IsExpired(now time.Time) bool {
	return b.Status == BookingPending && b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

func (b *Booking) ReservationTokens() []ReservationToken {
	tokens := make([]ReservationToken, 0, len(b.Items))
	for _, item := range b.Items {
		tokens = append(tokens, ReservationToken{
			ID:          item.ReservationID,
			BookingID:   b.ID,
			EventID:     b.EventID,
			TicketClass: item.TicketClass,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Currency:    item.Currency,
		})
	}
	return tokens
}

// BookingPatch is the closed set of fields the saga may change after a
// booking has been created.
type BookingPatch struct {
	Status        *BookingStatus
	PaymentRef    *uuid.UUID
	ClearExpiry   bool
	Cancellation  *Cancellation
	Refund        *RefundInfo
	RefundPending *bool
}

func (p BookingPatch) IsEmpty() bool {
	return p.Status == nil && p.PaymentRef == nil && !p.ClearExpiry &&
		p.Cancellation == nil && p.Refund == nil && p.RefundPending == nil
}

// Apply returns a copy of b with the patch applied. Version and UpdatedAt are
// left to the repository.
func (p BookingPatch) Apply(b Booking) Booking {
	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.PaymentRef != nil {
		ref := *p.PaymentRef
		b.PaymentRef = &ref
	}
	if p.ClearExpiry {
		b.ExpiresAt = nil
	}
	if p.Cancellation != nil {
		c := *p.Cancellation
		b.Cancellation = &c
	}
	if p.Refund != nil {
		r := *p.Refund
		b.Refund = &r
	}
	if p.RefundPending != nil {
		b.RefundPending = *p.RefundPending
	}
	return b
}

// Diff builds the patch that turns from into to, limited to patchable fields.
func Diff(from, to Booking) BookingPatch {
	var p BookingPatch

	if from.Status != to.Status {
		st := to.Status
		p.Status = &st
	}
	if to.PaymentRef != nil && (from.PaymentRef == nil || *from.PaymentRef != *to.PaymentRef) {
		ref := *to.PaymentRef
		p.PaymentRef = &ref
	}
	if from.ExpiresAt != nil && to.ExpiresAt == nil {
		p.ClearExpiry = true
	}
	if to.Cancellation != nil && from.Cancellation == nil {
		c := *to.Cancellation
		p.Cancellation = &c
	}
	if to.Refund != nil && from.Refund == nil {
		r := *to.Refund
		p.Refund = &r
	}
	if from.RefundPending != to.RefundPending {
		rp := to.RefundPending
		p.RefundPending = &rp
	}
	return p
}

type BookingFilter struct {
	UserID      *uuid.UUID
	EventID     *uuid.UUID
	OrganizerID *uuid.UUID
	Limit       int
	Offset      int
}
