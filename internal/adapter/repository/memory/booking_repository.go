package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

type BookingRepository struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]domain.Booking
	now      func() time.Time
}

func NewBookingRepository() *BookingRepository {
	return &BookingRepository{
		bookings: make(map[uuid.UUID]domain.Booking),
		now:      time.Now,
	}
}

func (r *BookingRepository) Create(ctx context.Context, booking *domain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bookings[booking.ID]; exists {
		return fmt.Errorf("%w: booking %s already exists", domain.ErrInvalidRequest, booking.ID)
	}

	b := cloneBooking(*booking)
	if b.Version == 0 {
		b.Version = 1
		booking.Version = 1
	}
	r.bookings[b.ID] = b
	return nil
}

func (r *BookingRepository) Get(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bookings[bookingID]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}

	out := cloneBooking(b)
	return &out, nil
}

func (r *BookingRepository) Update(ctx context.Context, bookingID uuid.UUID, expectedVersion int, patch domain.BookingPatch) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[bookingID]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	if b.Version != expectedVersion {
		return nil, domain.ErrConcurrentModification
	}

	next := cloneBooking(patch.Apply(b))
	next.Version = b.Version + 1
	next.UpdatedAt = r.now()
	r.bookings[bookingID] = next

	out := cloneBooking(next)
	return &out, nil
}

func (r *BookingRepository) List(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	r.mu.RLock()
	var out []domain.Booking
	for _, b := range r.bookings {
		if filter.UserID != nil && b.UserID != *filter.UserID {
			continue
		}
		if filter.EventID != nil && b.EventID != *filter.EventID {
			continue
		}
		if filter.OrganizerID != nil && b.OrganizerID != *filter.OrganizerID {
			continue
		}
		out = append(out, cloneBooking(b))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset >= len(out) {
		return []domain.Booking{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *BookingRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.RLock()
	var expired []domain.Booking
	for _, b := range r.bookings {
		if b.IsExpired(now) {
			expired = append(expired, b)
		}
	}
	r.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt) })

	return limitIDs(expired, limit), nil
}

func (r *BookingRepository) ListRefundPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	r.mu.RLock()
	var pending []domain.Booking
	for _, b := range r.bookings {
		closed := b.Status == domain.BookingCancelled || b.Status == domain.BookingExpired
		if closed && b.RefundPending {
			pending = append(pending, b)
		}
	}
	r.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].UpdatedAt.Before(pending[j].UpdatedAt) })

	return limitIDs(pending, limit), nil
}

func limitIDs(bookings []domain.Booking, limit int) []uuid.UUID {
	if limit > 0 && limit < len(bookings) {
		bookings = bookings[:limit]
	}
	ids := make([]uuid.UUID, 0, len(bookings))
	for _, b := range bookings {
		ids = append(ids, b.ID)
	}
	return ids
}

func cloneBooking(b domain.Booking) domain.Booking {
	b.Items = append([]domain.LineItem(nil), b.Items...)
	if b.PaymentRef != nil {
		ref := *b.PaymentRef
		b.PaymentRef = &ref
	}
	if b.ExpiresAt != nil {
		at := *b.ExpiresAt
		b.ExpiresAt = &at
	}
	if b.Cancellation != nil {
		c := *b.Cancellation
		b.Cancellation = &c
	}
	if b.Refund != nil {
		rf := *b.Refund
		b.Refund = &rf
	}
	return b
}
