package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

// InventoryStore is the capacity store capability. Reserve must be a single
// conditional mutation: consumed+quantity <= total checked and applied
// atomically per (event, ticket class).
type InventoryStore interface {
	UpsertTicketClasses(ctx context.Context, eventID uuid.UUID, classes []domain.TicketClass) error
	Reserve(ctx context.Context, token domain.ReservationToken) (domain.ReservationToken, error)
	Release(ctx context.Context, tokenID uuid.UUID) (bool, error)
	ListByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.InventoryRecord, error)
}

type AvailabilityCache interface {
	Get(ctx context.Context, eventID uuid.UUID) (map[string]domain.Availability, bool, error)
	Set(ctx context.Context, eventID uuid.UUID, availability map[string]domain.Availability) error
	Invalidate(ctx context.Context, eventID uuid.UUID) error
}

type BookingRepository interface {
	Create(ctx context.Context, booking *domain.Booking) error
	Get(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error)
	// Update applies patch only if the stored version equals expectedVersion,
	// otherwise it returns domain.ErrConcurrentModification.
	Update(ctx context.Context, bookingID uuid.UUID, expectedVersion int, patch domain.BookingPatch) (*domain.Booking, error)
	List(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	// ListRefundPending returns cancelled or expired bookings flagged refund
	// pending, least recently updated first.
	ListRefundPending(ctx context.Context, limit int) ([]uuid.UUID, error)
}

type PaymentAttemptRepository interface {
	// Create fails with domain.ErrDuplicateIdempotencyKey if an attempt with
	// the same idempotency key already exists.
	Create(ctx context.Context, attempt *domain.PaymentAttempt) error
	Get(ctx context.Context, attemptID uuid.UUID) (*domain.PaymentAttempt, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error)
	Save(ctx context.Context, attempt *domain.PaymentAttempt) error
}
