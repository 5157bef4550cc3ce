package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
	"github.com/srgjo27/event_ticketing/internal/core/ports"
	"github.com/srgjo27/event_ticketing/internal/platform/metrics"
)

var tracer = otel.Tracer("github.com/srgjo27/event_ticketing/internal/core/services")

type ReserveRequest struct {
	// TokenID makes a retried reserve land on the same reservation. A new
	// one is generated when left empty.
	TokenID     uuid.UUID
	BookingID   uuid.UUID
	EventID     uuid.UUID
	TicketClass string
	Quantity    int
}

// InventoryLedger is the only component that changes capacity counts.
type InventoryLedger struct {
	store ports.InventoryStore
	cache ports.AvailabilityCache
}

// NewInventoryLedger builds a ledger. cache may be nil.
func NewInventoryLedger(store ports.InventoryStore, cache ports.AvailabilityCache) *InventoryLedger {
	return &InventoryLedger{
		store: store,
		cache: cache,
	}
}

func (l *InventoryLedger) PublishTicketClasses(ctx context.Context, eventID uuid.UUID, classes []domain.TicketClass) error {
	if len(classes) == 0 {
		return fmt.Errorf("%w: no ticket classes", domain.ErrInvalidRequest)
	}

	seen := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		if c.Name == "" {
			return fmt.Errorf("%w: ticket class name is required", domain.ErrInvalidRequest)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate ticket class %s", domain.ErrInvalidRequest, c.Name)
		}
		seen[c.Name] = struct{}{}

		if c.Capacity < 0 {
			return fmt.Errorf("%w: capacity for %s must not be negative", domain.ErrInvalidRequest, c.Name)
		}
		// Bookings are always charged.
		if !c.UnitPrice.IsPositive() {
			return fmt.Errorf("%w: price for %s must be positive", domain.ErrInvalidRequest, c.Name)
		}
		if len(c.Currency) != 3 {
			return fmt.Errorf("%w: currency for %s must be an ISO 4217 code", domain.ErrInvalidRequest, c.Name)
		}
	}

	if err := l.store.UpsertTicketClasses(ctx, eventID, classes); err != nil {
		return fmt.Errorf("publish ticket classes: %w", err)
	}

	l.invalidate(ctx, eventID)
	return nil
}

// Reserve consumes capacity in one conditional update. domain.ErrInsufficientCapacity
// is an expected outcome; every other error is passed through untouched.
func (l *InventoryLedger) Reserve(ctx context.Context, req ReserveRequest) (domain.ReservationToken, error) {
	ctx, span := tracer.Start(ctx, "InventoryLedger.Reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", req.EventID.String()),
		attribute.String("ticket_class", req.TicketClass),
		attribute.Int("quantity", req.Quantity),
	)

	if req.Quantity < 1 {
		return domain.ReservationToken{}, fmt.Errorf("%w: quantity must be at least 1", domain.ErrInvalidRequest)
	}
	if req.TicketClass == "" {
		return domain.ReservationToken{}, fmt.Errorf("%w: ticket class is required", domain.ErrInvalidRequest)
	}

	tokenID := req.TokenID
	if tokenID == uuid.Nil {
		tokenID = uuid.New()
	}

	token, err := l.store.Reserve(ctx, domain.ReservationToken{
		ID:          tokenID,
		BookingID:   req.BookingID,
		EventID:     req.EventID,
		TicketClass: req.TicketClass,
		Quantity:    req.Quantity,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCapacity) {
			metrics.ReservationRejections.WithLabelValues(req.TicketClass).Inc()
		}
		span.RecordError(err)
		return domain.ReservationToken{}, err
	}

	l.invalidate(ctx, req.EventID)

	zerolog.Ctx(ctx).Debug().
		Str("token_id", token.ID.String()).
		Str("ticket_class", token.TicketClass).
		Int("quantity", token.Quantity).
		Msg("capacity reserved")

	return token, nil
}

// Release gives the token's capacity back. Releasing a token twice is a no-op.
func (l *InventoryLedger) Release(ctx context.Context, token domain.ReservationToken) error {
	ctx, span := tracer.Start(ctx, "InventoryLedger.Release")
	defer span.End()

	released, err := l.store.Release(ctx, token.ID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if released {
		l.invalidate(ctx, token.EventID)
	}

	zerolog.Ctx(ctx).Debug().
		Str("token_id", token.ID.String()).
		Bool("released", released).
		Msg("reservation release")

	return nil
}

func (l *InventoryLedger) GetAvailability(ctx context.Context, eventID uuid.UUID) (map[string]domain.Availability, error) {
	if l.cache != nil {
		cached, ok, err := l.cache.Get(ctx, eventID)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("availability cache read failed")
		}
		if ok {
			return cached, nil
		}
	}

	records, err := l.store.ListByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	availability := make(map[string]domain.Availability, len(records))
	for _, r := range records {
		availability[r.TicketClass] = r.Availability()
	}

	if l.cache != nil && len(availability) > 0 {
		if err := l.cache.Set(ctx, eventID, availability); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("availability cache write failed")
		}
	}

	return availability, nil
}

func (l *InventoryLedger) invalidate(ctx context.Context, eventID uuid.UUID) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Invalidate(ctx, eventID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("event_id", eventID.String()).Msg("availability cache invalidation failed")
	}
}
