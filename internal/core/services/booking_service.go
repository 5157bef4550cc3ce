package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
	"github.com/srgjo27/event_ticketing/internal/core/ports"
	"github.com/srgjo27/event_ticketing/internal/platform/metrics"
)

const (
	DefaultHoldWindow = 10 * time.Minute

	systemActor = "system"
)

// BookingService coordinates the booking saga: reserve capacity, persist the
// booking, charge, and compensate in reverse order when a step fails.
type BookingService struct {
	ledger    *InventoryLedger
	payments  *PaymentOrchestrator
	bookings  ports.BookingRepository
	publisher ports.EventPublisher

	holdWindow time.Duration
	retry      RetryPolicy
	now        func() time.Time
}

type Option func(*BookingService)

func WithHoldWindow(d time.Duration) Option {
	return func(s *BookingService) {
		if d > 0 {
			s.holdWindow = d
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *BookingService) {
		if p.Attempts > 0 {
			s.retry = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *BookingService) {
		s.now = now
	}
}

// NewBookingService wires the coordinator. publisher may be nil, in which
// case outcomes are only logged.
func NewBookingService(ledger *InventoryLedger, payments *PaymentOrchestrator, bookings ports.BookingRepository, publisher ports.EventPublisher, opts ...Option) *BookingService {
	s := &BookingService{
		ledger:     ledger,
		payments:   payments,
		bookings:   bookings,
		publisher:  publisher,
		holdWindow: DefaultHoldWindow,
		retry:      DefaultRetryPolicy(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *BookingService) CreateBooking(ctx context.Context, req CreateBookingRequest) (*BookingResult, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid user id", domain.ErrInvalidRequest)
	}

	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid event id", domain.ErrInvalidRequest)
	}

	organizerID := uuid.Nil
	if req.OrganizerID != "" {
		organizerID, err = uuid.Parse(req.OrganizerID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid organizer id", domain.ErrInvalidRequest)
		}
	}

	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no line items", domain.ErrInvalidRequest)
	}
	for _, item := range req.Items {
		if item.TicketClass == "" || item.Quantity < 1 {
			return nil, fmt.Errorf("%w: every line item needs a ticket class and a quantity of at least 1", domain.ErrInvalidRequest)
		}
	}

	if req.PaymentMethodRef == "" {
		return nil, fmt.Errorf("%w: payment method is required", domain.ErrInvalidRequest)
	}

	bookingID := uuid.New()

	ctx, span := tracer.Start(ctx, "BookingService.CreateBooking")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID.String()), attribute.String("event_id", eventID.String()))

	log := zerolog.Ctx(ctx).With().Str("booking_id", bookingID.String()).Str("event_id", eventID.String()).Logger()
	ctx = log.WithContext(ctx)

	started := s.now()
	defer func() {
		metrics.SagaDuration.WithLabelValues("create").Observe(s.now().Sub(started).Seconds())
	}()

	tokens := make([]domain.ReservationToken, 0, len(req.Items))
	for _, item := range req.Items {
		token, err := s.reserve(ctx, ReserveRequest{
			TokenID:     uuid.New(),
			BookingID:   bookingID,
			EventID:     eventID,
			TicketClass: item.TicketClass,
			Quantity:    item.Quantity,
		})
		if err != nil {
			s.rollbackReservations(ctx, tokens)
			span.RecordError(err)

			if errors.Is(err, domain.ErrInsufficientCapacity) {
				metrics.SagaOutcomes.WithLabelValues("create", "sold_out").Inc()
				log.Info().Str("ticket_class", item.TicketClass).Int("quantity", item.Quantity).Msg("booking rejected, not enough capacity")
				return nil, fmt.Errorf("%w: %s: %w", domain.ErrEventSoldOut, item.TicketClass, err)
			}

			metrics.SagaOutcomes.WithLabelValues("create", "reserve_failed").Inc()
			return nil, fmt.Errorf("reserve %s: %w", item.TicketClass, err)
		}

		tokens = append(tokens, token)
	}

	booking, err := s.newPendingBooking(bookingID, userID, eventID, organizerID, req.PaymentMethodRef, tokens)
	if err != nil {
		s.rollbackReservations(ctx, tokens)
		metrics.SagaOutcomes.WithLabelValues("create", "invalid").Inc()
		return nil, err
	}

	err = retry(ctx, s.retry, "booking.create", func() error {
		return permanentUnless(s.bookings.Create(ctx, booking), transient)
	})
	if err != nil {
		s.rollbackReservations(ctx, tokens)
		span.RecordError(err)
		metrics.SagaOutcomes.WithLabelValues("create", "persist_failed").Inc()
		log.Error().Err(err).Msg("failed to persist booking")
		return nil, fmt.Errorf("create booking: %w", err)
	}

	log.Info().Str("total", booking.TotalAmount.String()).Str("currency", booking.Currency).Msg("booking held, charging")

	attempt, err := s.payments.InitiateCharge(ctx, ChargeInput{
		BookingID:      booking.ID,
		Amount:         booking.TotalAmount,
		Currency:       booking.Currency,
		MethodRef:      booking.PaymentMethodRef,
		IdempotencyKey: booking.ID.String(),
	})
	if err != nil {
		// The outcome is unknown, so capacity stays held until the hold
		// window runs out and expiry reconciles the charge.
		span.RecordError(err)
		metrics.SagaOutcomes.WithLabelValues("create", "payment_unknown").Inc()
		log.Warn().Err(err).Msg("charge outcome unknown, booking left pending")

		result := &BookingResult{Booking: *booking}
		if attempt.ID != uuid.Nil {
			result.Payment = &attempt
			if updated, uerr := s.recordPaymentRef(ctx, booking.ID, attempt.ID); uerr == nil {
				result.Booking = *updated
			}
		}

		if errors.Is(err, domain.ErrPaymentInfrastructure) {
			return result, err
		}
		return result, fmt.Errorf("%w: %w", domain.ErrPaymentInfrastructure, err)
	}

	switch attempt.Outcome {
	case domain.PaymentSucceeded:
		return s.confirm(ctx, "create", booking.ID, attempt)
	case domain.PaymentFailed:
		return s.decline(ctx, booking, attempt)
	default:
		metrics.SagaOutcomes.WithLabelValues("create", "payment_pending").Inc()
		log.Info().Str("attempt_id", attempt.ID.String()).Msg("charge pending at provider, booking left pending")

		result := &BookingResult{Booking: *booking, Payment: &attempt}
		if updated, err := s.recordPaymentRef(ctx, booking.ID, attempt.ID); err == nil {
			result.Booking = *updated
		}
		return result, nil
	}
}

func (s *BookingService) newPendingBooking(id, userID, eventID, organizerID uuid.UUID, methodRef string, tokens []domain.ReservationToken) (*domain.Booking, error) {
	now := s.now()
	expiresAt := now.Add(s.holdWindow)

	booking := &domain.Booking{
		ID:               id,
		UserID:           userID,
		EventID:          eventID,
		OrganizerID:      organizerID,
		Items:            make([]domain.LineItem, 0, len(tokens)),
		TotalAmount:      decimal.Zero,
		Status:           domain.BookingPending,
		PaymentMethodRef: methodRef,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        &expiresAt,
		Version:          1,
	}

	for i, token := range tokens {
		if i == 0 {
			booking.Currency = token.Currency
		}
		item := domain.LineItem{
			TicketClass:   token.TicketClass,
			Quantity:      token.Quantity,
			UnitPrice:     token.UnitPrice,
			Currency:      token.Currency,
			ReservationID: token.ID,
		}
		booking.Items = append(booking.Items, item)
		booking.TotalAmount = booking.TotalAmount.Add(item.TotalPrice())
	}

	if err := booking.Validate(); err != nil {
		return nil, err
	}
	if !booking.TotalAmount.IsPositive() {
		return nil, fmt.Errorf("%w: booking total must be positive", domain.ErrInvalidRequest)
	}

	return booking, nil
}

func (s *BookingService) confirm(ctx context.Context, saga string, bookingID uuid.UUID, attempt domain.PaymentAttempt) (*BookingResult, error) {
	log := zerolog.Ctx(ctx)

	updated, err := s.advance(ctx, bookingID, func(b domain.Booking) (domain.Booking, error) {
		next, err := domain.Transition(b, domain.BookingConfirmed)
		if err != nil {
			return b, err
		}
		ref := attempt.ID
		next.PaymentRef = &ref
		return next, nil
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return s.settleLateCharge(ctx, saga, bookingID, attempt, err)
	}
	if err != nil {
		// Paid but not recorded as confirmed. The booking is still PENDING,
		// so expiry finds the succeeded attempt and confirms instead of
		// releasing.
		metrics.SagaOutcomes.WithLabelValues(saga, "confirm_failed").Inc()
		log.Error().Err(err).Str("attempt_id", attempt.ID.String()).Msg("charge succeeded but confirmation was not persisted")
		return nil, fmt.Errorf("confirm booking: %w", err)
	}

	metrics.SagaOutcomes.WithLabelValues(saga, "confirmed").Inc()
	log.Info().Str("attempt_id", attempt.ID.String()).Msg("booking confirmed")

	s.publish(ctx, domain.OutcomeBookingConfirmed, *updated)

	return &BookingResult{Booking: *updated, Payment: &attempt}, nil
}

// settleLateCharge handles a charge that succeeded after a cancel or expiry
// closed the booking. The booking is flagged refund pending, and refunded
// here unless another saga already owns the refund.
func (s *BookingService) settleLateCharge(ctx context.Context, saga string, bookingID uuid.UUID, attempt domain.PaymentAttempt, cause error) (*BookingResult, error) {
	log := zerolog.Ctx(ctx).With().Str("attempt_id", attempt.ID.String()).Logger()

	var claimed bool
	owed, err := s.advance(ctx, bookingID, func(b domain.Booking) (domain.Booking, error) {
		claimed = false
		if b.RefundPending {
			return b, nil
		}
		next, err := s.owesRefund(b, attempt.ID)
		claimed = next.RefundPending
		return next, err
	})
	if err != nil {
		metrics.SagaOutcomes.WithLabelValues(saga, "confirm_failed").Inc()
		log.Error().Err(err).Msg("charge succeeded on a closed booking and the refund could not be recorded")
		return nil, fmt.Errorf("flag refund for closed booking: %w", err)
	}

	result := &BookingResult{Booking: *owed, Payment: &attempt}

	switch {
	case owed.Status == domain.BookingConfirmed:
		// confirmed by a concurrent saga with the same charge
		return result, nil
	case claimed:
		metrics.SagaOutcomes.WithLabelValues(saga, "late_charge_refund").Inc()
		log.Warn().Str("status", string(owed.Status)).Msg("charge succeeded after the booking was closed, refunding")

		reason := "charge settled after the booking was closed"
		if owed.Cancellation != nil && owed.Cancellation.Reason != "" {
			reason = owed.Cancellation.Reason
		}
		refunded, refund := s.refund(ctx, owed, &attempt, reason)
		result.Booking = *refunded
		result.Refund = refund

		s.publish(ctx, domain.OutcomeBookingCancelled, result.Booking)
	}

	return result, fmt.Errorf("confirm booking: %w", cause)
}

// owesRefund moves a closed booking onto the refund path for attemptID. An
// expired booking is cancelled first, since refunds are only recorded against
// cancelled bookings. Other statuses are returned unchanged.
func (s *BookingService) owesRefund(b domain.Booking, attemptID uuid.UUID) (domain.Booking, error) {
	next := b
	switch b.Status {
	case domain.BookingCancelled:
	case domain.BookingExpired:
		var err error
		next, err = domain.Transition(b, domain.BookingCancelled)
		if err != nil {
			return b, err
		}
		next.Cancellation = &domain.Cancellation{
			Reason: "charge settled after the hold window ran out",
			Actor:  systemActor,
			At:     s.now(),
		}
	default:
		return b, nil
	}

	ref := attemptID
	next.PaymentRef = &ref
	next.RefundPending = true
	return next, nil
}

func (s *BookingService) decline(ctx context.Context, booking *domain.Booking, attempt domain.PaymentAttempt) (*BookingResult, error) {
	log := zerolog.Ctx(ctx)

	s.rollbackReservations(ctx, booking.ReservationTokens())

	reason := attempt.FailureReason
	if reason == "" {
		reason = "declined by provider"
	}

	result := &BookingResult{Booking: *booking, Payment: &attempt}

	updated, err := s.advance(ctx, booking.ID, func(b domain.Booking) (domain.Booking, error) {
		next, err := domain.Transition(b, domain.BookingCancelled)
		if err != nil {
			return b, err
		}
		ref := attempt.ID
		next.PaymentRef = &ref
		next.Cancellation = &domain.Cancellation{
			Reason: "payment declined: " + reason,
			Actor:  systemActor,
			At:     s.now(),
		}
		return next, nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to cancel declined booking")
	} else {
		result.Booking = *updated
		s.publish(ctx, domain.OutcomePaymentDeclined, *updated)
	}

	metrics.SagaOutcomes.WithLabelValues("create", "declined").Inc()
	log.Info().Str("reason", reason).Msg("payment declined, reservations released")

	return result, fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, reason)
}

func (s *BookingService) CancelBooking(ctx context.Context, req CancelBookingRequest) (*BookingResult, error) {
	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid booking id", domain.ErrInvalidRequest)
	}

	actor := req.Actor
	if actor == "" {
		actor = "user"
	}

	ctx, span := tracer.Start(ctx, "BookingService.CancelBooking")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID.String()))

	log := zerolog.Ctx(ctx).With().Str("booking_id", bookingID.String()).Logger()
	ctx = log.WithContext(ctx)

	started := s.now()
	defer func() {
		metrics.SagaDuration.WithLabelValues("cancel").Observe(s.now().Sub(started).Seconds())
	}()

	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if !domain.CanTransition(booking.Status, domain.BookingCancelled) {
		return nil, &domain.InvalidTransitionError{From: booking.Status, To: domain.BookingCancelled}
	}

	attempt, err := s.chargeFor(ctx, booking)
	if err != nil {
		return nil, err
	}
	attempt = s.settleCharge(ctx, booking, attempt)

	paid := attempt != nil && (attempt.Outcome == domain.PaymentSucceeded || attempt.Outcome == domain.PaymentRefunded)
	unsettled := attempt != nil && attempt.Outcome == domain.PaymentPending

	// Refund pending is on record before the refund is requested so a crash
	// in between leaves a booking that reconciliation can find. A charge the
	// provider has not settled yet is flagged the same way.
	cancelled, err := s.advance(ctx, bookingID, func(b domain.Booking) (domain.Booking, error) {
		next, err := domain.Transition(b, domain.BookingCancelled)
		if err != nil {
			return b, err
		}
		next.Cancellation = &domain.Cancellation{
			Reason: req.Reason,
			Actor:  actor,
			At:     s.now(),
		}
		next.RefundPending = paid || unsettled
		if attempt != nil {
			ref := attempt.ID
			next.PaymentRef = &ref
		}
		return next, nil
	})
	if err != nil {
		span.RecordError(err)
		metrics.SagaOutcomes.WithLabelValues("cancel", "failed").Inc()
		return nil, fmt.Errorf("cancel booking: %w", err)
	}

	s.rollbackReservations(ctx, cancelled.ReservationTokens())

	result := &BookingResult{Booking: *cancelled, Payment: attempt}

	if paid {
		refunded, refund := s.refund(ctx, cancelled, attempt, req.Reason)
		result.Booking = *refunded
		result.Refund = refund
	}

	outcome := "cancelled"
	switch {
	case result.Booking.Status == domain.BookingRefunded:
		outcome = "refunded"
	case unsettled:
		outcome = "charge_unsettled"
	case result.Booking.RefundPending:
		outcome = "refund_pending"
	}
	metrics.SagaOutcomes.WithLabelValues("cancel", outcome).Inc()
	log.Info().Str("actor", actor).Str("outcome", outcome).Msg("booking cancelled")

	s.publish(ctx, domain.OutcomeBookingCancelled, result.Booking)

	return result, nil
}

// refund asks for the money back and records REFUNDED on success. On any
// failure the booking is returned as it was, still flagged refund pending.
func (s *BookingService) refund(ctx context.Context, booking *domain.Booking, attempt *domain.PaymentAttempt, reason string) (*domain.Booking, *domain.RefundResult) {
	log := zerolog.Ctx(ctx).With().Str("attempt_id", attempt.ID.String()).Logger()

	res, err := s.payments.Refund(ctx, attempt.ID, attempt.Amount, reason)
	if err != nil {
		res = domain.RefundResult{
			AttemptID:     attempt.ID,
			Amount:        attempt.Amount,
			FailureReason: err.Error(),
			At:            s.now(),
		}
	}

	if !res.Succeeded {
		metrics.RefundsPending.Inc()
		log.Warn().Err(res.Err()).Msg("refund failed, left pending for reconciliation")
		return booking, &res
	}

	refunded, err := s.advance(ctx, booking.ID, func(b domain.Booking) (domain.Booking, error) {
		next, err := domain.Transition(b, domain.BookingRefunded)
		if err != nil {
			return b, err
		}
		next.Refund = &domain.RefundInfo{Amount: res.Amount, At: res.At}
		next.RefundPending = false
		return next, nil
	})
	if err != nil {
		// The attempt already says refunded, so the next reconciliation run
		// records it without another provider call.
		log.Error().Err(err).Msg("refund succeeded but booking update failed")
		return booking, &res
	}

	log.Info().Str("amount", res.Amount.String()).Str("refund_ref", res.RefundRef).Msg("booking refunded")
	return refunded, &res
}

// ExpireBooking ends a PENDING booking whose hold window has passed. A charge
// that turns out to have succeeded confirms the booking instead.
func (s *BookingService) ExpireBooking(ctx context.Context, bookingID uuid.UUID, now time.Time) (*BookingResult, error) {
	ctx, span := tracer.Start(ctx, "BookingService.ExpireBooking")
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("booking_id", bookingID.String()).Logger()
	ctx = log.WithContext(ctx)

	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if !booking.IsExpired(now) {
		return &BookingResult{Booking: *booking}, nil
	}

	attempt, err := s.chargeFor(ctx, booking)
	if err != nil {
		return nil, err
	}
	attempt = s.settleCharge(ctx, booking, attempt)

	if attempt != nil && attempt.Outcome == domain.PaymentSucceeded {
		log.Info().Msg("charge succeeded after all, confirming instead of expiring")
		return s.confirm(ctx, "expire", booking.ID, *attempt)
	}

	// A charge still unsettled at the provider may yet succeed; the flag keeps
	// the booking in front of reconciliation until it does or fails.
	unsettled := attempt != nil && attempt.Outcome == domain.PaymentPending

	expired, err := s.advance(ctx, bookingID, func(b domain.Booking) (domain.Booking, error) {
		next, err := domain.Transition(b, domain.BookingExpired)
		if err != nil {
			return b, err
		}
		if unsettled {
			ref := attempt.ID
			next.PaymentRef = &ref
			next.RefundPending = true
		}
		return next, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("expire booking: %w", err)
	}

	s.rollbackReservations(ctx, expired.ReservationTokens())

	metrics.SagaOutcomes.WithLabelValues("expire", "expired").Inc()
	log.Info().Bool("charge_unsettled", unsettled).Msg("booking expired and reservations released")

	s.publish(ctx, domain.OutcomeBookingExpired, *expired)

	return &BookingResult{Booking: *expired, Payment: attempt}, nil
}

// RetryRefund reconciles a closed booking flagged refund pending. A charge
// the provider has since settled as failed clears the flag; a succeeded one
// is refunded. Other bookings are returned unchanged.
func (s *BookingService) RetryRefund(ctx context.Context, bookingID uuid.UUID) (*BookingResult, error) {
	ctx, span := tracer.Start(ctx, "BookingService.RetryRefund")
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("booking_id", bookingID.String()).Logger()
	ctx = log.WithContext(ctx)

	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if !booking.RefundPending || (booking.Status != domain.BookingCancelled && booking.Status != domain.BookingExpired) {
		return &BookingResult{Booking: *booking}, nil
	}

	attempt, err := s.chargeFor(ctx, booking)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, fmt.Errorf("%w: booking %s", domain.ErrNoSucceededPayment, bookingID)
	}
	attempt = s.settleCharge(ctx, booking, attempt)

	switch attempt.Outcome {
	case domain.PaymentPending:
		metrics.SagaOutcomes.WithLabelValues("refund_retry", "charge_unsettled").Inc()
		log.Info().Str("attempt_id", attempt.ID.String()).Msg("charge still unsettled, nothing to refund yet")
		return &BookingResult{Booking: *booking, Payment: attempt}, nil

	case domain.PaymentFailed:
		cleared, err := s.advance(ctx, bookingID, func(b domain.Booking) (domain.Booking, error) {
			b.RefundPending = false
			return b, nil
		})
		if err != nil {
			return nil, fmt.Errorf("clear refund pending: %w", err)
		}
		metrics.SagaOutcomes.WithLabelValues("refund_retry", "nothing_owed").Inc()
		log.Info().Str("attempt_id", attempt.ID.String()).Msg("charge failed at the provider, nothing to refund")
		return &BookingResult{Booking: *cleared, Payment: attempt}, nil
	}

	wasExpired := booking.Status == domain.BookingExpired
	if wasExpired {
		booking, err = s.advance(ctx, bookingID, func(b domain.Booking) (domain.Booking, error) {
			return s.owesRefund(b, attempt.ID)
		})
		if err != nil {
			return nil, fmt.Errorf("cancel expired booking: %w", err)
		}
	}

	reason := ""
	if booking.Cancellation != nil {
		reason = booking.Cancellation.Reason
	}

	updated, refund := s.refund(ctx, booking, attempt, reason)
	if updated.Status == domain.BookingRefunded {
		metrics.SagaOutcomes.WithLabelValues("refund_retry", "refunded").Inc()
	} else {
		metrics.SagaOutcomes.WithLabelValues("refund_retry", "pending").Inc()
	}

	// An expired booking just became a cancellation downstream has not seen.
	if wasExpired {
		s.publish(ctx, domain.OutcomeBookingCancelled, *updated)
	}

	return &BookingResult{Booking: *updated, Payment: attempt, Refund: refund}, nil
}

func (s *BookingService) GetBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	return s.bookings.Get(ctx, bookingID)
}

func (s *BookingService) ListBookings(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	if filter.UserID == nil && filter.EventID == nil && filter.OrganizerID == nil {
		return nil, fmt.Errorf("%w: filter by user, event or organizer", domain.ErrInvalidRequest)
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.bookings.List(ctx, filter)
}

func (s *BookingService) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.bookings.ListExpired(ctx, now, limit)
}

func (s *BookingService) ListRefundPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return s.bookings.ListRefundPending(ctx, limit)
}

func (s *BookingService) GetAvailability(ctx context.Context, eventID uuid.UUID) (map[string]domain.Availability, error) {
	return s.ledger.GetAvailability(ctx, eventID)
}

func (s *BookingService) PublishTicketClasses(ctx context.Context, eventID uuid.UUID, classes []domain.TicketClass) error {
	return s.ledger.PublishTicketClasses(ctx, eventID, classes)
}

// chargeFor finds the payment attempt backing a booking, or nil if it was
// never charged.
func (s *BookingService) chargeFor(ctx context.Context, booking *domain.Booking) (*domain.PaymentAttempt, error) {
	var (
		attempt *domain.PaymentAttempt
		err     error
	)
	if booking.PaymentRef != nil {
		attempt, err = s.payments.GetAttempt(ctx, *booking.PaymentRef)
	} else {
		attempt, err = s.payments.AttemptForKey(ctx, booking.ID.String())
	}

	if errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payment attempt: %w", err)
	}
	return attempt, nil
}

// settleCharge re-drives a charge still pending under the booking's key. The
// orchestrator joins a charge already in flight for that key, so the caller
// sees the outcome the create saga is about to record. The attempt comes back
// unchanged when the provider cannot be reached.
func (s *BookingService) settleCharge(ctx context.Context, booking *domain.Booking, attempt *domain.PaymentAttempt) *domain.PaymentAttempt {
	if attempt == nil || attempt.Outcome != domain.PaymentPending {
		return attempt
	}

	settled, err := s.payments.InitiateCharge(ctx, ChargeInput{
		BookingID:      booking.ID,
		Amount:         attempt.Amount,
		Currency:       attempt.Currency,
		MethodRef:      attempt.MethodRef,
		IdempotencyKey: attempt.IdempotencyKey,
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("charge outcome still unknown")
		return attempt
	}
	return &settled
}

func (s *BookingService) recordPaymentRef(ctx context.Context, bookingID, attemptID uuid.UUID) (*domain.Booking, error) {
	updated, err := s.advance(ctx, bookingID, func(b domain.Booking) (domain.Booking, error) {
		ref := attemptID
		b.PaymentRef = &ref
		return b, nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to record payment reference")
	}
	return updated, err
}

// advance reloads the booking, applies mutate and writes the difference back
// under the loaded version. Version conflicts and transient store failures
// are retried with a fresh read.
func (s *BookingService) advance(ctx context.Context, bookingID uuid.UUID, mutate func(domain.Booking) (domain.Booking, error)) (*domain.Booking, error) {
	var updated *domain.Booking

	err := retry(ctx, s.retry, "booking.update", func() error {
		current, err := s.bookings.Get(ctx, bookingID)
		if err != nil {
			return permanentUnless(err, transient)
		}

		next, err := mutate(*current)
		if err != nil {
			return permanentUnless(err, transient)
		}

		patch := domain.Diff(*current, next)
		if patch.IsEmpty() {
			updated = current
			return nil
		}

		updated, err = s.bookings.Update(ctx, bookingID, current.Version, patch)
		return permanentUnless(err, transient)
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *BookingService) reserve(ctx context.Context, req ReserveRequest) (domain.ReservationToken, error) {
	var token domain.ReservationToken

	err := retry(ctx, s.retry, "inventory.reserve", func() error {
		t, err := s.ledger.Reserve(ctx, req)
		if err != nil {
			return permanentUnless(err, transient)
		}
		token = t
		return nil
	})

	return token, err
}

// rollbackReservations releases tokens in reverse order. A release that keeps
// failing is logged and left for an operator; the others still run.
func (s *BookingService) rollbackReservations(ctx context.Context, tokens []domain.ReservationToken) {
	for i := len(tokens) - 1; i >= 0; i-- {
		token := tokens[i]

		err := retry(ctx, s.retry, "inventory.release", func() error {
			return permanentUnless(s.ledger.Release(ctx, token), transient)
		})
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).
				Str("token_id", token.ID.String()).
				Str("ticket_class", token.TicketClass).
				Int("quantity", token.Quantity).
				Msg("failed to release reservation")
		}
	}
}

func (s *BookingService) publish(ctx context.Context, t domain.OutcomeType, b domain.Booking) {
	if s.publisher == nil {
		return
	}

	event := domain.NewOutcomeEvent(t, b, s.now())
	if err := s.publisher.Publish(ctx, event); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("outcome", string(t)).Msg("failed to publish booking outcome")
	}
}

var businessErrors = []error{
	domain.ErrInvalidRequest,
	domain.ErrInsufficientCapacity,
	domain.ErrEventSoldOut,
	domain.ErrTicketClassNotFound,
	domain.ErrCapacityBelowConsumed,
	domain.ErrInvalidTransition,
	domain.ErrPaymentDeclined,
	domain.ErrNoSucceededPayment,
	domain.ErrIdempotencyConflict,
	domain.ErrDuplicateIdempotencyKey,
	domain.ErrPaymentNotFound,
	domain.ErrBookingNotFound,
}

// transient reports whether err is worth retrying. Business outcomes never
// are; everything else is treated as infrastructure.
func transient(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}
