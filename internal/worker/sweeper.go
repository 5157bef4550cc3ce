package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
	"github.com/srgjo27/event_ticketing/internal/core/services"
	"github.com/srgjo27/event_ticketing/internal/platform/metrics"
)

// Bookings is the part of the booking service the sweeper drives.
type Bookings interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ExpireBooking(ctx context.Context, bookingID uuid.UUID, now time.Time) (*services.BookingResult, error)
	ListRefundPending(ctx context.Context, limit int) ([]uuid.UUID, error)
	RetryRefund(ctx context.Context, bookingID uuid.UUID) (*services.BookingResult, error)
}

type Sweeper struct {
	bookings Bookings
	interval time.Duration
	batch    int
	now      func() time.Time
}

// SweepStats counts what one pass did. Cleared bookings had a charge that
// failed, so nothing was owed; Unsettled ones still wait on the provider.
type SweepStats struct {
	Expired   int
	Confirmed int
	Refunded  int
	Cleared   int
	Unsettled int
	Failed    int
}

func NewSweeper(bookings Bookings, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		bookings: bookings,
		interval: interval,
		batch:    batch,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log := zerolog.Ctx(ctx)
	log.Info().Dur("interval", s.interval).Msg("Background sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Background sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	s.expire(ctx, &stats)
	s.retryRefunds(ctx, &stats)
	return stats
}

func (s *Sweeper) expire(ctx context.Context, stats *SweepStats) {
	log := zerolog.Ctx(ctx)
	now := s.now()

	ids, err := s.bookings.ListExpired(ctx, now, s.batch)
	if err != nil {
		log.Error().Err(err).Msg("Error fetching expired bookings")
		return
	}
	if len(ids) == 0 {
		return
	}

	log.Info().Int("count", len(ids)).Msg("Found expired bookings, cleaning up")

	for _, id := range ids {
		res, err := s.bookings.ExpireBooking(ctx, id, now)
		switch {
		case err == nil && res.Booking.Status == domain.BookingConfirmed:
			stats.Confirmed++
			log.Info().Str("booking_id", id.String()).Msg("Held booking was paid after all, confirmed")
		case err == nil:
			stats.Expired++
			log.Info().Str("booking_id", id.String()).Msg("Booking expired and tickets released")
		case settledElsewhere(err):
			log.Debug().Err(err).Str("booking_id", id.String()).Msg("Booking already settled")
		default:
			stats.Failed++
			log.Error().Err(err).Str("booking_id", id.String()).Msg("Failed to expire booking")
		}
	}
}

func (s *Sweeper) retryRefunds(ctx context.Context, stats *SweepStats) {
	log := zerolog.Ctx(ctx)

	ids, err := s.bookings.ListRefundPending(ctx, s.batch)
	if err != nil {
		log.Error().Err(err).Msg("Error fetching bookings awaiting refund")
		return
	}
	metrics.RefundBacklog.Set(float64(len(ids)))

	for _, id := range ids {
		res, err := s.bookings.RetryRefund(ctx, id)
		switch {
		case err == nil && res.Booking.Status == domain.BookingRefunded:
			stats.Refunded++
			log.Info().Str("booking_id", id.String()).Msg("Pending refund completed")
		case err == nil && !res.Booking.RefundPending:
			stats.Cleared++
			log.Info().Str("booking_id", id.String()).Msg("Charge never captured, nothing to refund")
		case err == nil && res.Payment != nil && res.Payment.Outcome == domain.PaymentPending:
			stats.Unsettled++
			log.Debug().Str("booking_id", id.String()).Msg("Charge still unsettled at the provider")
		case err == nil:
			stats.Failed++
			log.Warn().Str("booking_id", id.String()).Msg("Refund still pending")
		case settledElsewhere(err):
		default:
			stats.Failed++
			log.Error().Err(err).Str("booking_id", id.String()).Msg("Failed to retry refund")
		}
	}
}

// settledElsewhere reports a booking that moved on between listing and
// processing.
func settledElsewhere(err error) bool {
	return errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrBookingNotFound)
}
