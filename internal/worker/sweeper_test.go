package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srgjo27/event_ticketing/internal/adapter/payment/fake"
	"github.com/srgjo27/event_ticketing/internal/adapter/repository/memory"
	"github.com/srgjo27/event_ticketing/internal/core/domain"
	"github.com/srgjo27/event_ticketing/internal/core/services"
)

var fastRetry = services.RetryPolicy{Attempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

type fixture struct {
	svc     *services.BookingService
	gateway *fake.Gateway
	sweeper *Sweeper
	eventID uuid.UUID
	start   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		gateway: fake.NewGateway(),
		eventID: uuid.New(),
		start:   time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC),
	}

	ledger := services.NewInventoryLedger(memory.NewInventoryStore(), nil)
	payments := services.NewPaymentOrchestrator(f.gateway, memory.NewPaymentAttemptRepository(), fastRetry)
	f.svc = services.NewBookingService(ledger, payments, memory.NewBookingRepository(), nil,
		services.WithRetryPolicy(fastRetry),
		services.WithHoldWindow(10*time.Minute),
		services.WithClock(func() time.Time { return f.start }),
	)

	require.NoError(t, f.svc.PublishTicketClasses(context.Background(), f.eventID, []domain.TicketClass{
		{Name: "GA", Capacity: 3, UnitPrice: decimal.NewFromInt(40), Currency: "EUR"},
	}))

	f.sweeper = NewSweeper(f.svc, time.Minute, 10)
	f.sweeper.now = func() time.Time { return f.start.Add(11 * time.Minute) }
	return f
}

func (f *fixture) book(t *testing.T, method string, quantity int) *services.BookingResult {
	t.Helper()

	res, err := f.svc.CreateBooking(context.Background(), services.CreateBookingRequest{
		UserID:           uuid.NewString(),
		EventID:          f.eventID.String(),
		Items:            []services.LineItemRequest{{TicketClass: "GA", Quantity: quantity}},
		PaymentMethodRef: method,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) available(t *testing.T) int {
	t.Helper()
	a, err := f.svc.GetAvailability(context.Background(), f.eventID)
	require.NoError(t, err)
	return a["GA"].Available
}

func TestSweep_ExpiresHeldBookings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	held := f.book(t, fake.PendingPrefix+"_card", 2)
	require.Equal(t, domain.BookingPending, held.Booking.Status)
	paid := f.book(t, "tok_visa", 1)
	require.Equal(t, domain.BookingConfirmed, paid.Booking.Status)
	assert.Equal(t, 0, f.available(t))

	// The held charge is still pending at the provider, so the expired
	// booking stays in front of reconciliation.
	stats := f.sweeper.Sweep(ctx)
	assert.Equal(t, SweepStats{Expired: 1, Unsettled: 1}, stats)
	assert.Equal(t, 2, f.available(t))

	b, err := f.svc.GetBooking(ctx, held.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingExpired, b.Status)
	assert.True(t, b.RefundPending)

	f.gateway.Settle(held.Booking.ID.String(), domain.GatewayFailed)
	assert.Equal(t, SweepStats{Cleared: 1}, f.sweeper.Sweep(ctx))

	// A last pass finds nothing left to do.
	assert.Equal(t, SweepStats{}, f.sweeper.Sweep(ctx))
}

func TestSweep_RefundsAChargeCapturedAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	held := f.book(t, fake.PendingPrefix+"_card", 1)
	assert.Equal(t, SweepStats{Expired: 1, Unsettled: 1}, f.sweeper.Sweep(ctx))

	f.gateway.Settle(held.Booking.ID.String(), domain.GatewaySucceeded)
	assert.Equal(t, SweepStats{Refunded: 1}, f.sweeper.Sweep(ctx))

	b, err := f.svc.GetBooking(ctx, held.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingRefunded, b.Status)
	assert.Equal(t, 1, f.gateway.Refunds())
	assert.Equal(t, 3, f.available(t))
}

func TestSweep_LeavesBookingsInsideTheHoldWindow(t *testing.T) {
	f := newFixture(t)
	f.sweeper.now = func() time.Time { return f.start.Add(5 * time.Minute) }

	held := f.book(t, fake.PendingPrefix+"_card", 1)

	assert.Equal(t, SweepStats{}, f.sweeper.Sweep(context.Background()))
	assert.Zero(t, f.gateway.Refunds())

	b, err := f.svc.GetBooking(context.Background(), held.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingPending, b.Status)
}

func TestSweep_RetriesPendingRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid := f.book(t, "tok_visa", 1)

	f.gateway.FailNextRefunds(100)
	res, err := f.svc.CancelBooking(ctx, services.CancelBookingRequest{BookingID: paid.Booking.ID.String(), Reason: "sick"})
	require.NoError(t, err)
	require.True(t, res.Booking.RefundPending)

	stats := f.sweeper.Sweep(ctx)
	assert.Equal(t, 1, stats.Failed)

	f.gateway.FailNextRefunds(0)
	stats = f.sweeper.Sweep(ctx)
	assert.Equal(t, SweepStats{Refunded: 1}, stats)

	b, err := f.svc.GetBooking(ctx, paid.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingRefunded, b.Status)
	assert.False(t, b.RefundPending)
}

type stubBookings struct {
	expired    []uuid.UUID
	expireErr  error
	listErr    error
	expireSeen []uuid.UUID
}

func (s *stubBookings) ListExpired(context.Context, time.Time, int) ([]uuid.UUID, error) {
	return s.expired, s.listErr
}

func (s *stubBookings) ExpireBooking(_ context.Context, id uuid.UUID, _ time.Time) (*services.BookingResult, error) {
	s.expireSeen = append(s.expireSeen, id)
	if s.expireErr != nil {
		return nil, s.expireErr
	}
	return &services.BookingResult{Booking: domain.Booking{ID: id, Status: domain.BookingExpired}}, nil
}

func (s *stubBookings) ListRefundPending(context.Context, int) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *stubBookings) RetryRefund(context.Context, uuid.UUID) (*services.BookingResult, error) {
	return nil, errors.New("not expected")
}

func TestSweep_SkipsBookingsSettledElsewhere(t *testing.T) {
	stub := &stubBookings{
		expired:   []uuid.UUID{uuid.New(), uuid.New()},
		expireErr: &domain.InvalidTransitionError{From: domain.BookingConfirmed, To: domain.BookingExpired},
	}
	s := NewSweeper(stub, time.Minute, 10)

	assert.Equal(t, SweepStats{}, s.Sweep(context.Background()))
	assert.Len(t, stub.expireSeen, 2)
}

func TestSweep_CountsFailures(t *testing.T) {
	stub := &stubBookings{expired: []uuid.UUID{uuid.New()}, expireErr: errors.New("db gone")}
	s := NewSweeper(stub, time.Minute, 10)

	assert.Equal(t, SweepStats{Failed: 1}, s.Sweep(context.Background()))

	stub.listErr = errors.New("db gone")
	stub.expireSeen = nil
	assert.Equal(t, SweepStats{}, s.Sweep(context.Background()))
	assert.Empty(t, stub.expireSeen)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := NewSweeper(&stubBookings{}, 5*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
