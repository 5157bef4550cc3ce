package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/srgjo27/event_ticketing/internal/adapter/payment/fake"
	"github.com/srgjo27/event_ticketing/internal/adapter/repository/memory"
	"github.com/srgjo27/event_ticketing/internal/core/domain"
	"github.com/srgjo27/event_ticketing/internal/core/ports"
	"github.com/srgjo27/event_ticketing/internal/core/ports/mocks"
	"github.com/srgjo27/event_ticketing/internal/core/services"
)

var fastRetry = services.RetryPolicy{
	Attempts:        3,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OutcomeEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []domain.OutcomeType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.OutcomeType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	store     *memory.InventoryStore
	bookings  *memory.BookingRepository
	attempts  *memory.PaymentAttemptRepository
	gateway   *fake.Gateway
	publisher *recordingPublisher
	service   *services.BookingService
	eventID   uuid.UUID
	now       time.Time
}

func newHarness(t *testing.T, classes ...domain.TicketClass) *harness {
	t.Helper()

	h := &harness{
		store:     memory.NewInventoryStore(),
		bookings:  memory.NewBookingRepository(),
		attempts:  memory.NewPaymentAttemptRepository(),
		gateway:   fake.NewGateway(),
		publisher: &recordingPublisher{},
		eventID:   uuid.New(),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	h.rewire(h.gateway, h.attempts)

	if len(classes) > 0 {
		require.NoError(t, h.service.PublishTicketClasses(context.Background(), h.eventID, classes))
	}
	return h
}

// rewire rebuilds the service around another provider or attempt store,
// keeping inventory and bookings.
func (h *harness) rewire(gateway ports.PaymentGateway, attempts ports.PaymentAttemptRepository) {
	ledger := services.NewInventoryLedger(h.store, nil)
	payments := services.NewPaymentOrchestrator(gateway, attempts, fastRetry)
	h.service = services.NewBookingService(ledger, payments, h.bookings, h.publisher,
		services.WithRetryPolicy(fastRetry),
		services.WithHoldWindow(15*time.Minute),
		services.WithClock(func() time.Time { return h.now }),
	)
}

func (h *harness) request(method string, items ...services.LineItemRequest) services.CreateBookingRequest {
	return services.CreateBookingRequest{
		UserID:           uuid.NewString(),
		EventID:          h.eventID.String(),
		OrganizerID:      uuid.NewString(),
		Items:            items,
		PaymentMethodRef: method,
	}
}

func (h *harness) available(t *testing.T, class string) int {
	t.Helper()
	availability, err := h.service.GetAvailability(context.Background(), h.eventID)
	require.NoError(t, err)
	return availability[class].Available
}

func ga(capacity int) domain.TicketClass {
	return domain.TicketClass{Name: "GA", Capacity: capacity, UnitPrice: decimal.NewFromInt(50), Currency: "USD"}
}

func vip(capacity int) domain.TicketClass {
	return domain.TicketClass{Name: "VIP", Capacity: capacity, UnitPrice: decimal.RequireFromString("120.50"), Currency: "USD"}
}

func TestCreateBooking_ConfirmsAndThenSellsOut(t *testing.T) {
	h := newHarness(t, ga(2))
	ctx := context.Background()

	res, err := h.service.CreateBooking(ctx, h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 2}))
	require.NoError(t, err)

	assert.Equal(t, domain.BookingConfirmed, res.Booking.Status)
	assert.True(t, decimal.NewFromInt(100).Equal(res.Booking.TotalAmount))
	assert.Nil(t, res.Booking.ExpiresAt)
	require.NotNil(t, res.Booking.PaymentRef)
	assert.Equal(t, res.Payment.ID, *res.Booking.PaymentRef)
	assert.Equal(t, 0, h.available(t, "GA"))

	second, err := h.service.CreateBooking(ctx, h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 1}))
	assert.Nil(t, second)
	assert.ErrorIs(t, err, domain.ErrEventSoldOut)
	assert.ErrorIs(t, err, domain.ErrInsufficientCapacity)

	assert.Equal(t, 1, h.gateway.ChargeCalls())
	assert.Equal(t, []domain.OutcomeType{domain.OutcomeBookingConfirmed}, h.publisher.types())

	stored, err := h.service.GetBooking(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, stored.Status)
}

func TestCreateBooking_DeclineReleasesCapacity(t *testing.T) {
	h := newHarness(t, ga(3))

	res, err := h.service.CreateBooking(context.Background(), h.request(fake.DeclinePrefix+"_insufficient_funds", services.LineItemRequest{TicketClass: "GA", Quantity: 2}))
	assert.ErrorIs(t, err, domain.ErrPaymentDeclined)
	require.NotNil(t, res)

	assert.Equal(t, domain.BookingCancelled, res.Booking.Status)
	require.NotNil(t, res.Booking.Cancellation)
	assert.Contains(t, res.Booking.Cancellation.Reason, "card_declined")
	assert.Equal(t, domain.PaymentFailed, res.Payment.Outcome)
	assert.Equal(t, 3, h.available(t, "GA"))
	assert.Equal(t, []domain.OutcomeType{domain.OutcomePaymentDeclined}, h.publisher.types())
}

func TestCreateBooking_RollsBackEarlierReservations(t *testing.T) {
	h := newHarness(t, ga(10), vip(1))

	_, err := h.service.CreateBooking(context.Background(), h.request("tok_visa",
		services.LineItemRequest{TicketClass: "GA", Quantity: 4},
		services.LineItemRequest{TicketClass: "VIP", Quantity: 2},
	))
	assert.ErrorIs(t, err, domain.ErrEventSoldOut)

	assert.Equal(t, 10, h.available(t, "GA"))
	assert.Equal(t, 1, h.available(t, "VIP"))
	assert.Zero(t, h.gateway.ChargeCalls())

	list, err := h.service.ListBookings(context.Background(), domain.BookingFilter{EventID: &h.eventID})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateBooking_UnknownTicketClass(t *testing.T) {
	h := newHarness(t, ga(10))

	_, err := h.service.CreateBooking(context.Background(), h.request("tok_visa",
		services.LineItemRequest{TicketClass: "GA", Quantity: 1},
		services.LineItemRequest{TicketClass: "BALCONY", Quantity: 1},
	))
	assert.ErrorIs(t, err, domain.ErrTicketClassNotFound)
	assert.Equal(t, 10, h.available(t, "GA"))
}

func TestCreateBooking_MixedClassesPriceFromInventory(t *testing.T) {
	h := newHarness(t, ga(10), vip(5))

	res, err := h.service.CreateBooking(context.Background(), h.request("tok_visa",
		services.LineItemRequest{TicketClass: "GA", Quantity: 2},
		services.LineItemRequest{TicketClass: "VIP", Quantity: 1},
	))
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("220.50").Equal(res.Booking.TotalAmount))
	assert.Equal(t, "USD", res.Booking.Currency)
	require.Len(t, res.Booking.Items, 2)
	assert.NotEqual(t, uuid.Nil, res.Booking.Items[0].ReservationID)
}

func TestCreateBooking_RejectsBadInput(t *testing.T) {
	h := newHarness(t, ga(10))

	cases := map[string]services.CreateBookingRequest{
		"bad user":       {UserID: "nope", EventID: h.eventID.String(), Items: []services.LineItemRequest{{TicketClass: "GA", Quantity: 1}}, PaymentMethodRef: "tok"},
		"bad event":      {UserID: uuid.NewString(), EventID: "nope", Items: []services.LineItemRequest{{TicketClass: "GA", Quantity: 1}}, PaymentMethodRef: "tok"},
		"no items":       {UserID: uuid.NewString(), EventID: h.eventID.String(), PaymentMethodRef: "tok"},
		"zero quantity":  {UserID: uuid.NewString(), EventID: h.eventID.String(), Items: []services.LineItemRequest{{TicketClass: "GA", Quantity: 0}}, PaymentMethodRef: "tok"},
		"missing method": {UserID: uuid.NewString(), EventID: h.eventID.String(), Items: []services.LineItemRequest{{TicketClass: "GA", Quantity: 1}}},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.service.CreateBooking(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}

	assert.Equal(t, 10, h.available(t, "GA"))
}

func TestCreateBooking_ConcurrentBuyersNeverOversell(t *testing.T) {
	h := newHarness(t, ga(5))

	var (
		mu        sync.Mutex
		confirmed int
		soldOut   int
	)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := h.service.CreateBooking(context.Background(), h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 1}))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				confirmed++
			case errors.Is(err, domain.ErrEventSoldOut):
				soldOut++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 5, confirmed)
	assert.Equal(t, 15, soldOut)
	assert.Equal(t, 0, h.available(t, "GA"))
}

func TestCreateBooking_TransientChargeFailureIsRetriedOnce(t *testing.T) {
	h := newHarness(t, ga(5))
	h.gateway.FailNextCharges(1)

	res, err := h.service.CreateBooking(context.Background(), h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 1}))
	require.NoError(t, err)

	assert.Equal(t, domain.BookingConfirmed, res.Booking.Status)
	assert.Equal(t, 2, h.gateway.ChargeCalls())
	assert.Equal(t, 1, h.gateway.Charges())
}

func TestCreateBooking_UnknownPaymentLeavesBookingPending(t *testing.T) {
	h := newHarness(t, ga(5))
	h.gateway.FailNextCharges(fastRetry.Attempts)

	res, err := h.service.CreateBooking(context.Background(), h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 2}))
	assert.ErrorIs(t, err, domain.ErrPaymentInfrastructure)
	require.NotNil(t, res)

	assert.Equal(t, domain.BookingPending, res.Booking.Status)
	require.NotNil(t, res.Booking.ExpiresAt)
	assert.Equal(t, h.now.Add(15*time.Minute), *res.Booking.ExpiresAt)
	assert.Equal(t, 3, h.available(t, "GA"))
	assert.Empty(t, h.publisher.types())

	t.Run("expiry confirms once the charge goes through", func(t *testing.T) {
		out, err := h.service.ExpireBooking(context.Background(), res.Booking.ID, h.now.Add(16*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, domain.BookingConfirmed, out.Booking.Status)
		assert.Equal(t, 1, h.gateway.Charges())
		assert.Equal(t, 3, h.available(t, "GA"))
	})
}

func TestCreateBooking_PendingAtProvider(t *testing.T) {
	h := newHarness(t, ga(5))

	res, err := h.service.CreateBooking(context.Background(), h.request(fake.PendingPrefix+"_3ds", services.LineItemRequest{TicketClass: "GA", Quantity: 1}))
	require.NoError(t, err)

	assert.Equal(t, domain.BookingPending, res.Booking.Status)
	require.NotNil(t, res.Booking.PaymentRef)
	assert.Equal(t, 4, h.available(t, "GA"))
}

func TestExpireBooking_ReleasesCapacity(t *testing.T) {
	h := newHarness(t, ga(5))
	ctx := context.Background()
	h.gateway.FailNextCharges(100)

	res, err := h.service.CreateBooking(ctx, h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 2}))
	require.ErrorIs(t, err, domain.ErrPaymentInfrastructure)

	notYet, err := h.service.ExpireBooking(ctx, res.Booking.ID, h.now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.BookingPending, notYet.Booking.Status)

	ids, err := h.service.ListExpired(ctx, h.now.Add(20*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{res.Booking.ID}, ids)

	out, err := h.service.ExpireBooking(ctx, res.Booking.ID, h.now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.BookingExpired, out.Booking.Status)
	assert.Nil(t, out.Booking.ExpiresAt)
	assert.Equal(t, 5, h.available(t, "GA"))
	assert.Equal(t, []domain.OutcomeType{domain.OutcomeBookingExpired}, h.publisher.types())

	again, err := h.service.ExpireBooking(ctx, res.Booking.ID, h.now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.BookingExpired, again.Booking.Status)
	assert.Equal(t, 5, h.available(t, "GA"))
}

func TestCancelBooking_RefundsConfirmedBooking(t *testing.T) {
	h := newHarness(t, ga(5))
	ctx := context.Background()

	created, err := h.service.CreateBooking(ctx, h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 3}))
	require.NoError(t, err)

	res, err := h.service.CancelBooking(ctx, services.CancelBookingRequest{BookingID: created.Booking.ID.String(), Reason: "changed plans"})
	require.NoError(t, err)

	assert.Equal(t, domain.BookingRefunded, res.Booking.Status)
	assert.False(t, res.Booking.RefundPending)
	require.NotNil(t, res.Booking.Refund)
	assert.True(t, decimal.NewFromInt(150).Equal(res.Booking.Refund.Amount))
	require.NotNil(t, res.Refund)
	assert.True(t, res.Refund.Succeeded)
	assert.Equal(t, 5, h.available(t, "GA"))

	attempt, err := h.attempts.Get(ctx, *res.Booking.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, attempt.Outcome)

	assert.Equal(t, []domain.OutcomeType{domain.OutcomeBookingConfirmed, domain.OutcomeBookingCancelled}, h.publisher.types())

	_, err = h.service.CancelBooking(ctx, services.CancelBookingRequest{BookingID: created.Booking.ID.String()})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 1, h.gateway.Refunds())
}

func TestCancelBooking_RefundFailureStaysPending(t *testing.T) {
	h := newHarness(t, ga(5))
	ctx := context.Background()

	created, err := h.service.CreateBooking(ctx, h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 1}))
	require.NoError(t, err)

	h.gateway.FailNextRefunds(100)

	res, err := h.service.CancelBooking(ctx, services.CancelBookingRequest{BookingID: created.Booking.ID.String(), Actor: "organizer", Reason: "event moved"})
	require.NoError(t, err)

	assert.Equal(t, domain.BookingCancelled, res.Booking.Status)
	assert.True(t, res.Booking.RefundPending)
	assert.Nil(t, res.Booking.Refund)
	require.NotNil(t, res.Refund)
	assert.False(t, res.Refund.Succeeded)
	assert.NotEmpty(t, res.Refund.FailureReason)
	assert.Equal(t, 5, h.available(t, "GA"))

	attempt, err := h.attempts.Get(ctx, *res.Booking.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, attempt.Outcome)

	ids, err := h.service.ListRefundPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{created.Booking.ID}, ids)

	h.gateway.FailNextRefunds(0)

	retried, err := h.service.RetryRefund(ctx, created.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingRefunded, retried.Booking.Status)
	assert.False(t, retried.Booking.RefundPending)
	assert.Equal(t, 1, h.gateway.Refunds())

	ids, err = h.service.ListRefundPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCancelBooking_UnpaidPendingBooking(t *testing.T) {
	h := newHarness(t, ga(5))
	ctx := context.Background()

	created, err := h.service.CreateBooking(ctx, h.request(fake.PendingPrefix, services.LineItemRequest{TicketClass: "GA", Quantity: 2}))
	require.NoError(t, err)
	h.gateway.Settle(created.Booking.ID.String(), domain.GatewayFailed)

	res, err := h.service.CancelBooking(ctx, services.CancelBookingRequest{BookingID: created.Booking.ID.String()})
	require.NoError(t, err)

	assert.Equal(t, domain.BookingCancelled, res.Booking.Status)
	assert.False(t, res.Booking.RefundPending)
	assert.Nil(t, res.Refund)
	assert.Equal(t, domain.PaymentFailed, res.Payment.Outcome)
	assert.Equal(t, "user", res.Booking.Cancellation.Actor)
	assert.Equal(t, 5, h.available(t, "GA"))
	assert.Zero(t, h.gateway.Refunds())
}

func TestCancelBooking_UnsettledChargeIsReconciled(t *testing.T) {
	tests := []struct {
		name       string
		settle     domain.GatewayStatus
		wantStatus domain.BookingStatus
		wantRefund int
	}{
		{name: "provider fails the charge", settle: domain.GatewayFailed, wantStatus: domain.BookingCancelled},
		{name: "provider captures the charge", settle: domain.GatewaySucceeded, wantStatus: domain.BookingRefunded, wantRefund: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ga(5))
			ctx := context.Background()

			created, err := h.service.CreateBooking(ctx, h.request(fake.PendingPrefix, services.LineItemRequest{TicketClass: "GA", Quantity: 2}))
			require.NoError(t, err)
			id := created.Booking.ID

			res, err := h.service.CancelBooking(ctx, services.CancelBookingRequest{BookingID: id.String()})
			require.NoError(t, err)
			assert.Equal(t, domain.BookingCancelled, res.Booking.Status)
			assert.True(t, res.Booking.RefundPending)
			assert.Equal(t, 5, h.available(t, "GA"))

			ids, err := h.service.ListRefundPending(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, []uuid.UUID{id}, ids)

			waiting, err := h.service.RetryRefund(ctx, id)
			require.NoError(t, err)
			assert.True(t, waiting.Booking.RefundPending)
			assert.Equal(t, domain.PaymentPending, waiting.Payment.Outcome)

			h.gateway.Settle(id.String(), tt.settle)

			out, err := h.service.RetryRefund(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, out.Booking.Status)
			assert.False(t, out.Booking.RefundPending)
			assert.Equal(t, tt.wantRefund, h.gateway.Refunds())
			assert.Equal(t, 1, h.gateway.Charges())

			ids, err = h.service.ListRefundPending(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

// blockingGateway holds the first charge until release is closed.
type blockingGateway struct {
	*fake.Gateway
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingGateway(g *fake.Gateway) *blockingGateway {
	return &blockingGateway{Gateway: g, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *blockingGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Gateway.Charge(ctx, req)
}

// blockingAttempts holds the first attempt creation until release is closed.
type blockingAttempts struct {
	*memory.PaymentAttemptRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingAttempts) Create(ctx context.Context, attempt *domain.PaymentAttempt) error {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return r.PaymentAttemptRepository.Create(ctx, attempt)
}

type sagaOutcome struct {
	res *services.BookingResult
	err error
}

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func (h *harness) onlyBooking(t *testing.T) domain.Booking {
	t.Helper()
	list, err := h.bookings.List(context.Background(), domain.BookingFilter{EventID: &h.eventID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestCancelBooking_DuringChargeRefundsTheCapturedPayment(t *testing.T) {
	h := newHarness(t, ga(5))
	gw := newBlockingGateway(h.gateway)
	h.rewire(gw, h.attempts)
	ctx := context.Background()

	created := make(chan sagaOutcome, 1)
	go func() {
		res, err := h.service.CreateBooking(ctx, h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 2}))
		created <- sagaOutcome{res, err}
	}()

	waitFor(t, gw.entered)
	booking := h.onlyBooking(t)
	require.Equal(t, domain.BookingPending, booking.Status)

	cancelled := make(chan sagaOutcome, 1)
	go func() {
		res, err := h.service.CancelBooking(ctx, services.CancelBookingRequest{BookingID: booking.ID.String(), Reason: "changed plans"})
		cancelled <- sagaOutcome{res, err}
	}()
	close(gw.release)

	c := waitFor(t, cancelled)
	require.NoError(t, c.err)

	cr := waitFor(t, created)
	if cr.err != nil {
		assert.ErrorIs(t, cr.err, domain.ErrInvalidTransition)
	}

	final, err := h.service.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingRefunded, final.Status)
	assert.False(t, final.RefundPending)
	assert.Equal(t, 1, h.gateway.Charges())
	assert.Equal(t, 1, h.gateway.Refunds())
	assert.Equal(t, 5, h.available(t, "GA"))

	ids, err := h.service.ListRefundPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateBooking_ChargeLandingOnCancelledBookingIsRefunded(t *testing.T) {
	h := newHarness(t, ga(5))
	attempts := &blockingAttempts{
		PaymentAttemptRepository: h.attempts,
		entered:                  make(chan struct{}),
		release:                  make(chan struct{}),
	}
	h.rewire(h.gateway, attempts)
	ctx := context.Background()

	created := make(chan sagaOutcome, 1)
	go func() {
		res, err := h.service.CreateBooking(ctx, h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 2}))
		created <- sagaOutcome{res, err}
	}()

	// The saga is about to record its attempt, so a cancel sees no charge.
	waitFor(t, attempts.entered)
	booking := h.onlyBooking(t)

	c, err := h.service.CancelBooking(ctx, services.CancelBookingRequest{BookingID: booking.ID.String(), Reason: "changed plans"})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, c.Booking.Status)
	assert.False(t, c.Booking.RefundPending)
	assert.Equal(t, 5, h.available(t, "GA"))

	close(attempts.release)

	cr := waitFor(t, created)
	require.ErrorIs(t, cr.err, domain.ErrInvalidTransition)
	require.NotNil(t, cr.res)
	assert.Equal(t, domain.BookingRefunded, cr.res.Booking.Status)
	require.NotNil(t, cr.res.Refund)
	assert.True(t, cr.res.Refund.Succeeded)

	final, err := h.service.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingRefunded, final.Status)
	require.NotNil(t, final.PaymentRef)
	assert.Equal(t, cr.res.Payment.ID, *final.PaymentRef)
	assert.Equal(t, 1, h.gateway.Charges())
	assert.Equal(t, 1, h.gateway.Refunds())
	assert.Equal(t, 5, h.available(t, "GA"))
	assert.Equal(t, []domain.OutcomeType{domain.OutcomeBookingCancelled, domain.OutcomeBookingCancelled}, h.publisher.types())
}

func TestExpireBooking_UnsettledChargeIsRefundedOnceCaptured(t *testing.T) {
	h := newHarness(t, ga(5))
	ctx := context.Background()

	created, err := h.service.CreateBooking(ctx, h.request(fake.PendingPrefix, services.LineItemRequest{TicketClass: "GA", Quantity: 1}))
	require.NoError(t, err)
	id := created.Booking.ID

	expired, err := h.service.ExpireBooking(ctx, id, h.now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.BookingExpired, expired.Booking.Status)
	assert.True(t, expired.Booking.RefundPending)
	assert.Equal(t, 5, h.available(t, "GA"))

	h.gateway.Settle(id.String(), domain.GatewaySucceeded)

	out, err := h.service.RetryRefund(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingRefunded, out.Booking.Status)
	assert.False(t, out.Booking.RefundPending)
	require.NotNil(t, out.Booking.Cancellation)
	assert.Equal(t, "system", out.Booking.Cancellation.Actor)
	assert.Equal(t, 1, h.gateway.Refunds())
	assert.Equal(t, []domain.OutcomeType{domain.OutcomeBookingExpired, domain.OutcomeBookingCancelled}, h.publisher.types())
}

func TestExpireBooking_FailedChargeClearsTheFlag(t *testing.T) {
	h := newHarness(t, ga(5))
	ctx := context.Background()

	created, err := h.service.CreateBooking(ctx, h.request(fake.PendingPrefix, services.LineItemRequest{TicketClass: "GA", Quantity: 1}))
	require.NoError(t, err)
	id := created.Booking.ID

	_, err = h.service.ExpireBooking(ctx, id, h.now.Add(20*time.Minute))
	require.NoError(t, err)

	h.gateway.Settle(id.String(), domain.GatewayFailed)

	out, err := h.service.RetryRefund(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingExpired, out.Booking.Status)
	assert.False(t, out.Booking.RefundPending)
	assert.Zero(t, h.gateway.Refunds())
}

func TestCancelBooking_NotFoundAndInvalidID(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.CancelBooking(context.Background(), services.CancelBookingRequest{BookingID: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.service.CancelBooking(context.Background(), services.CancelBookingRequest{BookingID: uuid.NewString()})
	assert.ErrorIs(t, err, domain.ErrBookingNotFound)
}

func TestCancelBooking_RetriesVersionConflict(t *testing.T) {
	bookings := mocks.NewBookingRepository(t)
	store := memory.NewInventoryStore()
	attempts := memory.NewPaymentAttemptRepository()

	service := services.NewBookingService(
		services.NewInventoryLedger(store, nil),
		services.NewPaymentOrchestrator(fake.NewGateway(), attempts, fastRetry),
		bookings,
		nil,
		services.WithRetryPolicy(fastRetry),
	)

	expires := time.Now().Add(time.Minute)
	v1 := &domain.Booking{
		ID:          uuid.New(),
		EventID:     uuid.New(),
		Items:       []domain.LineItem{{TicketClass: "GA", Quantity: 1, UnitPrice: decimal.NewFromInt(5), Currency: "USD", ReservationID: uuid.New()}},
		TotalAmount: decimal.NewFromInt(5),
		Currency:    "USD",
		Status:      domain.BookingPending,
		ExpiresAt:   &expires,
		Version:     1,
	}
	v2 := *v1
	v2.Version = 2

	cancelled := v2
	cancelled.Status = domain.BookingCancelled
	cancelled.ExpiresAt = nil
	cancelled.Version = 3

	bookings.On("Get", mock.Anything, v1.ID).Return(v1, nil).Times(2)
	bookings.On("Get", mock.Anything, v1.ID).Return(&v2, nil).Once()
	bookings.On("Update", mock.Anything, v1.ID, 1, mock.AnythingOfType("domain.BookingPatch")).
		Return(nil, domain.ErrConcurrentModification).Once()
	bookings.On("Update", mock.Anything, v1.ID, 2, mock.MatchedBy(func(p domain.BookingPatch) bool {
		return p.Status != nil && *p.Status == domain.BookingCancelled && p.ClearExpiry && p.Cancellation != nil
	})).Return(&cancelled, nil).Once()

	res, err := service.CancelBooking(context.Background(), services.CancelBookingRequest{BookingID: v1.ID.String(), Reason: "r"})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, res.Booking.Status)
	assert.Equal(t, 3, res.Booking.Version)
}

func TestCancelBooking_GivesUpAfterRepeatedConflicts(t *testing.T) {
	bookings := mocks.NewBookingRepository(t)

	service := services.NewBookingService(
		services.NewInventoryLedger(memory.NewInventoryStore(), nil),
		services.NewPaymentOrchestrator(fake.NewGateway(), memory.NewPaymentAttemptRepository(), fastRetry),
		bookings,
		nil,
		services.WithRetryPolicy(fastRetry),
	)

	b := &domain.Booking{
		ID:          uuid.New(),
		Items:       []domain.LineItem{{TicketClass: "GA", Quantity: 1, UnitPrice: decimal.NewFromInt(5), Currency: "USD"}},
		TotalAmount: decimal.NewFromInt(5),
		Currency:    "USD",
		Status:      domain.BookingConfirmed,
		Version:     4,
	}

	bookings.On("Get", mock.Anything, b.ID).Return(b, nil)
	bookings.On("Update", mock.Anything, b.ID, 4, mock.Anything).Return(nil, domain.ErrConcurrentModification).Times(fastRetry.Attempts)

	_, err := service.CancelBooking(context.Background(), services.CancelBookingRequest{BookingID: b.ID.String()})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
}

func TestListBookings_RequiresFilter(t *testing.T) {
	h := newHarness(t, ga(5))
	ctx := context.Background()

	_, err := h.service.ListBookings(ctx, domain.BookingFilter{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	req := h.request("tok_visa", services.LineItemRequest{TicketClass: "GA", Quantity: 1})
	_, err = h.service.CreateBooking(ctx, req)
	require.NoError(t, err)

	userID := uuid.MustParse(req.UserID)
	list, err := h.service.ListBookings(ctx, domain.BookingFilter{UserID: &userID})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateBooking_PublishFailureDoesNotFailTheSaga(t *testing.T) {
	publisher := mocks.NewEventPublisher(t)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e domain.OutcomeEvent) bool {
		return e.Type == domain.OutcomeBookingConfirmed
	})).Return(errors.New("broker unavailable")).Once()

	store := memory.NewInventoryStore()
	ledger := services.NewInventoryLedger(store, nil)
	payments := services.NewPaymentOrchestrator(fake.NewGateway(), memory.NewPaymentAttemptRepository(), fastRetry)
	svc := services.NewBookingService(ledger, payments, memory.NewBookingRepository(), publisher, services.WithRetryPolicy(fastRetry))

	eventID := uuid.New()
	require.NoError(t, svc.PublishTicketClasses(context.Background(), eventID, []domain.TicketClass{ga(1)}))

	res, err := svc.CreateBooking(context.Background(), services.CreateBookingRequest{
		UserID:           uuid.NewString(),
		EventID:          eventID.String(),
		Items:            []services.LineItemRequest{{TicketClass: "GA", Quantity: 1}},
		PaymentMethodRef: "tok_visa",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, res.Booking.Status)
}
