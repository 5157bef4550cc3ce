package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/srgjo27/event_ticketing/internal/adapter/repository/postgres"
	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

var (
	db        *sqlx.DB
	getDbOnce sync.Once
)

func getDb(t *testing.T) *sqlx.DB {
	t.Helper()

	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set")
	}

	getDbOnce.Do(func() {
		var err error
		db, err = sqlx.Open("postgres", url)
		if err != nil {
			panic(err)
		}
		if err := postgres.InitializeDBSchema(context.Background(), db); err != nil {
			panic(err)
		}
	})
	return db
}

func publishGA(t *testing.T, repo *postgres.InventoryRepository, eventID uuid.UUID, capacity int) {
	t.Helper()
	err := repo.UpsertTicketClasses(context.Background(), eventID, []domain.TicketClass{
		{Name: "GA", Capacity: capacity, UnitPrice: decimal.RequireFromString("49.90"), Currency: "THB"},
	})
	require.NoError(t, err)
}

func TestInventoryRepository_ConcurrentReserve_Integration(t *testing.T) {
	repo := postgres.NewInventoryRepository(getDb(t))
	eventID := uuid.New()
	publishGA(t, repo, eventID, 7)

	var granted atomic.Int64
	var g errgroup.Group
	for i := 0; i < 30; i++ {
		g.Go(func() error {
			_, err := repo.Reserve(context.Background(), domain.ReservationToken{
				ID: uuid.New(), BookingID: uuid.New(), EventID: eventID, TicketClass: "GA", Quantity: 1,
			})
			if errors.Is(err, domain.ErrInsufficientCapacity) {
				return nil
			}
			if err != nil {
				return err
			}
			granted.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(7), granted.Load())

	records, err := repo.ListByEvent(context.Background(), eventID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 7, records[0].Consumed)
}

func TestInventoryRepository_ReserveAndRelease_Integration(t *testing.T) {
	repo := postgres.NewInventoryRepository(getDb(t))
	ctx := context.Background()
	eventID := uuid.New()
	publishGA(t, repo, eventID, 3)

	token := domain.ReservationToken{ID: uuid.New(), BookingID: uuid.New(), EventID: eventID, TicketClass: "GA", Quantity: 3}

	first, err := repo.Reserve(ctx, token)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("49.90").Equal(first.UnitPrice))
	assert.Equal(t, "THB", first.Currency)

	t.Run("same token does not consume twice", func(t *testing.T) {
		again, err := repo.Reserve(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	})

	_, err = repo.Reserve(ctx, domain.ReservationToken{ID: uuid.New(), EventID: eventID, TicketClass: "GA", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInsufficientCapacity)

	_, err = repo.Reserve(ctx, domain.ReservationToken{ID: uuid.New(), EventID: eventID, TicketClass: "VIP", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrTicketClassNotFound)

	err = repo.UpsertTicketClasses(ctx, eventID, []domain.TicketClass{{Name: "GA", Capacity: 2, UnitPrice: decimal.NewFromInt(1), Currency: "THB"}})
	assert.ErrorIs(t, err, domain.ErrCapacityBelowConsumed)

	released, err := repo.Release(ctx, token.ID)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = repo.Release(ctx, token.ID)
	require.NoError(t, err)
	assert.False(t, released)

	records, err := repo.ListByEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 0, records[0].Consumed)
}

func TestBookingRepository_Lifecycle_Integration(t *testing.T) {
	repo := postgres.NewBookingRepository(getDb(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	expires := now.Add(-time.Minute)
	b := &domain.Booking{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		EventID:     uuid.New(),
		OrganizerID: uuid.New(),
		Items: []domain.LineItem{
			{TicketClass: "GA", Quantity: 2, UnitPrice: decimal.NewFromInt(10), Currency: "USD", ReservationID: uuid.New()},
			{TicketClass: "VIP", Quantity: 1, UnitPrice: decimal.RequireFromString("30.25"), Currency: "USD", ReservationID: uuid.New()},
		},
		TotalAmount:      decimal.RequireFromString("50.25"),
		Currency:         "USD",
		Status:           domain.BookingPending,
		PaymentMethodRef: "tok_visa",
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        &expires,
	}
	require.NoError(t, repo.Create(ctx, b))

	got, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "VIP", got.Items[1].TicketClass)
	assert.True(t, b.TotalAmount.Equal(got.TotalAmount))
	assert.Equal(t, 1, got.Version)
	require.NoError(t, got.Validate())

	ids, err := repo.ListExpired(ctx, now, 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, b.ID)

	cancelled := domain.BookingCancelled
	pending := true
	updated, err := repo.Update(ctx, b.ID, 1, domain.BookingPatch{
		Status:        &cancelled,
		ClearExpiry:   true,
		Cancellation:  &domain.Cancellation{Reason: "changed plans", Actor: "user", At: now},
		RefundPending: &pending,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, domain.BookingCancelled, updated.Status)
	assert.Nil(t, updated.ExpiresAt)
	require.NotNil(t, updated.Cancellation)
	assert.Equal(t, "changed plans", updated.Cancellation.Reason)

	_, err = repo.Update(ctx, b.ID, 1, domain.BookingPatch{Status: &cancelled})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	_, err = repo.Update(ctx, uuid.New(), 1, domain.BookingPatch{Status: &cancelled})
	assert.ErrorIs(t, err, domain.ErrBookingNotFound)

	refundIDs, err := repo.ListRefundPending(ctx, 1000)
	require.NoError(t, err)
	assert.Contains(t, refundIDs, b.ID)

	list, err := repo.List(ctx, domain.BookingFilter{UserID: &b.UserID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Items, 2)

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrBookingNotFound)
}

func TestPaymentAttemptRepository_UniqueKey_Integration(t *testing.T) {
	repo := postgres.NewPaymentAttemptRepository(getDb(t))
	ctx := context.Background()
	now := time.Now().UTC()

	key := uuid.NewString()
	attempt := &domain.PaymentAttempt{
		ID:             uuid.New(),
		BookingID:      uuid.New(),
		IdempotencyKey: key,
		Amount:         decimal.NewFromInt(100),
		Currency:       "USD",
		MethodRef:      "tok_visa",
		Outcome:        domain.PaymentPending,
		RefundedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, repo.Create(ctx, attempt))

	dup := *attempt
	dup.ID = uuid.New()
	assert.ErrorIs(t, repo.Create(ctx, &dup), domain.ErrDuplicateIdempotencyKey)

	attempt.Outcome = domain.PaymentSucceeded
	attempt.ExternalRef = "chrg_test_1"
	require.NoError(t, repo.Save(ctx, attempt))

	got, err := repo.GetByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, got.Outcome)
	assert.Equal(t, "chrg_test_1", got.ExternalRef)

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)

	missing := *attempt
	missing.ID = uuid.New()
	assert.ErrorIs(t, repo.Save(ctx, &missing), domain.ErrPaymentNotFound)
}
