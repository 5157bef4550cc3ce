package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

type BookingRepository struct {
	db *sqlx.DB
}

func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `id, user_id, event_id, organizer_id, total_amount, currency, status, payment_ref,
	payment_method_ref, created_at, updated_at, expires_at, cancel_reason, cancel_actor, cancelled_at,
	refund_amount, refunded_at, refund_pending, version`

type bookingRow struct {
	ID               uuid.UUID        `db:"id"`
	UserID           uuid.UUID        `db:"user_id"`
	EventID          uuid.UUID        `db:"event_id"`
	OrganizerID      uuid.UUID        `db:"organizer_id"`
	TotalAmount      decimal.Decimal  `db:"total_amount"`
	Currency         string           `db:"currency"`
	Status           string           `db:"status"`
	PaymentRef       *uuid.UUID       `db:"payment_ref"`
	PaymentMethodRef string           `db:"payment_method_ref"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
	ExpiresAt        *time.Time       `db:"expires_at"`
	CancelReason     *string          `db:"cancel_reason"`
	CancelActor      *string          `db:"cancel_actor"`
	CancelledAt      *time.Time       `db:"cancelled_at"`
	RefundAmount     *decimal.Decimal `db:"refund_amount"`
	RefundedAt       *time.Time       `db:"refunded_at"`
	RefundPending    bool             `db:"refund_pending"`
	Version          int              `db:"version"`
}

type bookingItemRow struct {
	BookingID     uuid.UUID       `db:"booking_id"`
	LineNo        int             `db:"line_no"`
	TicketClass   string          `db:"ticket_class"`
	Quantity      int             `db:"quantity"`
	UnitPrice     decimal.Decimal `db:"unit_price"`
	Currency      string          `db:"currency"`
	ReservationID uuid.UUID       `db:"reservation_id"`
}

func toBookingRow(b *domain.Booking) bookingRow {
	row := bookingRow{
		ID:               b.ID,
		UserID:           b.UserID,
		EventID:          b.EventID,
		OrganizerID:      b.OrganizerID,
		TotalAmount:      b.TotalAmount,
		Currency:         b.Currency,
		Status:           string(b.Status),
		PaymentRef:       b.PaymentRef,
		PaymentMethodRef: b.PaymentMethodRef,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
		ExpiresAt:        b.ExpiresAt,
		RefundPending:    b.RefundPending,
		Version:          b.Version,
	}
	if b.Cancellation != nil {
		row.CancelReason = &b.Cancellation.Reason
		row.CancelActor = &b.Cancellation.Actor
		row.CancelledAt = &b.Cancellation.At
	}
	if b.Refund != nil {
		row.RefundAmount = &b.Refund.Amount
		row.RefundedAt = &b.Refund.At
	}
	return row
}

func (row bookingRow) toDomain(items []bookingItemRow) domain.Booking {
	b := domain.Booking{
		ID:               row.ID,
		UserID:           row.UserID,
		EventID:          row.EventID,
		OrganizerID:      row.OrganizerID,
		Items:            make([]domain.LineItem, 0, len(items)),
		TotalAmount:      row.TotalAmount,
		Currency:         row.Currency,
		Status:           domain.BookingStatus(row.Status),
		PaymentRef:       row.PaymentRef,
		PaymentMethodRef: row.PaymentMethodRef,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		ExpiresAt:        row.ExpiresAt,
		RefundPending:    row.RefundPending,
		Version:          row.Version,
	}

	if row.CancelledAt != nil {
		c := &domain.Cancellation{At: *row.CancelledAt}
		if row.CancelReason != nil {
			c.Reason = *row.CancelReason
		}
		if row.CancelActor != nil {
			c.Actor = *row.CancelActor
		}
		b.Cancellation = c
	}

	if row.RefundAmount != nil && row.RefundedAt != nil {
		b.Refund = &domain.RefundInfo{Amount: *row.RefundAmount, At: *row.RefundedAt}
	}

	for _, item := range items {
		b.Items = append(b.Items, domain.LineItem{
			TicketClass:   item.TicketClass,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Currency:      item.Currency,
			ReservationID: item.ReservationID,
		})
	}

	return b
}

func (r *BookingRepository) Create(ctx context.Context, booking *domain.Booking) error {
	if booking.Version == 0 {
		booking.Version = 1
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer tx.Rollback()

	queryHeader := `
	INSERT INTO bookings (` + bookingColumns + `)
	VALUES (:id, :user_id, :event_id, :organizer_id, :total_amount, :currency, :status, :payment_ref,
		:payment_method_ref, :created_at, :updated_at, :expires_at, :cancel_reason, :cancel_actor, :cancelled_at,
		:refund_amount, :refunded_at, :refund_pending, :version)
	`

	_, err = tx.NamedExecContext(ctx, queryHeader, toBookingRow(booking))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: booking %s already exists", domain.ErrInvalidRequest, booking.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert booking header: %w", err)
	}

	queryItem := `
	INSERT INTO booking_items (booking_id, line_no, ticket_class, quantity, unit_price, currency, reservation_id)
	VALUES (:booking_id, :line_no, :ticket_class, :quantity, :unit_price, :currency, :reservation_id)
	`

	stmt, err := tx.PrepareNamedContext(ctx, queryItem)
	if err != nil {
		return fmt.Errorf("failed to prepare item statement: %w", err)
	}

	defer stmt.Close()

	for i, item := range booking.Items {
		_, err := stmt.ExecContext(ctx, bookingItemRow{
			BookingID:     booking.ID,
			LineNo:        i,
			TicketClass:   item.TicketClass,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Currency:      item.Currency,
			ReservationID: item.ReservationID,
		})
		if err != nil {
			return fmt.Errorf("failed to insert booking item %s: %w", item.TicketClass, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *BookingRepository) Get(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	var row bookingRow
	err := r.db.GetContext(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}

	var items []bookingItemRow
	err = r.db.SelectContext(ctx, &items, `
	SELECT booking_id, line_no, ticket_class, quantity, unit_price, currency, reservation_id
	FROM booking_items
	WHERE booking_id = $1
	ORDER BY line_no
	`, bookingID)
	if err != nil {
		return nil, err
	}

	b := row.toDomain(items)
	return &b, nil
}

// Update writes patch only when the stored version still equals
// expectedVersion and bumps the version in the same statement.
func (r *BookingRepository) Update(ctx context.Context, bookingID uuid.UUID, expectedVersion int, patch domain.BookingPatch) (*domain.Booking, error) {
	sets := []string{"version = version + 1", "updated_at = NOW()"}
	var args []interface{}

	set := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.PaymentRef != nil {
		set("payment_ref", *patch.PaymentRef)
	}
	if patch.ClearExpiry {
		sets = append(sets, "expires_at = NULL")
	}
	if patch.Cancellation != nil {
		set("cancel_reason", patch.Cancellation.Reason)
		set("cancel_actor", patch.Cancellation.Actor)
		set("cancelled_at", patch.Cancellation.At)
	}
	if patch.Refund != nil {
		set("refund_amount", patch.Refund.Amount)
		set("refunded_at", patch.Refund.At)
	}
	if patch.RefundPending != nil {
		set("refund_pending", *patch.RefundPending)
	}

	args = append(args, bookingID, expectedVersion)
	query := fmt.Sprintf(`UPDATE bookings SET %s WHERE id = $%d AND version = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, bookingID); err != nil {
			return nil, err
		}
		if !exists {
			return nil, domain.ErrBookingNotFound
		}
		return nil, fmt.Errorf("%w: booking %s is past version %d", domain.ErrConcurrentModification, bookingID, expectedVersion)
	}

	return r.Get(ctx, bookingID)
}

func (r *BookingRepository) List(ctx context.Context, filter domain.BookingFilter) ([]domain.Booking, error) {
	var (
		where []string
		args  []interface{}
	)

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.EventID != nil {
		args = append(args, *filter.EventID)
		where = append(where, fmt.Sprintf("event_id = $%d", len(args)))
	}
	if filter.OrganizerID != nil {
		args = append(args, *filter.OrganizerID)
		where = append(where, fmt.Sprintf("organizer_id = $%d", len(args)))
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []bookingRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return []domain.Booking{}, nil
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	itemsQuery, itemsArgs, err := sqlx.In(`
	SELECT booking_id, line_no, ticket_class, quantity, unit_price, currency, reservation_id
	FROM booking_items
	WHERE booking_id IN (?)
	ORDER BY booking_id, line_no
	`, ids)
	if err != nil {
		return nil, err
	}

	var items []bookingItemRow
	if err := r.db.SelectContext(ctx, &items, r.db.Rebind(itemsQuery), itemsArgs...); err != nil {
		return nil, err
	}

	byBooking := make(map[uuid.UUID][]bookingItemRow, len(rows))
	for _, item := range items {
		byBooking[item.BookingID] = append(byBooking[item.BookingID], item)
	}

	bookings := make([]domain.Booking, 0, len(rows))
	for _, row := range rows {
		bookings = append(bookings, row.toDomain(byBooking[row.ID]))
	}

	return bookings, nil
}

func (r *BookingRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
	SELECT id FROM bookings
	WHERE status = 'PENDING' AND expires_at <= $1
	ORDER BY expires_at
	LIMIT $2
	`

	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, now, limit); err != nil {
		return nil, err
	}

	return ids, nil
}

func (r *BookingRepository) ListRefundPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `
	SELECT id FROM bookings
	WHERE status IN ('CANCELLED', 'EXPIRED') AND refund_pending
	ORDER BY updated_at
	LIMIT $1
	`

	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, limit); err != nil {
		return nil, err
	}

	return ids, nil
}
