package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

type InventoryRepository struct {
	db *sqlx.DB
}

func NewInventoryRepository(db *sqlx.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

type inventoryRow struct {
	EventID     uuid.UUID       `db:"event_id"`
	TicketClass string          `db:"ticket_class"`
	Total       int             `db:"total"`
	Consumed    int             `db:"consumed"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	Currency    string          `db:"currency"`
}

type reservationRow struct {
	TokenID     uuid.UUID       `db:"token_id"`
	BookingID   uuid.UUID       `db:"booking_id"`
	EventID     uuid.UUID       `db:"event_id"`
	TicketClass string          `db:"ticket_class"`
	Quantity    int             `db:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	Currency    string          `db:"currency"`
}

func (r reservationRow) token() domain.ReservationToken {
	return domain.ReservationToken{
		ID:          r.TokenID,
		BookingID:   r.BookingID,
		EventID:     r.EventID,
		TicketClass: r.TicketClass,
		Quantity:    r.Quantity,
		UnitPrice:   r.UnitPrice,
		Currency:    r.Currency,
	}
}

func (r *InventoryRepository) UpsertTicketClasses(ctx context.Context, eventID uuid.UUID, classes []domain.TicketClass) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer tx.Rollback()

	// the conditional DO UPDATE affects no row when it would drop total
	// below what is already sold
	query := `
	INSERT INTO inventory (event_id, ticket_class, total, consumed, unit_price, currency)
	VALUES ($1, $2, $3, 0, $4, $5)
	ON CONFLICT (event_id, ticket_class) DO UPDATE
	SET total = EXCLUDED.total,
		unit_price = EXCLUDED.unit_price,
		currency = EXCLUDED.currency,
		updated_at = NOW()
	WHERE inventory.consumed <= EXCLUDED.total
	`

	for _, c := range classes {
		result, err := tx.ExecContext(ctx, query, eventID, c.Name, c.Capacity, c.UnitPrice, c.Currency)
		if err != nil {
			return fmt.Errorf("failed to upsert ticket class %s: %w", c.Name, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}

		if rowsAffected == 0 {
			return fmt.Errorf("%w: %s capacity %d", domain.ErrCapacityBelowConsumed, c.Name, c.Capacity)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Reserve consumes capacity with a single conditional update and records the
// token in the same transaction. A token id that is already recorded returns
// the recorded reservation without consuming again.
func (r *InventoryRepository) Reserve(ctx context.Context, token domain.ReservationToken) (domain.ReservationToken, error) {
	if existing, err := r.reservation(ctx, r.db, token.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return domain.ReservationToken{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.ReservationToken{}, err
	}

	defer tx.Rollback()

	var priced struct {
		UnitPrice decimal.Decimal `db:"unit_price"`
		Currency  string          `db:"currency"`
	}

	err = tx.GetContext(ctx, &priced, `
	UPDATE inventory
	SET consumed = consumed + $3,
		updated_at = NOW()
	WHERE event_id = $1 AND ticket_class = $2 AND consumed + $3 <= total
	RETURNING unit_price, currency
	`, token.EventID, token.TicketClass, token.Quantity)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReservationToken{}, r.rejection(ctx, tx, token)
	}
	if err != nil {
		return domain.ReservationToken{}, fmt.Errorf("failed to reserve %s: %w", token.TicketClass, err)
	}

	token.UnitPrice = priced.UnitPrice
	token.Currency = priced.Currency

	result, err := tx.ExecContext(ctx, `
	INSERT INTO inventory_reservations (token_id, booking_id, event_id, ticket_class, quantity, unit_price, currency)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (token_id) DO NOTHING
	`, token.ID, token.BookingID, token.EventID, token.TicketClass, token.Quantity, token.UnitPrice, token.Currency)
	if err != nil {
		return domain.ReservationToken{}, fmt.Errorf("failed to record reservation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.ReservationToken{}, err
	}

	if rowsAffected == 0 {
		// a concurrent call with the same token won; drop our increment
		_ = tx.Rollback()
		return r.reservation(ctx, r.db, token.ID)
	}

	if err = tx.Commit(); err != nil {
		return domain.ReservationToken{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return token, nil
}

func (r *InventoryRepository) rejection(ctx context.Context, tx *sqlx.Tx, token domain.ReservationToken) error {
	var available int
	err := tx.GetContext(ctx, &available, `
	SELECT total - consumed FROM inventory WHERE event_id = $1 AND ticket_class = $2
	`, token.EventID, token.TicketClass)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrTicketClassNotFound, token.TicketClass)
	}
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: %s has %d left, %d requested", domain.ErrInsufficientCapacity, token.TicketClass, available, token.Quantity)
}

func (r *InventoryRepository) reservation(ctx context.Context, q sqlx.QueryerContext, tokenID uuid.UUID) (domain.ReservationToken, error) {
	var row reservationRow
	err := sqlx.GetContext(ctx, q, &row, `
	SELECT token_id, booking_id, event_id, ticket_class, quantity, unit_price, currency
	FROM inventory_reservations
	WHERE token_id = $1
	`, tokenID)
	if err != nil {
		return domain.ReservationToken{}, err
	}

	return row.token(), nil
}

func (r *InventoryRepository) Release(ctx context.Context, tokenID uuid.UUID) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}

	defer tx.Rollback()

	var row reservationRow
	err = tx.GetContext(ctx, &row, `
	UPDATE inventory_reservations
	SET released_at = NOW()
	WHERE token_id = $1 AND released_at IS NULL
	RETURNING token_id, booking_id, event_id, ticket_class, quantity, unit_price, currency
	`, tokenID)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to release reservation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE inventory
	SET consumed = GREATEST(consumed - $3, 0),
		updated_at = NOW()
	WHERE event_id = $1 AND ticket_class = $2
	`, row.EventID, row.TicketClass, row.Quantity)
	if err != nil {
		return false, fmt.Errorf("failed to return capacity: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

func (r *InventoryRepository) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.InventoryRecord, error) {
	var rows []inventoryRow
	err := r.db.SelectContext(ctx, &rows, `
	SELECT event_id, ticket_class, total, consumed, unit_price, currency
	FROM inventory
	WHERE event_id = $1
	ORDER BY ticket_class
	`, eventID)
	if err != nil {
		return nil, err
	}

	records := make([]domain.InventoryRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, domain.InventoryRecord{
			EventID:     row.EventID,
			TicketClass: row.TicketClass,
			Total:       row.Total,
			Consumed:    row.Consumed,
			UnitPrice:   row.UnitPrice,
			Currency:    row.Currency,
		})
	}

	return records, nil
}
