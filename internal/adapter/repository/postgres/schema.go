package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []struct {
	name string
	ddl  string
}{
	{"inventory", `
CREATE TABLE IF NOT EXISTS inventory (
	event_id UUID NOT NULL,
	ticket_class VARCHAR(64) NOT NULL,
	total INTEGER NOT NULL CHECK (total >= 0),
	consumed INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0 AND consumed <= total),
	unit_price NUMERIC(12, 2) NOT NULL,
	currency CHAR(3) NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	PRIMARY KEY (event_id, ticket_class)
);`},
	{"inventory_reservations", `
CREATE TABLE IF NOT EXISTS inventory_reservations (
	token_id UUID PRIMARY KEY,
	booking_id UUID NOT NULL,
	event_id UUID NOT NULL,
	ticket_class VARCHAR(64) NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	unit_price NUMERIC(12, 2) NOT NULL,
	currency CHAR(3) NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	released_at TIMESTAMP WITH TIME ZONE
);`},
	{"bookings", `
CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	event_id UUID NOT NULL,
	organizer_id UUID NOT NULL,
	total_amount NUMERIC(12, 2) NOT NULL,
	currency CHAR(3) NOT NULL,
	status VARCHAR(16) NOT NULL,
	payment_ref UUID,
	payment_method_ref VARCHAR(255) NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
	expires_at TIMESTAMP WITH TIME ZONE,
	cancel_reason TEXT,
	cancel_actor VARCHAR(64),
	cancelled_at TIMESTAMP WITH TIME ZONE,
	refund_amount NUMERIC(12, 2),
	refunded_at TIMESTAMP WITH TIME ZONE,
	refund_pending BOOLEAN NOT NULL DEFAULT FALSE,
	version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS bookings_pending_expiry_idx ON bookings (expires_at) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS bookings_refund_pending_idx ON bookings (updated_at) WHERE refund_pending;
CREATE INDEX IF NOT EXISTS bookings_user_idx ON bookings (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS bookings_event_idx ON bookings (event_id, created_at DESC);
CREATE INDEX IF NOT EXISTS bookings_organizer_idx ON bookings (organizer_id, created_at DESC);`},
	{"booking_items", `
CREATE TABLE IF NOT EXISTS booking_items (
	booking_id UUID NOT NULL REFERENCES bookings (id) ON DELETE CASCADE,
	line_no INTEGER NOT NULL,
	ticket_class VARCHAR(64) NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	unit_price NUMERIC(12, 2) NOT NULL,
	currency CHAR(3) NOT NULL,
	reservation_id UUID NOT NULL,
	PRIMARY KEY (booking_id, line_no)
);`},
	{"payment_attempts", `
CREATE TABLE IF NOT EXISTS payment_attempts (
	id UUID PRIMARY KEY,
	booking_id UUID NOT NULL,
	idempotency_key VARCHAR(255) NOT NULL UNIQUE,
	amount NUMERIC(12, 2) NOT NULL,
	currency CHAR(3) NOT NULL,
	method_ref VARCHAR(255) NOT NULL,
	outcome VARCHAR(16) NOT NULL,
	external_ref VARCHAR(255) NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	refund_ref VARCHAR(255) NOT NULL DEFAULT '',
	refunded_amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL
);`},
}

func InitializeDBSchema(ctx context.Context, db *sqlx.DB) error {
	for _, table := range schema {
		if _, err := db.ExecContext(ctx, table.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
	}
	return nil
}
