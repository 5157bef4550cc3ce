package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

type PaymentAttemptRepository struct {
	db *sqlx.DB
}

func NewPaymentAttemptRepository(db *sqlx.DB) *PaymentAttemptRepository {
	return &PaymentAttemptRepository{db: db}
}

const attemptColumns = `id, booking_id, idempotency_key, amount, currency, method_ref, outcome,
	external_ref, failure_reason, refund_ref, refunded_amount, created_at, updated_at`

type attemptRow struct {
	ID             uuid.UUID       `db:"id"`
	BookingID      uuid.UUID       `db:"booking_id"`
	IdempotencyKey string          `db:"idempotency_key"`
	Amount         decimal.Decimal `db:"amount"`
	Currency       string          `db:"currency"`
	MethodRef      string          `db:"method_ref"`
	Outcome        string          `db:"outcome"`
	ExternalRef    string          `db:"external_ref"`
	FailureReason  string          `db:"failure_reason"`
	RefundRef      string          `db:"refund_ref"`
	RefundedAmount decimal.Decimal `db:"refunded_amount"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func toAttemptRow(a *domain.PaymentAttempt) attemptRow {
	return attemptRow{
		ID:             a.ID,
		BookingID:      a.BookingID,
		IdempotencyKey: a.IdempotencyKey,
		Amount:         a.Amount,
		Currency:       a.Currency,
		MethodRef:      a.MethodRef,
		Outcome:        string(a.Outcome),
		ExternalRef:    a.ExternalRef,
		FailureReason:  a.FailureReason,
		RefundRef:      a.RefundRef,
		RefundedAmount: a.RefundedAmount,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func (row attemptRow) toDomain() *domain.PaymentAttempt {
	return &domain.PaymentAttempt{
		ID:             row.ID,
		BookingID:      row.BookingID,
		IdempotencyKey: row.IdempotencyKey,
		Amount:         row.Amount,
		Currency:       row.Currency,
		MethodRef:      row.MethodRef,
		Outcome:        domain.PaymentOutcome(row.Outcome),
		ExternalRef:    row.ExternalRef,
		FailureReason:  row.FailureReason,
		RefundRef:      row.RefundRef,
		RefundedAmount: row.RefundedAmount,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func (r *PaymentAttemptRepository) Create(ctx context.Context, attempt *domain.PaymentAttempt) error {
	query := `
	INSERT INTO payment_attempts (` + attemptColumns + `)
	VALUES (:id, :booking_id, :idempotency_key, :amount, :currency, :method_ref, :outcome,
		:external_ref, :failure_reason, :refund_ref, :refunded_amount, :created_at, :updated_at)
	`

	_, err := r.db.NamedExecContext(ctx, query, toAttemptRow(attempt))
	if isUniqueViolation(err) {
		return domain.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment attempt: %w", err)
	}

	return nil
}

func (r *PaymentAttemptRepository) Get(ctx context.Context, attemptID uuid.UUID) (*domain.PaymentAttempt, error) {
	return r.getBy(ctx, "id", attemptID)
}

func (r *PaymentAttemptRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	return r.getBy(ctx, "idempotency_key", key)
}

func (r *PaymentAttemptRepository) getBy(ctx context.Context, column string, value interface{}) (*domain.PaymentAttempt, error) {
	var row attemptRow
	err := r.db.GetContext(ctx, &row, `SELECT `+attemptColumns+` FROM payment_attempts WHERE `+column+` = $1`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.toDomain(), nil
}

func (r *PaymentAttemptRepository) Save(ctx context.Context, attempt *domain.PaymentAttempt) error {
	query := `
	UPDATE payment_attempts
	SET outcome = :outcome,
		external_ref = :external_ref,
		failure_reason = :failure_reason,
		refund_ref = :refund_ref,
		refunded_amount = :refunded_amount,
		updated_at = :updated_at
	WHERE id = :id
	`

	result, err := r.db.NamedExecContext(ctx, query, toAttemptRow(attempt))
	if err != nil {
		return fmt.Errorf("failed to update payment attempt: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return domain.ErrPaymentNotFound
	}

	return nil
}
