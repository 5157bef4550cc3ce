package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentOutcome string

const (
	PaymentPending   PaymentOutcome = "pending"
	PaymentSucceeded PaymentOutcome = "succeeded"
	PaymentFailed    PaymentOutcome = "failed"
	PaymentRefunded  PaymentOutcome = "refunded"
)

func (o PaymentOutcome) Final() bool {
	return o == PaymentSucceeded || o == PaymentFailed || o == PaymentRefunded
}

type PaymentAttempt struct {
	ID             uuid.UUID
	BookingID      uuid.UUID
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	MethodRef      string
	Outcome        PaymentOutcome
	ExternalRef    string
	FailureReason  string
	RefundRef      string
	RefundedAmount decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ChargeRequest struct {
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	MethodRef      string
	BookingID      uuid.UUID
}

type GatewayStatus string

const (
	GatewaySucceeded GatewayStatus = "succeeded"
	GatewayFailed    GatewayStatus = "failed"
	GatewayPending   GatewayStatus = "pending"
)

type ChargeResult struct {
	Status        GatewayStatus
	ExternalRef   string
	FailureReason string
}

type RefundRequest struct {
	IdempotencyKey string
	ExternalRef    string
	Amount         decimal.Decimal
	Currency       string
	Reason         string
}

type GatewayRefundResult struct {
	Status        GatewayStatus
	ExternalRef   string
	FailureReason string
}

// RefundResult is what the orchestrator reports back for a refund. A failed
// refund is a value, not an error.
type RefundResult struct {
	AttemptID     uuid.UUID
	Succeeded     bool
	Amount        decimal.Decimal
	RefundRef     string
	FailureReason string
	At            time.Time
}

// Err reports a failed refund as domain.ErrRefundFailed.
func (r RefundResult) Err() error {
	if r.Succeeded {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRefundFailed, r.FailureReason)
}
