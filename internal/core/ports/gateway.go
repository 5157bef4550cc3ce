package ports

import (
	"context"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

// PaymentGateway is the external payment capability. A returned error means
// the call did not reach a definitive answer and may be retried with the same
// idempotency key; a decline is reported through the result status.
type PaymentGateway interface {
	Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error)
	Refund(ctx context.Context, req domain.RefundRequest) (domain.GatewayRefundResult, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event domain.OutcomeEvent) error
}
