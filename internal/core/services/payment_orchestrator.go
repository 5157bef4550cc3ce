package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
	"github.com/srgjo27/event_ticketing/internal/core/ports"
	"github.com/srgjo27/event_ticketing/internal/platform/metrics"
)

type ChargeInput struct {
	BookingID      uuid.UUID
	Amount         decimal.Decimal
	Currency       string
	MethodRef      string
	IdempotencyKey string
}

// PaymentOrchestrator owns the PaymentAttempt lifecycle. Concurrent calls for
// the same idempotency key (or the same attempt, for refunds) are collapsed
// into a single execution.
type PaymentOrchestrator struct {
	gateway  ports.PaymentGateway
	attempts ports.PaymentAttemptRepository
	retry    RetryPolicy
	now      func() time.Time

	inflight singleflight.Group
}

func NewPaymentOrchestrator(gateway ports.PaymentGateway, attempts ports.PaymentAttemptRepository, policy RetryPolicy) *PaymentOrchestrator {
	return &PaymentOrchestrator{
		gateway:  gateway,
		attempts: attempts,
		retry:    policy,
		now:      time.Now,
	}
}

// InitiateCharge charges at most once per idempotency key. A recorded final
// outcome is returned without calling the gateway again.
func (o *PaymentOrchestrator) InitiateCharge(ctx context.Context, in ChargeInput) (domain.PaymentAttempt, error) {
	if in.IdempotencyKey == "" {
		return domain.PaymentAttempt{}, fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidRequest)
	}
	if !in.Amount.IsPositive() {
		return domain.PaymentAttempt{}, fmt.Errorf("%w: charge amount must be positive", domain.ErrInvalidRequest)
	}
	if in.Currency == "" {
		return domain.PaymentAttempt{}, fmt.Errorf("%w: currency is required", domain.ErrInvalidRequest)
	}

	v, err, _ := o.inflight.Do("charge:"+in.IdempotencyKey, func() (interface{}, error) {
		return o.charge(ctx, in)
	})
	attempt, _ := v.(domain.PaymentAttempt)

	return attempt, err
}

func (o *PaymentOrchestrator) charge(ctx context.Context, in ChargeInput) (domain.PaymentAttempt, error) {
	ctx, span := tracer.Start(ctx, "PaymentOrchestrator.InitiateCharge")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency_key", in.IdempotencyKey))

	log := zerolog.Ctx(ctx).With().
		Str("booking_id", in.BookingID.String()).
		Str("idempotency_key", in.IdempotencyKey).
		Logger()

	attempt, err := o.loadOrCreateAttempt(ctx, in)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}

	if !attempt.Amount.Equal(in.Amount) || attempt.Currency != in.Currency {
		return *attempt, fmt.Errorf("%w: key %s was used for %s %s", domain.ErrIdempotencyConflict, in.IdempotencyKey, attempt.Amount, attempt.Currency)
	}

	if attempt.Outcome.Final() {
		log.Info().Str("attempt_id", attempt.ID.String()).Str("outcome", string(attempt.Outcome)).Msg("charge already settled, returning recorded outcome")
		return *attempt, nil
	}

	var result domain.ChargeResult
	err = retry(ctx, o.retry, "payment.charge", func() error {
		res, err := o.gateway.Charge(ctx, domain.ChargeRequest{
			IdempotencyKey: in.IdempotencyKey,
			Amount:         in.Amount,
			Currency:       in.Currency,
			MethodRef:      attempt.MethodRef,
			BookingID:      in.BookingID,
		})
		if err != nil {
			metrics.PaymentCalls.WithLabelValues("charge", "error").Inc()
			return permanentUnless(err, func(err error) bool { return !errors.Is(err, domain.ErrInvalidRequest) })
		}
		result = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("attempt_id", attempt.ID.String()).Msg("charge did not reach a definitive outcome")
		return *attempt, fmt.Errorf("%w: %w", domain.ErrPaymentInfrastructure, err)
	}

	metrics.PaymentCalls.WithLabelValues("charge", string(result.Status)).Inc()

	attempt.ExternalRef = result.ExternalRef
	switch result.Status {
	case domain.GatewaySucceeded:
		attempt.Outcome = domain.PaymentSucceeded
	case domain.GatewayFailed:
		attempt.Outcome = domain.PaymentFailed
		attempt.FailureReason = result.FailureReason
	default:
		attempt.Outcome = domain.PaymentPending
	}
	attempt.UpdatedAt = o.now()

	if err := o.attempts.Save(ctx, attempt); err != nil {
		log.Error().Err(err).Str("attempt_id", attempt.ID.String()).Msg("failed to record charge outcome")
		return *attempt, fmt.Errorf("%w: record charge outcome: %w", domain.ErrPaymentInfrastructure, err)
	}

	log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("outcome", string(attempt.Outcome)).
		Str("external_ref", attempt.ExternalRef).
		Msg("charge processed")

	return *attempt, nil
}

func (o *PaymentOrchestrator) loadOrCreateAttempt(ctx context.Context, in ChargeInput) (*domain.PaymentAttempt, error) {
	attempt, err := o.attempts.GetByIdempotencyKey(ctx, in.IdempotencyKey)
	if err == nil {
		return attempt, nil
	}
	if !errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, fmt.Errorf("load payment attempt: %w", err)
	}

	now := o.now()
	attempt = &domain.PaymentAttempt{
		ID:             uuid.New(),
		BookingID:      in.BookingID,
		IdempotencyKey: in.IdempotencyKey,
		Amount:         in.Amount,
		Currency:       in.Currency,
		MethodRef:      in.MethodRef,
		Outcome:        domain.PaymentPending,
		RefundedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = o.attempts.Create(ctx, attempt)
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		// lost the race to another process; use its attempt
		return o.attempts.GetByIdempotencyKey(ctx, in.IdempotencyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("create payment attempt: %w", err)
	}

	return attempt, nil
}

// Refund returns a failure result, not an error, when the gateway does not
// confirm the refund. Errors are reserved for requests that cannot be
// attempted at all.
func (o *PaymentOrchestrator) Refund(ctx context.Context, attemptID uuid.UUID, amount decimal.Decimal, reason string) (domain.RefundResult, error) {
	v, err, _ := o.inflight.Do("refund:"+attemptID.String(), func() (interface{}, error) {
		return o.refund(ctx, attemptID, amount, reason)
	})
	result, _ := v.(domain.RefundResult)

	return result, err
}

func (o *PaymentOrchestrator) refund(ctx context.Context, attemptID uuid.UUID, amount decimal.Decimal, reason string) (domain.RefundResult, error) {
	ctx, span := tracer.Start(ctx, "PaymentOrchestrator.Refund")
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("attempt_id", attemptID.String()).Logger()

	attempt, err := o.attempts.Get(ctx, attemptID)
	if err != nil {
		return domain.RefundResult{}, fmt.Errorf("load payment attempt: %w", err)
	}

	if attempt.Outcome == domain.PaymentRefunded {
		log.Info().Msg("attempt already refunded, returning recorded refund")
		return domain.RefundResult{
			AttemptID: attempt.ID,
			Succeeded: true,
			Amount:    attempt.RefundedAmount,
			RefundRef: attempt.RefundRef,
			At:        attempt.UpdatedAt,
		}, nil
	}

	if attempt.Outcome != domain.PaymentSucceeded {
		return domain.RefundResult{}, fmt.Errorf("%w: attempt %s is %s", domain.ErrNoSucceededPayment, attempt.ID, attempt.Outcome)
	}

	if !amount.IsPositive() || amount.GreaterThan(attempt.Amount) {
		return domain.RefundResult{}, fmt.Errorf("%w: refund amount %s outside (0, %s]", domain.ErrInvalidRequest, amount, attempt.Amount)
	}

	var res domain.GatewayRefundResult
	err = retry(ctx, o.retry, "payment.refund", func() error {
		r, err := o.gateway.Refund(ctx, domain.RefundRequest{
			IdempotencyKey: "refund:" + attempt.ID.String(),
			ExternalRef:    attempt.ExternalRef,
			Amount:         amount,
			Currency:       attempt.Currency,
			Reason:         reason,
		})
		if err != nil {
			metrics.PaymentCalls.WithLabelValues("refund", "error").Inc()
			return permanentUnless(err, func(error) bool { return true })
		}
		res = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("refund call failed")
		return domain.RefundResult{
			AttemptID:     attempt.ID,
			Amount:        amount,
			FailureReason: err.Error(),
			At:            o.now(),
		}, nil
	}

	metrics.PaymentCalls.WithLabelValues("refund", string(res.Status)).Inc()

	if res.Status != domain.GatewaySucceeded {
		reason := res.FailureReason
		if reason == "" {
			reason = "refund not confirmed by provider: " + string(res.Status)
		}
		log.Warn().Str("status", string(res.Status)).Str("reason", reason).Msg("refund not confirmed")
		return domain.RefundResult{
			AttemptID:     attempt.ID,
			Amount:        amount,
			RefundRef:     res.ExternalRef,
			FailureReason: reason,
			At:            o.now(),
		}, nil
	}

	now := o.now()
	attempt.Outcome = domain.PaymentRefunded
	attempt.RefundRef = res.ExternalRef
	attempt.RefundedAmount = amount
	attempt.UpdatedAt = now

	if err := o.attempts.Save(ctx, attempt); err != nil {
		// the provider deduplicates on the refund key, so a later retry
		// reconciles this record without refunding twice
		log.Error().Err(err).Msg("refund succeeded but recording it failed")
	}

	log.Info().Str("refund_ref", res.ExternalRef).Str("amount", amount.String()).Msg("refund processed")

	return domain.RefundResult{
		AttemptID: attempt.ID,
		Succeeded: true,
		Amount:    amount,
		RefundRef: res.ExternalRef,
		At:        now,
	}, nil
}

func (o *PaymentOrchestrator) GetAttempt(ctx context.Context, attemptID uuid.UUID) (*domain.PaymentAttempt, error) {
	return o.attempts.Get(ctx, attemptID)
}

func (o *PaymentOrchestrator) AttemptForKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	return o.attempts.GetByIdempotencyKey(ctx, key)
}
