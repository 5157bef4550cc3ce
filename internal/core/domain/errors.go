package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid request")

	ErrInsufficientCapacity  = errors.New("insufficient capacity")
	ErrEventSoldOut          = errors.New("event sold out")
	ErrTicketClassNotFound   = errors.New("ticket class not found")
	ErrCapacityBelowConsumed = errors.New("capacity below consumed tickets")

	ErrInvalidTransition = errors.New("invalid status transition")

	ErrPaymentDeclined         = errors.New("payment declined")
	ErrPaymentInfrastructure   = errors.New("payment infrastructure failure")
	ErrRefundFailed            = errors.New("refund failed")
	ErrNoSucceededPayment      = errors.New("no succeeded payment to refund")
	ErrIdempotencyConflict     = errors.New("idempotency key reused with different parameters")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrPaymentNotFound         = errors.New("payment attempt not found")

	ErrBookingNotFound        = errors.New("booking not found")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// InvalidTransitionError carries both ends of a rejected transition.
type InvalidTransitionError struct {
	From BookingStatus
	To   BookingStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
