package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

type PaymentAttemptRepository struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID]domain.PaymentAttempt
	byKey    map[string]uuid.UUID
}

func NewPaymentAttemptRepository() *PaymentAttemptRepository {
	return &PaymentAttemptRepository{
		attempts: make(map[uuid.UUID]domain.PaymentAttempt),
		byKey:    make(map[string]uuid.UUID),
	}
}

func (r *PaymentAttemptRepository) Create(ctx context.Context, attempt *domain.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[attempt.IdempotencyKey]; exists {
		return domain.ErrDuplicateIdempotencyKey
	}

	r.attempts[attempt.ID] = *attempt
	r.byKey[attempt.IdempotencyKey] = attempt.ID
	return nil
}

func (r *PaymentAttemptRepository) Get(ctx context.Context, attemptID uuid.UUID) (*domain.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.attempts[attemptID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return &a, nil
}

func (r *PaymentAttemptRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[key]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	a := r.attempts[id]
	return &a, nil
}

func (r *PaymentAttemptRepository) Save(ctx context.Context, attempt *domain.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.attempts[attempt.ID]; !ok {
		return domain.ErrPaymentNotFound
	}
	r.attempts[attempt.ID] = *attempt
	return nil
}
