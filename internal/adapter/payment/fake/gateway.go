// Package fake is an in-process payment provider for local runs and tests.
// It honours idempotency keys the way a real provider does.
package fake

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

const (
	// Payment method refs with these prefixes steer the outcome.
	DeclinePrefix = "tok_decline"
	PendingPrefix = "tok_pending"
)

var ErrUnavailable = errors.New("fake gateway unavailable")

type Gateway struct {
	mu sync.Mutex

	charges map[string]domain.ChargeResult
	refunds map[string]domain.GatewayRefundResult

	failCharges int
	failRefunds int

	chargeCalls   int
	providerCalls int
	refundCalls   int
}

func NewGateway() *Gateway {
	return &Gateway{
		charges: make(map[string]domain.ChargeResult),
		refunds: make(map[string]domain.GatewayRefundResult),
	}
}

// FailNextCharges makes the next n charge calls fail with ErrUnavailable
// before reaching the provider.
func (g *Gateway) FailNextCharges(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failCharges = n
}

func (g *Gateway) FailNextRefunds(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failRefunds = n
}

// Settle moves a charge recorded under key to status, the way a provider
// eventually resolves a pending charge. Later calls with key replay it.
func (g *Gateway) Settle(key string, status domain.GatewayStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.charges[key]
	if !ok {
		return
	}
	res.Status = status
	res.FailureReason = ""
	if status == domain.GatewayFailed {
		res.FailureReason = "expired"
	}
	g.charges[key] = res
}

func (g *Gateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.chargeCalls++
	if g.failCharges > 0 {
		g.failCharges--
		return domain.ChargeResult{}, ErrUnavailable
	}

	if res, ok := g.charges[req.IdempotencyKey]; ok {
		return res, nil
	}

	g.providerCalls++
	res := domain.ChargeResult{ExternalRef: "fake_ch_" + uuid.NewString()}
	switch {
	case strings.HasPrefix(req.MethodRef, DeclinePrefix):
		res.Status = domain.GatewayFailed
		res.FailureReason = "card_declined"
	case strings.HasPrefix(req.MethodRef, PendingPrefix):
		res.Status = domain.GatewayPending
	default:
		res.Status = domain.GatewaySucceeded
	}

	g.charges[req.IdempotencyKey] = res
	return res, nil
}

func (g *Gateway) Refund(ctx context.Context, req domain.RefundRequest) (domain.GatewayRefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.refundCalls++
	if g.failRefunds > 0 {
		g.failRefunds--
		return domain.GatewayRefundResult{}, ErrUnavailable
	}

	if res, ok := g.refunds[req.IdempotencyKey]; ok {
		return res, nil
	}

	res := domain.GatewayRefundResult{
		Status:      domain.GatewaySucceeded,
		ExternalRef: "fake_rf_" + uuid.NewString(),
	}
	g.refunds[req.IdempotencyKey] = res
	return res, nil
}

// ChargeCalls counts every Charge call, including failed and replayed ones.
func (g *Gateway) ChargeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chargeCalls
}

// Charges counts charges the provider actually executed.
func (g *Gateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.providerCalls
}

func (g *Gateway) Refunds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}
