// Package omisegw adapts the Omise charges API to the payment gateway port.
package omisegw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

var tracer = otel.Tracer("github.com/srgjo27/event_ticketing/internal/adapter/payment/omisegw")

// IdempotencyHeader carries the request key. The provider replays the
// original response for a repeated key instead of creating a second object.
const IdempotencyHeader = "Idempotency-Key"

// api is the subset of the Omise client the gateway drives.
type api interface {
	CreateCharge(op *operations.CreateCharge, idempotencyKey string) (*omise.Charge, error)
	CreateRefund(op *operations.CreateRefund, idempotencyKey string) (*omise.Refund, error)
}

type clientAPI struct {
	client *omise.Client
}

func (c clientAPI) CreateCharge(op *operations.CreateCharge, idempotencyKey string) (*omise.Charge, error) {
	ch := &omise.Charge{}
	if err := c.keyed(idempotencyKey).Do(ch, op); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c clientAPI) CreateRefund(op *operations.CreateRefund, idempotencyKey string) (*omise.Refund, error) {
	rf := &omise.Refund{}
	if err := c.keyed(idempotencyKey).Do(rf, op); err != nil {
		return nil, err
	}
	return rf, nil
}

// keyed returns a copy of the client whose requests carry key. The shared
// client is never mutated, so concurrent calls keep their own keys.
func (c clientAPI) keyed(key string) *omise.Client {
	kc := *c.client
	kc.Client = keyedHTTPClient(c.client.Client, key)
	return &kc
}

func keyedHTTPClient(base *http.Client, key string) *http.Client {
	hc := &http.Client{}
	if base != nil {
		*hc = *base
	}
	hc.Transport = idempotencyTransport{key: key, next: hc.Transport}
	return hc
}

type idempotencyTransport struct {
	key  string
	next http.RoundTripper
}

func (t idempotencyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	if t.key == "" {
		return next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set(IdempotencyHeader, t.key)
	return next.RoundTrip(req)
}

type Gateway struct {
	api     api
	breaker *gobreaker.CircuitBreaker
}

func NewClient(publicKey, secretKey string) (*omise.Client, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	c.SetDebug(false)
	return c, nil
}

func NewGateway(client *omise.Client) *Gateway {
	return newGateway(clientAPI{client: client})
}

func newGateway(a api) *Gateway {
	st := gobreaker.Settings{
		Name:        "omise",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Payment provider circuit changed state")
		},
	}
	return &Gateway{api: a, breaker: gobreaker.NewCircuitBreaker(st)}
}

func (g *Gateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	ctx, span := tracer.Start(ctx, "omise.CreateCharge", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", req.BookingID.String()))

	if err := ctx.Err(); err != nil {
		return domain.ChargeResult{}, err
	}
	amount, err := SmallestUnit(req.Amount, req.Currency)
	if err != nil {
		return domain.ChargeResult{}, err
	}

	op := &operations.CreateCharge{
		Amount:      amount,
		Currency:    strings.ToLower(req.Currency),
		Card:        req.MethodRef,
		Description: "booking " + req.BookingID.String(),
		Metadata: map[string]interface{}{
			"booking_id":      req.BookingID.String(),
			"idempotency_key": req.IdempotencyKey,
		},
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		ch, err := g.api.CreateCharge(op, req.IdempotencyKey)
		if rejected(err) {
			// A rejected request is an answer, not an outage.
			return rejection(err), nil
		}
		return ch, err
	})
	if err != nil {
		span.RecordError(err)
		return domain.ChargeResult{}, fmt.Errorf("omise charge: %w", err)
	}

	switch v := out.(type) {
	case domain.ChargeResult:
		return v, nil
	case *omise.Charge:
		return chargeResult(v), nil
	}
	return domain.ChargeResult{}, fmt.Errorf("omise charge: unexpected response %T", out)
}

func (g *Gateway) Refund(ctx context.Context, req domain.RefundRequest) (domain.GatewayRefundResult, error) {
	ctx, span := tracer.Start(ctx, "omise.CreateRefund", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("charge_id", req.ExternalRef))

	if err := ctx.Err(); err != nil {
		return domain.GatewayRefundResult{}, err
	}
	if req.ExternalRef == "" {
		return domain.GatewayRefundResult{Status: domain.GatewayFailed, FailureReason: "missing charge reference"}, nil
	}
	amount, err := SmallestUnit(req.Amount, req.Currency)
	if err != nil {
		return domain.GatewayRefundResult{}, err
	}

	op := &operations.CreateRefund{
		ChargeID: req.ExternalRef,
		Amount:   amount,
		Metadata: map[string]interface{}{
			"idempotency_key": req.IdempotencyKey,
			"reason":          req.Reason,
		},
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		rf, err := g.api.CreateRefund(op, req.IdempotencyKey)
		if rejected(err) {
			c := rejection(err)
			return domain.GatewayRefundResult{Status: c.Status, FailureReason: c.FailureReason}, nil
		}
		return rf, err
	})
	if err != nil {
		span.RecordError(err)
		return domain.GatewayRefundResult{}, fmt.Errorf("omise refund: %w", err)
	}

	switch v := out.(type) {
	case domain.GatewayRefundResult:
		return v, nil
	case *omise.Refund:
		return domain.GatewayRefundResult{Status: domain.GatewaySucceeded, ExternalRef: v.ID}, nil
	}
	return domain.GatewayRefundResult{}, fmt.Errorf("omise refund: unexpected response %T", out)
}

// chargeResult maps Omise charge states. awaiting_authorize and anything
// unknown stay pending until the provider settles them.
func chargeResult(ch *omise.Charge) domain.ChargeResult {
	res := domain.ChargeResult{ExternalRef: ch.ID}
	switch string(ch.Status) {
	case "successful":
		res.Status = domain.GatewaySucceeded
	case "failed", "expired", "reversed":
		res.Status = domain.GatewayFailed
		res.FailureReason = failureReason(ch)
	default:
		res.Status = domain.GatewayPending
	}
	return res
}

func failureReason(ch *omise.Charge) string {
	if ch.FailureCode != nil && *ch.FailureCode != "" {
		if ch.FailureMessage != nil && *ch.FailureMessage != "" {
			return *ch.FailureCode + ": " + *ch.FailureMessage
		}
		return *ch.FailureCode
	}
	if ch.FailureMessage != nil {
		return *ch.FailureMessage
	}
	return string(ch.Status)
}

// rejected reports a provider answer about the request itself, such as a
// declined card. Rate limiting and credential errors are about us, not the
// payer, so they stay retryable infrastructure failures.
func rejected(err error) bool {
	var oe *omise.Error
	if !errors.As(err, &oe) {
		return false
	}
	switch oe.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return false
	}
	return oe.StatusCode >= 400 && oe.StatusCode < 500
}

func rejection(err error) domain.ChargeResult {
	var oe *omise.Error
	errors.As(err, &oe)
	reason := oe.Code
	if oe.Message != "" {
		reason += ": " + oe.Message
	}
	return domain.ChargeResult{Status: domain.GatewayFailed, FailureReason: reason}
}

var zeroDecimal = map[string]bool{"JPY": true}

// SmallestUnit converts an amount into the integer minor unit Omise expects.
func SmallestUnit(amount decimal.Decimal, currency string) (int64, error) {
	places := int32(2)
	if zeroDecimal[strings.ToUpper(currency)] {
		places = 0
	}
	minor := amount.Shift(places)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more precision than %s allows", domain.ErrInvalidRequest, amount, strings.ToUpper(currency))
	}
	return minor.IntPart(), nil
}
