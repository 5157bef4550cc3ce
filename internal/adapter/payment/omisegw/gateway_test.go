package omisegw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

type stubAPI struct {
	charge     *omise.Charge
	refund     *omise.Refund
	err        error
	calls      int
	keys       []string
	lastCharge *operations.CreateCharge
	lastRefund *operations.CreateRefund
}

func (s *stubAPI) CreateCharge(op *operations.CreateCharge, key string) (*omise.Charge, error) {
	s.calls++
	s.keys = append(s.keys, key)
	s.lastCharge = op
	if s.err != nil {
		return nil, s.err
	}
	return s.charge, nil
}

func (s *stubAPI) CreateRefund(op *operations.CreateRefund, key string) (*omise.Refund, error) {
	s.calls++
	s.keys = append(s.keys, key)
	s.lastRefund = op
	if s.err != nil {
		return nil, s.err
	}
	return s.refund, nil
}

func charge(status string) *omise.Charge {
	ch := &omise.Charge{Status: omise.ChargeStatus(status)}
	ch.ID = "chrg_test_1"
	return ch
}

func chargeRequest() domain.ChargeRequest {
	return domain.ChargeRequest{
		IdempotencyKey: "key-1",
		Amount:         decimal.RequireFromString("120.50"),
		Currency:       "THB",
		MethodRef:      "tokn_test_1",
		BookingID:      uuid.New(),
	}
}

func TestCharge_MapsProviderStatus(t *testing.T) {
	declined := charge("failed")
	code, msg := "insufficient_fund", "insufficient funds in the account"
	declined.FailureCode = &code
	declined.FailureMessage = &msg

	tests := []struct {
		name   string
		charge *omise.Charge
		want   domain.GatewayStatus
		reason string
	}{
		{name: "successful", charge: charge("successful"), want: domain.GatewaySucceeded},
		{name: "failed", charge: declined, want: domain.GatewayFailed, reason: "insufficient_fund: insufficient funds in the account"},
		{name: "expired", charge: charge("expired"), want: domain.GatewayFailed, reason: "expired"},
		{name: "pending", charge: charge("pending"), want: domain.GatewayPending},
		{name: "awaiting authorization", charge: charge("awaiting_authorize"), want: domain.GatewayPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &stubAPI{charge: tt.charge}
			gw := newGateway(api)

			res, err := gw.Charge(context.Background(), chargeRequest())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, "chrg_test_1", res.ExternalRef)
			assert.Equal(t, tt.reason, res.FailureReason)
		})
	}
}

func TestCharge_SendsMinorUnitsAndKey(t *testing.T) {
	api := &stubAPI{charge: charge("successful")}
	gw := newGateway(api)
	req := chargeRequest()

	_, err := gw.Charge(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, api.lastCharge)
	assert.Equal(t, int64(12050), api.lastCharge.Amount)
	assert.Equal(t, "thb", api.lastCharge.Currency)
	assert.Equal(t, "tokn_test_1", api.lastCharge.Card)
	assert.Equal(t, "key-1", api.lastCharge.Metadata["idempotency_key"])
	assert.Equal(t, req.BookingID.String(), api.lastCharge.Metadata["booking_id"])
	assert.Equal(t, []string{"key-1"}, api.keys)
}

// keyedProvider deduplicates on the idempotency key the way Omise does. The
// first call per key creates the charge and then loses the reply.
type keyedProvider struct {
	charges map[string]*omise.Charge
	created int
	keys    []string
}

func (p *keyedProvider) CreateCharge(op *operations.CreateCharge, key string) (*omise.Charge, error) {
	p.keys = append(p.keys, key)
	if ch, ok := p.charges[key]; ok {
		return ch, nil
	}
	p.created++
	ch := charge("successful")
	ch.ID = fmt.Sprintf("chrg_test_%d", p.created)
	p.charges[key] = ch
	return nil, os.ErrDeadlineExceeded
}

func (p *keyedProvider) CreateRefund(*operations.CreateRefund, string) (*omise.Refund, error) {
	return nil, errors.New("not expected")
}

func TestCharge_RetryAfterLostReplyReusesTheCharge(t *testing.T) {
	provider := &keyedProvider{charges: map[string]*omise.Charge{}}
	gw := newGateway(provider)
	req := chargeRequest()

	_, err := gw.Charge(context.Background(), req)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	res, err := gw.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.GatewaySucceeded, res.Status)
	assert.Equal(t, "chrg_test_1", res.ExternalRef)

	assert.Equal(t, 1, provider.created)
	assert.Equal(t, []string{"key-1", "key-1"}, provider.keys)
}

func TestKeyedClient_SendsIdempotencyHeader(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get(IdempotencyHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	base := &http.Client{Timeout: 5 * time.Second}

	for _, key := range []string{"key-a", "key-b"} {
		resp, err := keyedHTTPClient(base, key).Post(srv.URL, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := keyedHTTPClient(nil, "").Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"key-a", "key-b", ""}, got)
	assert.Nil(t, base.Transport, "shared client must stay untouched")
	assert.Equal(t, 5*time.Second, keyedHTTPClient(base, "k").Timeout)
}

func TestCharge_CredentialErrorsAreNotDeclines(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			api := &stubAPI{err: &omise.Error{StatusCode: status, Code: "authentication_failure"}}
			gw := newGateway(api)

			_, err := gw.Charge(context.Background(), chargeRequest())
			var oe *omise.Error
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, status, oe.StatusCode)
		})
	}
}

func TestCharge_ClientErrorIsADecline(t *testing.T) {
	api := &stubAPI{err: &omise.Error{StatusCode: 400, Code: "invalid_card", Message: "card is invalid"}}
	gw := newGateway(api)

	res, err := gw.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayFailed, res.Status)
	assert.Equal(t, "invalid_card: card is invalid", res.FailureReason)
}

func TestCharge_OutageOpensBreaker(t *testing.T) {
	api := &stubAPI{err: errors.New("connection reset")}
	gw := newGateway(api)

	for i := 0; i < 5; i++ {
		_, err := gw.Charge(context.Background(), chargeRequest())
		require.Error(t, err)
	}
	assert.Equal(t, 5, api.calls)

	_, err := gw.Charge(context.Background(), chargeRequest())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, api.calls, "open breaker must not reach the provider")
}

func TestRefund(t *testing.T) {
	rf := &omise.Refund{}
	rf.ID = "rfnd_test_1"
	api := &stubAPI{refund: rf}
	gw := newGateway(api)

	res, err := gw.Refund(context.Background(), domain.RefundRequest{
		IdempotencyKey: "refund:abc",
		ExternalRef:    "chrg_test_1",
		Amount:         decimal.RequireFromString("50"),
		Currency:       "THB",
		Reason:         "user request",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.GatewaySucceeded, res.Status)
	assert.Equal(t, "rfnd_test_1", res.ExternalRef)
	assert.Equal(t, int64(5000), api.lastRefund.Amount)
	assert.Equal(t, "chrg_test_1", api.lastRefund.ChargeID)
}

func TestRefund_RejectedByProvider(t *testing.T) {
	api := &stubAPI{err: &omise.Error{StatusCode: 400, Code: "failed_refund"}}
	gw := newGateway(api)

	res, err := gw.Refund(context.Background(), domain.RefundRequest{
		ExternalRef: "chrg_test_1",
		Amount:      decimal.NewFromInt(10),
		Currency:    "THB",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayFailed, res.Status)
	assert.Equal(t, "failed_refund", res.FailureReason)
}

func TestSmallestUnit(t *testing.T) {
	v, err := SmallestUnit(decimal.RequireFromString("10.25"), "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(1025), v)

	v, err = SmallestUnit(decimal.NewFromInt(1500), "JPY")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), v)

	_, err = SmallestUnit(decimal.RequireFromString("10.255"), "USD")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = SmallestUnit(decimal.RequireFromString("10.5"), "JPY")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
