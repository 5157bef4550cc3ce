// Package redisrepo holds the Redis backed inventory store and availability
// cache. Every capacity change runs as one Lua script so the check and the
// write cannot interleave with another client.
package redisrepo

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

const (
	statusReserved     = 1
	statusInsufficient = 0
	statusUnknownClass = -1
)

var upsertScript = redis.NewScript(`
	local consumed = tonumber(redis.call('HGET', KEYS[1], 'consumed') or '0')
	local total = tonumber(ARGV[1])
	if consumed > total then
		return 0
	end
	redis.call('HSET', KEYS[1], 'total', total, 'consumed', consumed, 'unit_price', ARGV[2], 'currency', ARGV[3])
	redis.call('SADD', KEYS[2], ARGV[4])
	return 1
`)

// KEYS[1] inventory hash, KEYS[2] reservation hash
// ARGV quantity, booking id, event id, ticket class
var reserveScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[2]) == 1 then
		local r = redis.call('HMGET', KEYS[2], 'unit_price', 'currency', 'quantity')
		return {1, r[1], r[2], tonumber(r[3])}
	end
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return {-1, '', '', 0}
	end
	local qty = tonumber(ARGV[1])
	local inv = redis.call('HMGET', KEYS[1], 'total', 'consumed', 'unit_price', 'currency')
	local total = tonumber(inv[1])
	local consumed = tonumber(inv[2])
	if consumed + qty > total then
		return {0, '', '', total - consumed}
	end
	redis.call('HINCRBY', KEYS[1], 'consumed', qty)
	redis.call('HSET', KEYS[2], 'booking_id', ARGV[2], 'event_id', ARGV[3], 'ticket_class', ARGV[4],
		'quantity', qty, 'unit_price', inv[3], 'currency', inv[4], 'released', 0)
	return {1, inv[3], inv[4], qty}
`)

// KEYS[1] reservation hash, KEYS[2] inventory hash
var releaseScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'released') ~= '0' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'released', 1)
	local qty = tonumber(redis.call('HGET', KEYS[1], 'quantity'))
	local consumed = tonumber(redis.call('HGET', KEYS[2], 'consumed') or '0')
	redis.call('HSET', KEYS[2], 'consumed', math.max(consumed - qty, 0))
	return 1
`)

// InventoryStore expects a single Redis node; the release script touches
// keys of two different events' slots otherwise.
type InventoryStore struct {
	client *redis.Client
}

func NewInventoryStore(client *redis.Client) *InventoryStore {
	return &InventoryStore{client: client}
}

func inventoryKey(eventID uuid.UUID, ticketClass string) string {
	return fmt.Sprintf("inventory:%s:%s", eventID, ticketClass)
}

func classesKey(eventID uuid.UUID) string {
	return fmt.Sprintf("inventory:%s:classes", eventID)
}

func reservationKey(tokenID uuid.UUID) string {
	return fmt.Sprintf("reservation:%s", tokenID)
}

func (s *InventoryStore) UpsertTicketClasses(ctx context.Context, eventID uuid.UUID, classes []domain.TicketClass) error {
	for _, c := range classes {
		ok, err := upsertScript.Run(ctx, s.client,
			[]string{inventoryKey(eventID, c.Name), classesKey(eventID)},
			c.Capacity, c.UnitPrice.String(), c.Currency, c.Name,
		).Int()
		if err != nil {
			return fmt.Errorf("failed to upsert ticket class %s: %w", c.Name, err)
		}
		if ok == 0 {
			return fmt.Errorf("%w: %s capacity %d", domain.ErrCapacityBelowConsumed, c.Name, c.Capacity)
		}
	}
	return nil
}

func (s *InventoryStore) Reserve(ctx context.Context, token domain.ReservationToken) (domain.ReservationToken, error) {
	res, err := reserveScript.Run(ctx, s.client,
		[]string{inventoryKey(token.EventID, token.TicketClass), reservationKey(token.ID)},
		token.Quantity, token.BookingID.String(), token.EventID.String(), token.TicketClass,
	).Slice()
	if err != nil {
		return domain.ReservationToken{}, fmt.Errorf("failed to reserve %s: %w", token.TicketClass, err)
	}
	if len(res) != 4 {
		return domain.ReservationToken{}, fmt.Errorf("unexpected reserve reply %v", res)
	}

	status, _ := res[0].(int64)
	switch status {
	case statusUnknownClass:
		return domain.ReservationToken{}, fmt.Errorf("%w: %s", domain.ErrTicketClassNotFound, token.TicketClass)
	case statusInsufficient:
		available, _ := res[3].(int64)
		return domain.ReservationToken{}, fmt.Errorf("%w: %s has %d left, %d requested", domain.ErrInsufficientCapacity, token.TicketClass, available, token.Quantity)
	case statusReserved:
	default:
		return domain.ReservationToken{}, fmt.Errorf("unexpected reserve status %d", status)
	}

	price, _ := res[1].(string)
	token.UnitPrice, err = decimal.NewFromString(price)
	if err != nil {
		return domain.ReservationToken{}, fmt.Errorf("stored price for %s: %w", token.TicketClass, err)
	}
	token.Currency, _ = res[2].(string)
	if qty, ok := res[3].(int64); ok {
		token.Quantity = int(qty)
	}

	return token, nil
}

func (s *InventoryStore) Release(ctx context.Context, tokenID uuid.UUID) (bool, error) {
	fields, err := s.client.HMGet(ctx, reservationKey(tokenID), "event_id", "ticket_class").Result()
	if err != nil {
		return false, err
	}

	eventRaw, _ := fields[0].(string)
	ticketClass, _ := fields[1].(string)
	if eventRaw == "" {
		return false, nil
	}

	eventID, err := uuid.Parse(eventRaw)
	if err != nil {
		return false, fmt.Errorf("reservation %s has a malformed event id: %w", tokenID, err)
	}

	released, err := releaseScript.Run(ctx, s.client,
		[]string{reservationKey(tokenID), inventoryKey(eventID, ticketClass)},
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release reservation %s: %w", tokenID, err)
	}

	return released == 1, nil
}

func (s *InventoryStore) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.InventoryRecord, error) {
	classes, err := s.client.SMembers(ctx, classesKey(eventID)).Result()
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return []domain.InventoryRecord{}, nil
	}
	sort.Strings(classes)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(classes))
	for i, class := range classes {
		cmds[i] = pipe.HGetAll(ctx, inventoryKey(eventID, class))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	records := make([]domain.InventoryRecord, 0, len(classes))
	for i, class := range classes {
		rec, err := parseRecord(eventID, class, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

func parseRecord(eventID uuid.UUID, class string, fields map[string]string) (domain.InventoryRecord, error) {
	total, err := strconv.Atoi(fields["total"])
	if err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("inventory %s total: %w", class, err)
	}
	consumed, err := strconv.Atoi(fields["consumed"])
	if err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("inventory %s consumed: %w", class, err)
	}
	price, err := decimal.NewFromString(fields["unit_price"])
	if err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("inventory %s price: %w", class, err)
	}

	return domain.InventoryRecord{
		EventID:     eventID,
		TicketClass: class,
		Total:       total,
		Consumed:    consumed,
		UnitPrice:   price,
		Currency:    fields["currency"],
	}, nil
}
