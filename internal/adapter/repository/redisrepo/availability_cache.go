package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
)

type AvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAvailabilityCache(client *redis.Client, ttl time.Duration) *AvailabilityCache {
	return &AvailabilityCache{client: client, ttl: ttl}
}

func availabilityKey(eventID uuid.UUID) string {
	return fmt.Sprintf("availability:%s", eventID)
}

func (c *AvailabilityCache) Get(ctx context.Context, eventID uuid.UUID) (map[string]domain.Availability, bool, error) {
	raw, err := c.client.Get(ctx, availabilityKey(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var availability map[string]domain.Availability
	if err := json.Unmarshal([]byte(raw), &availability); err != nil {
		return nil, false, fmt.Errorf("decode cached availability: %w", err)
	}

	return availability, true, nil
}

func (c *AvailabilityCache) Set(ctx context.Context, eventID uuid.UUID, availability map[string]domain.Availability) error {
	payload, err := json.Marshal(availability)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, availabilityKey(eventID), string(payload), c.ttl).Err()
}

func (c *AvailabilityCache) Invalidate(ctx context.Context, eventID uuid.UUID) error {
	return c.client.Del(ctx, availabilityKey(eventID)).Err()
}
