package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultDedupeTTL covers webhook redelivery windows of the booking system.
const DefaultDedupeTTL = 24 * time.Hour

// EventDeduper reserves inbound lifecycle event ids across scheduler
// processes using SET NX. It is a fast path only; the task store's
// idempotency keys remain the source of truth.
type EventDeduper struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewEventDeduper creates a deduper. A zero ttl uses DefaultDedupeTTL.
func NewEventDeduper(client *Client, ttl time.Duration, logger *zap.Logger) *EventDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &EventDeduper{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (d *EventDeduper) buildKey(eventID string) string {
	return fmt.Sprintf("followup:event:%s", eventID)
}

// Reserve claims eventID. Returns true if this caller is the first to see
// it, false if it was already reserved.
func (d *EventDeduper) Reserve(ctx context.Context, eventID string) (bool, error) {
	set, err := d.client.rdb.SetNX(ctx, d.buildKey(eventID), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		d.logger.Debug("event already reserved", zap.String("event_id", eventID))
	}
	return set, nil
}

// Release drops a reservation so a redelivery of eventID is processed again.
func (d *EventDeduper) Release(ctx context.Context, eventID string) error {
	if err := d.client.rdb.Del(ctx, d.buildKey(eventID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
