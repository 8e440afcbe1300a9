package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tinywideclouds/go-delivery-service/internal/queue"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// DefaultSlotTTL bounds how long an unread online-only envelope is kept.
const DefaultSlotTTL = time.Minute

type slotClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
}

// RedisSlotStore keeps one ephemeral envelope per device under a single key.
// A new envelope overwrites the previous one.
type RedisSlotStore struct {
	client slotClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisSlotStore(client slotClient, ttl time.Duration, logger *slog.Logger) (*RedisSlotStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultSlotTTL
	}
	return &RedisSlotStore{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "redis_slot_store"),
	}, nil
}

func (s *RedisSlotStore) InsertEphemeral(ctx context.Context, accountID uuid.UUID, deviceID int64, envelope *delivery.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal ephemeral envelope: %w", err)
	}
	key := slotKey(accountID, deviceID)
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set ephemeral slot %s: %w", key, err)
	}
	return nil
}

func (s *RedisSlotStore) TakeEphemeral(ctx context.Context, accountID uuid.UUID, deviceID int64) (*delivery.Envelope, bool, error) {
	key := slotKey(accountID, deviceID)
	payload, err := s.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to take ephemeral slot %s: %w", key, err)
	}

	var envelope delivery.Envelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		s.logger.Warn("Dropping unreadable ephemeral envelope", "key", key, "err", err)
		return nil, false, nil
	}
	return &envelope, true, nil
}

func slotKey(accountID uuid.UUID, deviceID int64) string {
	return "ephemeral::" + delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}.String()
}

var _ queue.EphemeralSlots = (*RedisSlotStore)(nil)
