package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tinywideclouds/go-delivery-service/internal/queue"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	RPopLPush(ctx context.Context, source, destination string) *redis.StringCmd
}

// RedisQueueStore implements queue.Store on two Redis lists per device:
//  1. `queue::{account::device}`: new envelopes are pushed on the left.
//  2. `pending::{account::device}`: envelopes handed to the client and not yet
//     acknowledged.
//
// Both keys share a hash tag so RPOPLPUSH stays on one cluster slot.
type RedisQueueStore struct {
	client redisClient
	logger *slog.Logger
}

// queuedRedisMessage is the JSON value stored in the lists.
type queuedRedisMessage struct {
	ID       string             `json:"id"`
	Envelope *delivery.Envelope `json:"envelope"`
}

func NewRedisQueueStore(client redisClient, logger *slog.Logger) (*RedisQueueStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisQueueStore{
		client: client,
		logger: logger.With("component", "redis_queue_store"),
	}, nil
}

func (s *RedisQueueStore) Insert(ctx context.Context, accountID uuid.UUID, deviceID int64, envelope *delivery.Envelope) error {
	msg := queuedRedisMessage{ID: uuid.NewString(), Envelope: envelope}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queued envelope: %w", err)
	}

	key := deviceQueueKey(accountID, deviceID)
	if err := s.client.LPush(ctx, key, payload).Err(); err != nil {
		s.logger.Error("Failed to lpush to device queue", "key", key, "err", err)
		return fmt.Errorf("failed to lpush to device queue: %w", err)
	}
	s.logger.Debug("Queued envelope", "key", key, "msg_id", msg.ID)
	return nil
}

// RetrieveBatch first returns envelopes still pending from an earlier read,
// then moves new ones from the queue into pending, oldest first.
func (s *RedisQueueStore) RetrieveBatch(ctx context.Context, accountID uuid.UUID, deviceID int64, limit int) ([]*delivery.QueuedEnvelope, error) {
	queueKey := deviceQueueKey(accountID, deviceID)
	pendingKey := devicePendingKey(accountID, deviceID)
	log := s.logger.With("queue_key", queueKey)

	batch := make([]*delivery.QueuedEnvelope, 0, limit)

	// 1. Re-deliver anything not yet acknowledged. Pending is newest-left.
	pending, err := s.client.LRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending list: %w", err)
	}
	for i := len(pending) - 1; i >= 0 && len(batch) < limit; i-- {
		if msg, ok := s.decode(ctx, pendingKey, pending[i]); ok {
			batch = append(batch, msg)
		}
	}

	// 2. Move new envelopes across.
	for len(batch) < limit {
		payload, err := s.client.RPopLPush(ctx, queueKey, pendingKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			log.Error("Failed to rpoplpush envelope", "err", err)
			return nil, fmt.Errorf("failed to rpoplpush envelope: %w", err)
		}
		if msg, ok := s.decode(ctx, pendingKey, payload); ok {
			batch = append(batch, msg)
		}
	}

	log.Debug("Retrieved queue batch", "count", len(batch))
	return batch, nil
}

// Acknowledge removes pending envelopes by id.
func (s *RedisQueueStore) Acknowledge(ctx context.Context, accountID uuid.UUID, deviceID int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pendingKey := devicePendingKey(accountID, deviceID)

	payloads, err := s.client.LRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read pending list for ack: %w", err)
	}

	byID := make(map[string]string, len(payloads))
	for _, payload := range payloads {
		var msg queuedRedisMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue
		}
		byID[msg.ID] = payload
	}

	var errs []error
	for _, id := range ids {
		payload, ok := byID[id]
		if !ok {
			s.logger.Warn("Ack for id not in pending list", "id", id, "key", pendingKey)
			continue
		}
		if err := s.client.LRem(ctx, pendingKey, 1, payload).Err(); err != nil {
			errs = append(errs, fmt.Errorf("failed to lrem %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// decode drops poison payloads from the pending list so they are not retried forever.
func (s *RedisQueueStore) decode(ctx context.Context, pendingKey, payload string) (*delivery.QueuedEnvelope, bool) {
	var msg queuedRedisMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.logger.Warn("Removing poison message from pending list", "key", pendingKey, "err", err)
		_ = s.client.LRem(ctx, pendingKey, 1, payload)
		return nil, false
	}
	return &delivery.QueuedEnvelope{ID: msg.ID, Envelope: msg.Envelope}, true
}

func deviceQueueKey(accountID uuid.UUID, deviceID int64) string {
	return "queue::" + delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}.String()
}

func devicePendingKey(accountID uuid.UUID, deviceID int64) string {
	return "pending::" + delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}.String()
}

var _ queue.Store = (*RedisQueueStore)(nil)
