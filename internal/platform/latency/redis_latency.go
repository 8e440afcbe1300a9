// Package latency measures the time from a wake notification to the device
// reading its queue.
package latency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// DefaultMarkerTTL bounds how long a push-sent marker waits for a queue read.
const DefaultMarkerTTL = 24 * time.Hour

type latencyClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
}

// RedisLatencyRecorder implements delivery.LatencyRecorder with one marker key
// per device holding the push-sent time in unix milliseconds.
type RedisLatencyRecorder struct {
	client  latencyClient
	metrics *metrics.Metrics
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewRedisLatencyRecorder(client latencyClient, m *metrics.Metrics, ttl time.Duration, logger *slog.Logger) (*RedisLatencyRecorder, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return &RedisLatencyRecorder{
		client:  client,
		metrics: m,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "redis_latency_recorder"),
	}, nil
}

// RecordPushSent overwrites any earlier marker, so latency is measured from
// the most recent wake-up.
func (r *RedisLatencyRecorder) RecordPushSent(ctx context.Context, accountID uuid.UUID, deviceID int64) error {
	key := markerKey(accountID, deviceID)
	sentAt := strconv.FormatInt(r.now().UnixMilli(), 10)
	if err := r.client.Set(ctx, key, sentAt, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record push sent for %s: %w", key, err)
	}
	return nil
}

// RecordQueueRead observes the latency if a marker exists and clears it.
func (r *RedisLatencyRecorder) RecordQueueRead(ctx context.Context, accountID uuid.UUID, deviceID int64) error {
	key := markerKey(accountID, deviceID)
	raw, err := r.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read push marker %s: %w", key, err)
	}
	sentMillis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.logger.Warn("Discarding malformed push marker", "key", key, "value", raw)
		return nil
	}
	latency := r.now().Sub(time.UnixMilli(sentMillis))
	if latency < 0 {
		latency = 0
	}
	r.metrics.ObservePushLatency(latency)
	r.logger.Debug("Observed push latency", "key", key, "latency", latency)
	return nil
}

func markerKey(accountID uuid.UUID, deviceID int64) string {
	return "latency::" + delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}.String()
}

var _ delivery.LatencyRecorder = (*RedisLatencyRecorder)(nil)
