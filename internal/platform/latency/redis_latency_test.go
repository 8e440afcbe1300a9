package latency

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
)

type latencyFixture struct {
	mr       *miniredis.Miniredis
	reg      *prometheus.Registry
	recorder *RedisLatencyRecorder
	clock    time.Time
}

func newLatencyFixture(t *testing.T) *latencyFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)

	recorder, err := NewRedisLatencyRecorder(rdb, m, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	f := &latencyFixture{mr: mr, reg: reg, recorder: recorder, clock: time.UnixMilli(1_700_000_000_000)}
	recorder.now = func() time.Time { return f.clock }
	return f
}

// histogram returns the sample count and sum of the push latency histogram.
func (f *latencyFixture) histogram(t *testing.T) (uint64, float64) {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "delivery_push_to_queue_read_seconds" {
			h := mf.GetMetric()[0].GetHistogram()
			return h.GetSampleCount(), h.GetSampleSum()
		}
	}
	t.Fatal("push latency histogram not registered")
	return 0, 0
}

func TestRedisLatencyRecorder_ObservesOnQueueRead(t *testing.T) {
	ctx := context.Background()
	f := newLatencyFixture(t)
	accountID := uuid.New()

	require.NoError(t, f.recorder.RecordPushSent(ctx, accountID, 1))
	f.clock = f.clock.Add(3 * time.Second)
	require.NoError(t, f.recorder.RecordQueueRead(ctx, accountID, 1))

	count, sum := f.histogram(t)
	assert.Equal(t, uint64(1), count)
	assert.InDelta(t, 3.0, sum, 0.001)

	// The marker is consumed.
	require.NoError(t, f.recorder.RecordQueueRead(ctx, accountID, 1))
	count, _ = f.histogram(t)
	assert.Equal(t, uint64(1), count)
}

func TestRedisLatencyRecorder_LatestPushWins(t *testing.T) {
	ctx := context.Background()
	f := newLatencyFixture(t)
	accountID := uuid.New()

	require.NoError(t, f.recorder.RecordPushSent(ctx, accountID, 1))
	f.clock = f.clock.Add(10 * time.Second)
	require.NoError(t, f.recorder.RecordPushSent(ctx, accountID, 1))
	f.clock = f.clock.Add(time.Second)
	require.NoError(t, f.recorder.RecordQueueRead(ctx, accountID, 1))

	_, sum := f.histogram(t)
	assert.InDelta(t, 1.0, sum, 0.001)
}

func TestRedisLatencyRecorder_NoMarkerOrMalformed(t *testing.T) {
	ctx := context.Background()
	f := newLatencyFixture(t)
	accountID := uuid.New()

	require.NoError(t, f.recorder.RecordQueueRead(ctx, accountID, 1))

	require.NoError(t, f.mr.Set(markerKey(accountID, 1), "not-a-number"))
	require.NoError(t, f.recorder.RecordQueueRead(ctx, accountID, 1))
	assert.False(t, f.mr.Exists(markerKey(accountID, 1)))

	count, _ := f.histogram(t)
	assert.Equal(t, uint64(0), count)
}

func TestRedisLatencyRecorder_MarkerExpires(t *testing.T) {
	ctx := context.Background()
	f := newLatencyFixture(t)
	accountID := uuid.New()

	require.NoError(t, f.recorder.RecordPushSent(ctx, accountID, 2))
	assert.True(t, f.mr.Exists(markerKey(accountID, 2)))
	f.mr.FastForward(time.Hour + time.Second)
	assert.False(t, f.mr.Exists(markerKey(accountID, 2)))
}
