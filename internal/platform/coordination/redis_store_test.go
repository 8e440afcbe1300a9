package coordination_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-delivery-service/internal/coordination"
	rediscoord "github.com/tinywideclouds/go-delivery-service/internal/platform/coordination"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupStore(t *testing.T) (*rediscoord.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := rediscoord.NewRedisStore(rdb, rediscoord.RedisStoreConfig{}, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func nextEvent(t *testing.T, store *rediscoord.RedisStore) coordination.Event {
	t.Helper()
	select {
	case ev := <-store.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return coordination.Event{}
	}
}

func TestRedisStore_KeyOperations(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	wrote, err := store.SetNX(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = store.SetNX(ctx, "k", "b")
	require.NoError(t, err)
	assert.False(t, wrote)

	require.NoError(t, store.Set(ctx, "k", "owner-1"))
	val, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "owner-1", val)

	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "k", "missing"))
	exists, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisStore_DeleteIfEquals(t *testing.T) {
	ctx := context.Background()
	store, mr := setupStore(t)
	require.NoError(t, mr.Set("presence", "owner-2"))

	removed, err := store.DeleteIfEquals(ctx, "presence", "owner-1")
	require.NoError(t, err)
	assert.False(t, removed, "a different owner must not delete")
	assert.True(t, mr.Exists("presence"))

	removed, err = store.DeleteIfEquals(ctx, "presence", "owner-2")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, mr.Exists("presence"))

	removed, err = store.DeleteIfEquals(ctx, "presence", "owner-2")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRedisStore_SetOperations(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t)

	require.NoError(t, store.SetAdd(ctx, "s", "a", "b", "c"))
	require.NoError(t, store.SetRemove(ctx, "s", "b"))

	members, err := store.SetMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)

	popped := map[string]bool{}
	for i := 0; i < 2; i++ {
		m, ok, err := store.SetPop(ctx, "s")
		require.NoError(t, err)
		require.True(t, ok)
		popped[m] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "c": true}, popped)

	_, ok, err := store.SetPop(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t)

	n, err := store.Publish(ctx, "presence::manager::m1", "ping")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, store.Subscribe(ctx, "presence::manager::m1"))
	require.NoError(t, store.Subscribe(ctx, "presence::manager::m1"), "subscribe is idempotent")

	n, err = store.Publish(ctx, "presence::manager::m1", "ping")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ev := nextEvent(t, store)
	assert.Equal(t, coordination.EventMessage, ev.Kind)
	assert.Equal(t, "presence::manager::m1", ev.Channel)
	assert.Equal(t, "ping", ev.Payload)

	require.NoError(t, store.Unsubscribe(ctx, "presence::manager::m1"))
	require.NoError(t, store.Unsubscribe(ctx, "presence::manager::m1"))
	assert.Eventually(t, func() bool {
		n, err := store.Publish(ctx, "presence::manager::m1", "ping")
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedisStore_KeyspaceEventsCarryKey(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t)
	const key = "presence::{0f8fad5b-d9cb-469f-a165-70867728950e::1}"

	require.NoError(t, store.SubscribeKeyspace(ctx, key))

	// miniredis does not emit keyspace notifications, so publish one by hand.
	require.Eventually(t, func() bool {
		n, err := store.Publish(ctx, "__keyspace@0__:"+key, "set")
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)

	ev := nextEvent(t, store)
	assert.Equal(t, coordination.EventKeyspace, ev.Kind)
	assert.Equal(t, key, ev.Key)
	assert.Equal(t, "set", ev.Payload)

	require.NoError(t, store.UnsubscribeKeyspace(ctx, key))
	require.NoError(t, store.UnsubscribeKeyspace(ctx, key), "unknown key is a no-op")
}

func TestNewRedisStore_NilClient(t *testing.T) {
	_, err := rediscoord.NewRedisStore(nil, rediscoord.RedisStoreConfig{}, newTestLogger())
	assert.Error(t, err)
}
