// Package coordination contains the Redis-backed implementation of the
// coordination store used for cluster-wide presence.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tinywideclouds/go-delivery-service/internal/coordination"
)

const defaultTopologyPollInterval = 10 * time.Second

// deleteIfEqualsScript deletes KEYS[1] only while it still holds ARGV[1].
var deleteIfEqualsScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// notifyConfigGetter is satisfied by both *redis.Client and *redis.ClusterClient.
type notifyConfigGetter interface {
	ConfigGet(ctx context.Context, parameter string) *redis.MapStringStringCmd
}

// RedisStoreConfig tunes the RedisStore.
type RedisStoreConfig struct {
	// DB is the logical database keyspace notifications are published for.
	// Always 0 in cluster mode.
	DB int
	// TopologyPollInterval controls how often cluster slot ownership is
	// compared against the last observed layout.
	TopologyPollInterval time.Duration
	// EventBuffer sizes the Events channel.
	EventBuffer int
}

// RedisStore implements coordination.Store on top of go-redis. It works with a
// single node or a cluster. In cluster mode, keyspace events are only emitted
// by the master that owns the key, so each watched key is subscribed on that
// master's own connection and re-subscribed after resharding. Manager channels
// use sharded pub/sub in cluster mode so that PUBLISH receiver counts are exact.
type RedisStore struct {
	client  redis.UniversalClient
	cluster *redis.ClusterClient
	db      int
	logger  *slog.Logger

	events   chan coordination.Event
	topology chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.Mutex
	channelSubs  map[string]*redis.PubSub
	keyspaceSub  *redis.PubSub
	nodeSubs     map[string]*redis.PubSub
	keyNodes     map[string]string
	lastTopology string
}

// NewRedisStore wraps client. Passing a *redis.ClusterClient enables cluster
// handling and starts the topology watcher.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig, logger *slog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.TopologyPollInterval <= 0 {
		cfg.TopologyPollInterval = defaultTopologyPollInterval
	}

	s := &RedisStore{
		client:      client,
		db:          cfg.DB,
		logger:      logger.With("component", "redis_coordination_store"),
		events:      make(chan coordination.Event, cfg.EventBuffer),
		topology:    make(chan struct{}, 1),
		done:        make(chan struct{}),
		channelSubs: make(map[string]*redis.PubSub),
		nodeSubs:    make(map[string]*redis.PubSub),
		keyNodes:    make(map[string]string),
	}

	if cc, ok := client.(*redis.ClusterClient); ok {
		s.cluster = cc
		s.db = 0
		s.wg.Add(1)
		go s.watchTopology(cfg.TopologyPollInterval)
	}
	return s, nil
}

// Close stops every subscription and background goroutine. The underlying
// client is left open; it belongs to the caller.
func (s *RedisStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for _, ps := range s.channelSubs {
			_ = ps.Close()
		}
		for _, ps := range s.nodeSubs {
			_ = ps.Close()
		}
		if s.keyspaceSub != nil {
			_ = s.keyspaceSub.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existence of %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	n, err := deleteIfEqualsScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to delete %s for owner %s: %w", key, expected, err)
	}
	return n > 0, nil
}

// Delete removes keys one at a time so unrelated keys never trip CROSSSLOT.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}

func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if err := s.client.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("failed to sadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if err := s.client.SRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("failed to srem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetPop(ctx context.Context, key string) (string, bool, error) {
	member, err := s.client.SPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to spop %s: %w", key, err)
	}
	return member, true, nil
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to smembers %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) (int64, error) {
	var (
		n   int64
		err error
	)
	if s.cluster != nil {
		n, err = s.cluster.SPublish(ctx, channel, message).Result()
	} else {
		n, err = s.client.Publish(ctx, channel, message).Result()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return n, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channelSubs[channel]; ok {
		return nil
	}

	var ps *redis.PubSub
	if s.cluster != nil {
		ps = s.cluster.SSubscribe(ctx, channel)
	} else {
		ps = s.client.Subscribe(ctx, channel)
	}
	// Wait for the confirmation so a peer's probe can't race our subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	s.channelSubs[channel] = ps
	s.startForwarding(ps)
	return nil
}

func (s *RedisStore) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	ps, ok := s.channelSubs[channel]
	delete(s.channelSubs, channel)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := ps.Close(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
	}
	return nil
}

func (s *RedisStore) SubscribeKeyspace(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, addr, err := s.keyspacePubSubLocked(ctx, key)
	if err != nil {
		return err
	}
	if err := ps.Subscribe(ctx, s.keyspaceChannel(key)); err != nil {
		return fmt.Errorf("failed to subscribe to keyspace events for %s: %w", key, err)
	}
	s.keyNodes[key] = addr
	return nil
}

func (s *RedisStore) UnsubscribeKeyspace(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, ok := s.keyNodes[key]
	if !ok {
		return nil
	}
	delete(s.keyNodes, key)

	ps := s.keyspaceSub
	if s.cluster != nil {
		ps = s.nodeSubs[addr]
	}
	if ps == nil {
		return nil
	}
	if err := ps.Unsubscribe(ctx, s.keyspaceChannel(key)); err != nil {
		return fmt.Errorf("failed to unsubscribe from keyspace events for %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Events() <-chan coordination.Event { return s.events }

func (s *RedisStore) TopologyChanges() <-chan struct{} { return s.topology }

// CheckKeyspaceNotifications requires keyspace events ('K') for generic ('g')
// and string ('$') commands, or the 'A' alias, on every master.
func (s *RedisStore) CheckKeyspaceNotifications(ctx context.Context) error {
	if s.cluster != nil {
		return s.cluster.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return checkNotifyConfig(ctx, c, c.Options().Addr)
		})
	}
	return checkNotifyConfig(ctx, s.client, "redis")
}

func checkNotifyConfig(ctx context.Context, c notifyConfigGetter, node string) error {
	cfg, err := c.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return fmt.Errorf("failed to read notify-keyspace-events on %s: %w", node, err)
	}
	flags := cfg["notify-keyspace-events"]
	hasEvents := strings.Contains(flags, "A") || (strings.Contains(flags, "g") && strings.Contains(flags, "$"))
	if !strings.Contains(flags, "K") || !hasEvents {
		return fmt.Errorf("keyspace notifications not enabled on %s: notify-keyspace-events=%q (need K plus g$ or A)", node, flags)
	}
	return nil
}

// keyspacePubSubLocked returns the subscription connection that will receive
// events for key and the master address it belongs to.
func (s *RedisStore) keyspacePubSubLocked(ctx context.Context, key string) (*redis.PubSub, string, error) {
	if s.cluster == nil {
		if s.keyspaceSub == nil {
			s.keyspaceSub = s.client.Subscribe(ctx)
			s.startForwarding(s.keyspaceSub)
		}
		return s.keyspaceSub, "", nil
	}

	node, err := s.cluster.MasterForKey(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve master for %s: %w", key, err)
	}
	addr := node.Options().Addr
	ps, ok := s.nodeSubs[addr]
	if !ok {
		ps = node.Subscribe(ctx)
		s.nodeSubs[addr] = ps
		s.startForwarding(ps)
	}
	return ps, addr, nil
}

func (s *RedisStore) keyspaceChannel(key string) string {
	return keyspacePrefix(s.db) + key
}

func keyspacePrefix(db int) string {
	return "__keyspace@" + strconv.Itoa(db) + "__:"
}

func (s *RedisStore) startForwarding(ps *redis.PubSub) {
	s.wg.Add(1)
	go s.forward(ps)
}

// forward runs on its own goroutine per connection and only converts and
// hands off messages.
func (s *RedisStore) forward(ps *redis.PubSub) {
	defer s.wg.Done()
	ch := ps.Channel()
	prefix := keyspacePrefix(s.db)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev := coordination.Event{Kind: coordination.EventMessage, Channel: msg.Channel, Payload: msg.Payload}
			if strings.HasPrefix(msg.Channel, prefix) {
				ev.Kind = coordination.EventKeyspace
				ev.Key = strings.TrimPrefix(msg.Channel, prefix)
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *RedisStore) watchTopology(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			s.checkTopology(ctx)
			cancel()
		}
	}
}

func (s *RedisStore) checkTopology(ctx context.Context) {
	slots, err := s.cluster.ClusterSlots(ctx).Result()
	if err != nil {
		s.logger.Warn("Failed to read cluster slots", "err", err)
		return
	}
	fingerprint := topologyFingerprint(slots)

	s.mu.Lock()
	previous := s.lastTopology
	s.lastTopology = fingerprint
	if previous == "" || previous == fingerprint {
		s.mu.Unlock()
		return
	}
	s.logger.Info("Cluster topology changed, dropping keyspace subscriptions")
	for addr, ps := range s.nodeSubs {
		_ = ps.Close()
		delete(s.nodeSubs, addr)
	}
	s.keyNodes = make(map[string]string)
	s.mu.Unlock()

	s.cluster.ReloadState(ctx)

	select {
	case s.topology <- struct{}{}:
	default:
	}
}

func topologyFingerprint(slots []redis.ClusterSlot) string {
	parts := make([]string, 0, len(slots))
	for _, slot := range slots {
		master := ""
		if len(slot.Nodes) > 0 {
			master = slot.Nodes[0].Addr
		}
		parts = append(parts, fmt.Sprintf("%d-%d=%s", slot.Start, slot.End, master))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}
