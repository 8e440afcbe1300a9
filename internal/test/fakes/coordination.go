package fakes

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/tinywideclouds/go-delivery-service/internal/coordination"
)

// ErrCrashed is returned by every operation on a store whose owning process
// has been simulated as dead.
var ErrCrashed = errors.New("coordination store crashed")

const eventBuffer = 4096

// CoordinationCluster is an in-memory coordination store shared by several
// simulated manager processes. Each process gets its own view from NewStore;
// subscriptions are per view, data is shared.
type CoordinationCluster struct {
	mu     sync.Mutex
	values map[string]string
	sets   map[string]map[string]struct{}
	stores []*CoordinationStore
}

func NewCoordinationCluster() *CoordinationCluster {
	return &CoordinationCluster{
		values: make(map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

// NewStore returns a fresh view of the cluster, as seen by one process.
func (c *CoordinationCluster) NewStore() *CoordinationStore {
	s := &CoordinationStore{
		cluster:  c,
		channels: make(map[string]struct{}),
		watched:  make(map[string]struct{}),
		events:   make(chan coordination.Event, eventBuffer),
		topology: make(chan struct{}, 1),
	}
	c.mu.Lock()
	c.stores = append(c.stores, s)
	c.mu.Unlock()
	return s
}

// Value reads a key directly, bypassing any view.
func (c *CoordinationCluster) Value(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Members returns a sorted copy of a set.
func (c *CoordinationCluster) Members(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membersLocked(key)
}

// TriggerTopologyChange signals every live view that shard ownership moved.
func (c *CoordinationCluster) TriggerTopologyChange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.stores {
		if s.crashed {
			continue
		}
		select {
		case s.topology <- struct{}{}:
		default:
		}
	}
}

func (c *CoordinationCluster) membersLocked(key string) []string {
	set := c.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (c *CoordinationCluster) notifyLocked(key, op string) {
	for _, s := range c.stores {
		if s.crashed {
			continue
		}
		if _, ok := s.watched[key]; ok {
			s.emitLocked(coordination.Event{
				Kind:    coordination.EventKeyspace,
				Channel: "__keyspace@0__:" + key,
				Key:     key,
				Payload: op,
			})
		}
	}
}

// CoordinationStore is one process's view of a CoordinationCluster. It
// implements coordination.Store.
type CoordinationStore struct {
	cluster  *CoordinationCluster
	channels map[string]struct{}
	watched  map[string]struct{}
	events   chan coordination.Event
	topology chan struct{}

	crashed          bool
	failWith         error
	keyspaceDisabled bool
	keyspaceCalls    map[string]int
}

// Crash simulates the owning process dying: its subscriptions vanish and every
// further call fails. Data it wrote stays in the cluster.
func (s *CoordinationStore) Crash() {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	s.crashed = true
	s.channels = make(map[string]struct{})
	s.watched = make(map[string]struct{})
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (s *CoordinationStore) FailWith(err error) {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	s.failWith = err
}

// DisableKeyspaceNotifications makes CheckKeyspaceNotifications fail.
func (s *CoordinationStore) DisableKeyspaceNotifications() {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	s.keyspaceDisabled = true
}

// Watching reports whether this view currently receives events for key.
func (s *CoordinationStore) Watching(key string) bool {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	_, ok := s.watched[key]
	return ok
}

// KeyspaceSubscribeCalls counts SubscribeKeyspace calls for key.
func (s *CoordinationStore) KeyspaceSubscribeCalls(key string) int {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	return s.keyspaceCalls[key]
}

func (s *CoordinationStore) lock() error {
	s.cluster.mu.Lock()
	if s.crashed {
		s.cluster.mu.Unlock()
		return ErrCrashed
	}
	if s.failWith != nil {
		err := s.failWith
		s.cluster.mu.Unlock()
		return err
	}
	return nil
}

func (s *CoordinationStore) unlock() { s.cluster.mu.Unlock() }

// emitLocked never blocks; a full buffer drops the event.
func (s *CoordinationStore) emitLocked(ev coordination.Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *CoordinationStore) Set(_ context.Context, key, value string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	s.cluster.values[key] = value
	s.cluster.notifyLocked(key, "set")
	return nil
}

func (s *CoordinationStore) SetNX(_ context.Context, key, value string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.unlock()
	if _, ok := s.cluster.values[key]; ok {
		return false, nil
	}
	s.cluster.values[key] = value
	s.cluster.notifyLocked(key, "set")
	return true, nil
}

func (s *CoordinationStore) Get(_ context.Context, key string) (string, bool, error) {
	if err := s.lock(); err != nil {
		return "", false, err
	}
	defer s.unlock()
	v, ok := s.cluster.values[key]
	return v, ok, nil
}

func (s *CoordinationStore) Exists(_ context.Context, key string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.unlock()
	_, inValues := s.cluster.values[key]
	_, inSets := s.cluster.sets[key]
	return inValues || inSets, nil
}

func (s *CoordinationStore) DeleteIfEquals(_ context.Context, key, expected string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.unlock()
	if v, ok := s.cluster.values[key]; !ok || v != expected {
		return false, nil
	}
	delete(s.cluster.values, key)
	s.cluster.notifyLocked(key, "del")
	return true, nil
}

func (s *CoordinationStore) Delete(_ context.Context, keys ...string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	for _, key := range keys {
		_, inValues := s.cluster.values[key]
		_, inSets := s.cluster.sets[key]
		delete(s.cluster.values, key)
		delete(s.cluster.sets, key)
		if inValues || inSets {
			s.cluster.notifyLocked(key, "del")
		}
	}
	return nil
}

func (s *CoordinationStore) SetAdd(_ context.Context, key string, members ...string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	set, ok := s.cluster.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.cluster.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *CoordinationStore) SetRemove(_ context.Context, key string, members ...string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	set := s.cluster.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if set != nil && len(set) == 0 {
		delete(s.cluster.sets, key)
	}
	return nil
}

func (s *CoordinationStore) SetPop(_ context.Context, key string) (string, bool, error) {
	if err := s.lock(); err != nil {
		return "", false, err
	}
	defer s.unlock()
	members := s.cluster.membersLocked(key)
	if len(members) == 0 {
		return "", false, nil
	}
	m := members[0]
	delete(s.cluster.sets[key], m)
	if len(s.cluster.sets[key]) == 0 {
		delete(s.cluster.sets, key)
	}
	return m, true, nil
}

func (s *CoordinationStore) SetMembers(_ context.Context, key string) ([]string, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.unlock()
	return s.cluster.membersLocked(key), nil
}

func (s *CoordinationStore) Publish(_ context.Context, channel, message string) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.unlock()
	var receivers int64
	for _, peer := range s.cluster.stores {
		if peer.crashed {
			continue
		}
		if _, ok := peer.channels[channel]; ok {
			receivers++
			peer.emitLocked(coordination.Event{Kind: coordination.EventMessage, Channel: channel, Payload: message})
		}
	}
	return receivers, nil
}

func (s *CoordinationStore) Subscribe(_ context.Context, channel string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	s.channels[channel] = struct{}{}
	return nil
}

func (s *CoordinationStore) Unsubscribe(_ context.Context, channel string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	delete(s.channels, channel)
	return nil
}

func (s *CoordinationStore) SubscribeKeyspace(_ context.Context, key string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	s.watched[key] = struct{}{}
	if s.keyspaceCalls == nil {
		s.keyspaceCalls = make(map[string]int)
	}
	s.keyspaceCalls[key]++
	return nil
}

func (s *CoordinationStore) UnsubscribeKeyspace(_ context.Context, key string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	delete(s.watched, key)
	return nil
}

func (s *CoordinationStore) Events() <-chan coordination.Event { return s.events }

func (s *CoordinationStore) TopologyChanges() <-chan struct{} { return s.topology }

func (s *CoordinationStore) CheckKeyspaceNotifications(_ context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	if s.keyspaceDisabled {
		return errors.New("keyspace notifications are disabled")
	}
	return nil
}

var _ coordination.Store = (*CoordinationStore)(nil)
