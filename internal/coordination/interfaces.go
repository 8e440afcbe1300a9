// Package coordination defines the clustered key-value and pub/sub primitives
// the presence registry is built on.
package coordination

import (
	"context"
)

// EventKind distinguishes ordinary channel messages from key change events.
type EventKind int

const (
	// EventMessage is a payload published to a subscribed channel.
	EventMessage EventKind = iota
	// EventKeyspace reports that a watched key was written or removed.
	EventKeyspace
)

// Event is delivered on Store.Events. For EventKeyspace, Key is the watched key
// and Payload is the operation that touched it ("set", "del", "expired").
type Event struct {
	Kind    EventKind
	Channel string
	Key     string
	Payload string
}

// Store is the coordination store contract. Every call may block on I/O.
type Store interface {
	// Set writes key unconditionally.
	Set(ctx context.Context, key, value string) error
	// SetNX writes key only if it does not exist and reports whether it wrote.
	SetNX(ctx context.Context, key, value string) (bool, error)
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// DeleteIfEquals atomically deletes key only if its value equals expected.
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)
	Delete(ctx context.Context, keys ...string) error

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	// SetPop removes and returns one random member; ok is false when the set
	// is empty or absent.
	SetPop(ctx context.Context, key string) (member string, ok bool, err error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Publish returns how many subscribers received the message.
	Publish(ctx context.Context, channel, message string) (int64, error)
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	// SubscribeKeyspace starts delivering change events for key.
	SubscribeKeyspace(ctx context.Context, key string) error
	UnsubscribeKeyspace(ctx context.Context, key string) error

	// Events carries messages and keyspace events for every subscription.
	// Receivers must not call back into the Store while handling an event.
	Events() <-chan Event
	// TopologyChanges fires when shard ownership changes and keyspace
	// subscriptions must be re-established.
	TopologyChanges() <-chan struct{}

	// CheckKeyspaceNotifications fails if the store will not emit key change
	// events for the operations the registry watches.
	CheckKeyspaceNotifications(ctx context.Context) error
}
