package delivery

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotPushRegistered means the device has no push token and does not
	// fetch messages over an open connection, so nothing can reach it.
	ErrNotPushRegistered = errors.New("device is not push registered")

	// ErrNoSuchUser means a receipt destination could not be found.
	ErrNoSuchUser = errors.New("no such user")

	// ErrNoAuthenticatedDevice means the source account of a receipt has no
	// authenticated device attached.
	ErrNoAuthenticatedDevice = errors.New("source account has no authenticated device")
)

// DisplacementListener is supplied by a connection handler when it registers
// presence. It is invoked when the connection must be force-closed because
// the device connected again, here or on another manager.
type DisplacementListener interface {
	HandleDisplacement(connectedElsewhere bool)
}

// QueueStore is the durable per-device message queue.
type QueueStore interface {
	Insert(ctx context.Context, accountID uuid.UUID, deviceID int64, envelope *Envelope) error
}

// SlotStore holds at most one pending ephemeral envelope per device.
// InsertEphemeral overwrites any previous value.
type SlotStore interface {
	InsertEphemeral(ctx context.Context, accountID uuid.UUID, deviceID int64, envelope *Envelope) error
}

// PushSender sends a notification and reports the provider's answer on the
// returned channel, which receives exactly one value.
type PushSender interface {
	Send(ctx context.Context, notification PushNotification) <-chan PushResult
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// FallbackScheduler re-sends VOIP wake-ups until the device connects.
type FallbackScheduler interface {
	Schedule(ctx context.Context, accountID uuid.UUID, deviceID int64) error
	Cancel(ctx context.Context, accountID uuid.UUID, deviceID int64) error
}

// PresenceChecker answers whether a device is connected anywhere in the cluster.
type PresenceChecker interface {
	IsPresent(ctx context.Context, accountID uuid.UUID, deviceID int64) (bool, error)
}

// LatencyRecorder measures the time between a wake notification and the
// device reading its queue.
type LatencyRecorder interface {
	RecordPushSent(ctx context.Context, accountID uuid.UUID, deviceID int64) error
	RecordQueueRead(ctx context.Context, accountID uuid.UUID, deviceID int64) error
}

// AccountDirectory looks up accounts by UUID string or phone number.
// A missing account is reported as (nil, false, nil).
type AccountDirectory interface {
	Get(ctx context.Context, identifier string) (*Account, bool, error)
}

// UnregisteredTokenHandler is told when a push provider rejects a token as
// unregistered, so the stale token can be cleared from the device record.
type UnregisteredTokenHandler func(ctx context.Context, accountID uuid.UUID, deviceID int64, channel Channel)
