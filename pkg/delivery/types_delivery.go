// Package delivery contains the public domain models and collaborator contracts
// for the real-time delivery core: presence keys, envelopes, accounts and
// devices, and the stores and push senders the pipeline routes into.
package delivery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MasterDeviceID is the device id of an account's primary device.
const MasterDeviceID int64 = 1

// PresenceKey identifies one logical connection slot: a single device of a
// single account.
type PresenceKey struct {
	AccountID uuid.UUID
	DeviceID  int64
}

// String renders the key as "{accountId}::{deviceId}". The braces make the pair
// a Redis Cluster hash tag so every key derived from it lands on one shard.
func (k PresenceKey) String() string {
	return "{" + k.AccountID.String() + "::" + strconv.FormatInt(k.DeviceID, 10) + "}"
}

// ParsePresenceKey is the inverse of PresenceKey.String.
func ParsePresenceKey(s string) (PresenceKey, error) {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return PresenceKey{}, fmt.Errorf("malformed presence key %q", s)
	}
	parts := strings.SplitN(s[1:len(s)-1], "::", 2)
	if len(parts) != 2 {
		return PresenceKey{}, fmt.Errorf("malformed presence key %q", s)
	}
	accountID, err := uuid.Parse(parts[0])
	if err != nil {
		return PresenceKey{}, fmt.Errorf("malformed account id in presence key %q: %w", s, err)
	}
	deviceID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return PresenceKey{}, fmt.Errorf("malformed device id in presence key %q: %w", s, err)
	}
	return PresenceKey{AccountID: accountID, DeviceID: deviceID}, nil
}

// EnvelopeType tags what an envelope carries. The core only routes on it.
type EnvelopeType int

const (
	EnvelopeTypeUnknown EnvelopeType = iota
	EnvelopeTypeMessage
	EnvelopeTypeEphemeral
	EnvelopeTypeReceipt
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeTypeMessage:
		return "message"
	case EnvelopeTypeEphemeral:
		return "ephemeral"
	case EnvelopeTypeReceipt:
		return "receipt"
	default:
		return "unknown"
	}
}

// Envelope is an opaque, already-encrypted message addressed to one device.
type Envelope struct {
	Type               EnvelopeType `json:"type"`
	DestinationAccount uuid.UUID    `json:"destinationAccount"`
	DestinationDevice  int64        `json:"destinationDevice"`
	SourceAccount      uuid.UUID    `json:"sourceAccount,omitempty"`
	SourceNumber       string       `json:"sourceNumber,omitempty"`
	SourceDevice       int64        `json:"sourceDevice,omitempty"`
	Relay              string       `json:"relay,omitempty"`
	Timestamp          int64        `json:"timestamp"`
	Content            []byte       `json:"content,omitempty"`
}

// Device is the directory's view of one registered device.
type Device struct {
	ID int64 `json:"id"`
	// Password is the device's authentication secret; the wake payload MAC is
	// keyed from it.
	Password        string `json:"password"`
	FCMToken        string `json:"fcmToken,omitempty"`
	APNToken        string `json:"apnToken,omitempty"`
	VoipAPNToken    string `json:"voipApnToken,omitempty"`
	FetchesMessages bool   `json:"fetchesMessages"`
}

// Channel classifies how the device is reached. An empty channel means the
// device cannot be reached at all.
func (d *Device) Channel() Channel {
	switch {
	case d.FCMToken != "":
		return ChannelFCM
	case d.APNToken != "" || d.VoipAPNToken != "":
		return ChannelAPN
	case d.FetchesMessages:
		return ChannelWebSocket
	default:
		return ChannelNone
	}
}

// Account is the directory's view of an account and its devices.
type Account struct {
	UUID    uuid.UUID `json:"uuid"`
	Number  string    `json:"number"`
	Relay   string    `json:"relay,omitempty"`
	Devices []*Device `json:"devices"`

	// AuthenticatedDevice is set by the transport layer for the account making
	// the current request. It is never persisted.
	AuthenticatedDevice *Device `json:"-"`
}

// Device returns the account's device with the given id.
func (a *Account) Device(id int64) (*Device, bool) {
	for _, d := range a.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Channel names a delivery path for telemetry and sender selection.
type Channel string

const (
	ChannelNone      Channel = ""
	ChannelFCM       Channel = "fcm"
	ChannelAPN       Channel = "apn"
	ChannelWebSocket Channel = "websocket"
)

// PushPriority is passed through to the push provider.
type PushPriority int

const (
	PushPriorityNormal PushPriority = iota
	PushPriorityHigh
)

// PushNotification is one wake-up request for a push sender.
type PushNotification struct {
	Token     string       `json:"token"`
	Voip      bool         `json:"voip,omitempty"`
	Priority  PushPriority `json:"priority"`
	Payload   []byte       `json:"payload"`
	AccountID uuid.UUID    `json:"accountId"`
	DeviceID  int64        `json:"deviceId"`
}

// PushOutcome is the tri-state result a push provider reports.
type PushOutcome int

const (
	PushDelivered PushOutcome = iota
	PushUnregistered
	PushRetryable
)

func (o PushOutcome) String() string {
	switch o {
	case PushDelivered:
		return "delivered"
	case PushUnregistered:
		return "unregistered"
	default:
		return "retryable"
	}
}

// PushResult is delivered asynchronously once the provider has answered.
type PushResult struct {
	Outcome PushOutcome
	Err     error
}

// QueuedEnvelope is an envelope read from a device queue together with the id
// used to acknowledge it.
type QueuedEnvelope struct {
	ID       string    `json:"id"`
	Envelope *Envelope `json:"envelope"`
}
