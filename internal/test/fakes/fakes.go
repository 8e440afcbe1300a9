// Package fakes provides in-memory test doubles (fakes) for the service's
// dependencies. These are used by the local run mode and by tests that need
// several components talking to each other.
package fakes

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// --- Queue & Slot Stores ---

// QueueStore keeps durable envelopes per device in insertion order.
type QueueStore struct {
	mu     sync.Mutex
	queues map[delivery.PresenceKey][]*delivery.QueuedEnvelope
}

func NewQueueStore() *QueueStore {
	return &QueueStore{queues: make(map[delivery.PresenceKey][]*delivery.QueuedEnvelope)}
}

func (q *QueueStore) Insert(_ context.Context, accountID uuid.UUID, deviceID int64, envelope *delivery.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}
	q.queues[key] = append(q.queues[key], &delivery.QueuedEnvelope{ID: uuid.NewString(), Envelope: envelope})
	return nil
}

func (q *QueueStore) RetrieveBatch(_ context.Context, accountID uuid.UUID, deviceID int64, limit int) ([]*delivery.QueuedEnvelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queued := q.queues[delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}]
	if len(queued) > limit {
		queued = queued[:limit]
	}
	return append([]*delivery.QueuedEnvelope(nil), queued...), nil
}

func (q *QueueStore) Acknowledge(_ context.Context, accountID uuid.UUID, deviceID int64, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	acked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}
	key := delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}
	kept := q.queues[key][:0]
	for _, m := range q.queues[key] {
		if _, ok := acked[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	q.queues[key] = kept
	return nil
}

// Queued returns the envelopes still waiting for the device.
func (q *QueueStore) Queued(accountID uuid.UUID, deviceID int64) []*delivery.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*delivery.Envelope
	for _, m := range q.queues[delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}] {
		out = append(out, m.Envelope)
	}
	return out
}

// SlotStore keeps the latest ephemeral envelope per device.
type SlotStore struct {
	mu    sync.Mutex
	slots map[delivery.PresenceKey]*delivery.Envelope
}

func NewSlotStore() *SlotStore {
	return &SlotStore{slots: make(map[delivery.PresenceKey]*delivery.Envelope)}
}

func (s *SlotStore) InsertEphemeral(_ context.Context, accountID uuid.UUID, deviceID int64, envelope *delivery.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}] = envelope
	return nil
}

func (s *SlotStore) TakeEphemeral(_ context.Context, accountID uuid.UUID, deviceID int64) (*delivery.Envelope, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}
	env, ok := s.slots[key]
	delete(s.slots, key)
	return env, ok, nil
}

// --- Push ---

// PushSender records every notification and answers with a fixed outcome.
type PushSender struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	sent    []delivery.PushNotification
	outcome delivery.PushOutcome
}

func NewPushSender(logger zerolog.Logger) *PushSender {
	return &PushSender{logger: logger}
}

// Respond sets the outcome reported for later sends.
func (p *PushSender) Respond(outcome delivery.PushOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcome = outcome
}

func (p *PushSender) Send(_ context.Context, n delivery.PushNotification) <-chan delivery.PushResult {
	p.mu.Lock()
	p.sent = append(p.sent, n)
	outcome := p.outcome
	p.mu.Unlock()

	p.logger.Info().Str("account", n.AccountID.String()).Int64("device", n.DeviceID).Bool("voip", n.Voip).Msg("[FAKES-PUSH] Send called.")
	result := make(chan delivery.PushResult, 1)
	result <- delivery.PushResult{Outcome: outcome}
	close(result)
	return result
}

func (p *PushSender) Sent() []delivery.PushNotification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]delivery.PushNotification(nil), p.sent...)
}

func (p *PushSender) Start(_ context.Context) error { return nil }
func (p *PushSender) Stop(_ context.Context) error  { return nil }

// FallbackScheduler tracks which devices have a pending VOIP retry.
type FallbackScheduler struct {
	mu      sync.Mutex
	pending map[delivery.PresenceKey]struct{}
}

func NewFallbackScheduler() *FallbackScheduler {
	return &FallbackScheduler{pending: make(map[delivery.PresenceKey]struct{})}
}

func (f *FallbackScheduler) Schedule(_ context.Context, accountID uuid.UUID, deviceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}] = struct{}{}
	return nil
}

func (f *FallbackScheduler) Cancel(_ context.Context, accountID uuid.UUID, deviceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID})
	return nil
}

func (f *FallbackScheduler) Pending(accountID uuid.UUID, deviceID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}]
	return ok
}

// LatencyRecorder accepts and discards latency markers.
type LatencyRecorder struct{}

func NewLatencyRecorder() *LatencyRecorder { return &LatencyRecorder{} }

func (l *LatencyRecorder) RecordPushSent(_ context.Context, _ uuid.UUID, _ int64) error { return nil }
func (l *LatencyRecorder) RecordQueueRead(_ context.Context, _ uuid.UUID, _ int64) error {
	return nil
}

// --- Directory ---

// AccountDirectory resolves accounts by UUID string or number.
type AccountDirectory struct {
	mu       sync.Mutex
	accounts []*delivery.Account
}

func NewAccountDirectory(accounts ...*delivery.Account) *AccountDirectory {
	return &AccountDirectory{accounts: accounts}
}

func (d *AccountDirectory) Put(account *delivery.Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts = append(d.accounts, account)
}

func (d *AccountDirectory) Get(_ context.Context, identifier string) (*delivery.Account, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.accounts {
		if a.Number == identifier || strings.EqualFold(a.UUID.String(), identifier) {
			return a, true, nil
		}
	}
	return nil, false, nil
}
