// Package presence tracks, cluster-wide, which manager process owns the live
// connection of each device.
//
// Ownership is a single coordination store record per device holding the
// owner's ManagerID. A newer claim overwrites it unconditionally; the previous
// owner hears about the overwrite through a keyspace event and force-closes its
// connection. Managers that die without cleaning up are found by a periodic
// liveness probe and their records are reaped by a surviving peer.
package presence

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-delivery-service/internal/coordination"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const (
	DefaultSweepInterval = 3 * time.Minute
	defaultWorkers       = 4
	defaultQueueSize     = 1024
	claimStripes         = 256
)

// Config tunes the registry. Zero values select the defaults.
type Config struct {
	// SweepInterval is the period of the peer liveness sweep. The first sweep
	// runs after a random delay in [0, SweepInterval).
	SweepInterval time.Duration
	// Workers handle displacement and resubscription off the event stream.
	Workers int
	// QueueSize bounds the work queue in front of the workers.
	QueueSize int
}

// localEntry wraps a listener so entries can be compared by identity.
type localEntry struct {
	listener delivery.DisplacementListener
}

// Registry is one manager process's view of cluster-wide presence. Create one
// per process with NewRegistry and hand it to every connection handler.
type Registry struct {
	store     coordination.Store
	managerID string
	cfg       Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// local maps presence keys to *localEntry.
	local sync.Map
	// claims serializes SetPresent and ClearPresence per key stripe.
	claims [claimStripes]sync.Mutex

	work   chan func(context.Context)
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry with a fresh ManagerID. metrics may be nil.
func NewRegistry(store coordination.Store, cfg Config, m *metrics.Metrics, logger zerolog.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("coordination store cannot be nil")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	managerID := uuid.NewString()
	return &Registry{
		store:     store,
		managerID: managerID,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With().Str("component", "PresenceRegistry").Str("manager", managerID).Logger(),
		work:      make(chan func(context.Context), cfg.QueueSize),
	}, nil
}

// ManagerID identifies this process for as long as it runs.
func (r *Registry) ManagerID() string {
	return r.managerID
}

// Start fails fast if the store will not emit keyspace events, then announces
// this manager to its peers and starts the background loops.
func (r *Registry) Start(ctx context.Context) error {
	// 1. Without keyspace events a displaced owner would never find out.
	if err := r.store.CheckKeyspaceNotifications(ctx); err != nil {
		return fmt.Errorf("presence registry cannot start: %w", err)
	}

	// 2. Stay reachable for peer liveness probes.
	if err := r.store.Subscribe(ctx, managerChannel(r.managerID)); err != nil {
		return fmt.Errorf("failed to subscribe to manager channel: %w", err)
	}

	// 3. Join the manager set.
	if err := r.store.SetAdd(ctx, managersKey, r.managerID); err != nil {
		return fmt.Errorf("failed to register manager: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(r.cfg.Workers + 2)
	for i := 0; i < r.cfg.Workers; i++ {
		go r.runWorker(runCtx)
	}
	go r.dispatch(runCtx)
	go r.runSweeper(runCtx)

	r.logger.Info().Dur("sweep_interval", r.cfg.SweepInterval).Int("workers", r.cfg.Workers).Msg("Presence registry started.")
	return nil
}

// Stop halts the background loops, removes every record this manager owns and
// withdraws it from the manager set. Local listeners are not invoked.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	var errs []error
	r.local.Range(func(k, _ any) bool {
		key := k.(string)
		r.local.Delete(key)
		r.metrics.AddLocalPresence(-1)
		if _, err := r.store.DeleteIfEquals(ctx, key, r.managerID); err != nil {
			errs = append(errs, err)
		}
		if err := r.store.UnsubscribeKeyspace(ctx, key); err != nil {
			errs = append(errs, err)
		}
		return true
	})

	if err := r.store.Unsubscribe(ctx, managerChannel(r.managerID)); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.SetRemove(ctx, managersKey, r.managerID); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.Delete(ctx, clientsKey(r.managerID)); err != nil {
		errs = append(errs, err)
	}

	r.logger.Info().Int("errors", len(errs)).Msg("Presence registry stopped.")
	return errors.Join(errs...)
}

// SetPresent claims the device for this manager. Any listener already
// registered here for the same device is displaced first. Store failures are
// returned after the claim is rolled back; the caller should close the
// connection.
func (r *Registry) SetPresent(ctx context.Context, accountID uuid.UUID, deviceID int64, listener delivery.DisplacementListener) error {
	key := presenceKey(accountID, deviceID)
	mu := r.claimLock(key)
	mu.Lock()
	defer mu.Unlock()

	// 1-2. Replace any local listener in one step so two never coexist. The
	// store record stays ours and is rewritten below.
	entry := &localEntry{listener: listener}
	if prev, loaded := r.local.Swap(key, entry); loaded {
		r.metrics.RecordDisplacement(false)
		prev.(*localEntry).listener.HandleDisplacement(false)
	} else {
		r.metrics.AddLocalPresence(1)
	}

	if err := r.claim(ctx, key); err != nil {
		r.rollback(ctx, key, entry)
		return err
	}
	return nil
}

// claim writes ownership, records the key for crash cleanup and watches it
// for later claims by other managers. Each step is idempotent.
func (r *Registry) claim(ctx context.Context, key string) error {
	if err := r.store.Set(ctx, key, r.managerID); err != nil {
		return err
	}
	if err := r.store.SetAdd(ctx, clientsKey(r.managerID), key); err != nil {
		return err
	}
	return r.store.SubscribeKeyspace(ctx, key)
}

// rollback undoes a partial claim so a dead connection is never reported as
// present. Caller holds the claim lock for key.
func (r *Registry) rollback(ctx context.Context, key string, entry *localEntry) {
	if !r.local.CompareAndDelete(key, entry) {
		return
	}
	r.metrics.AddLocalPresence(-1)
	if _, err := r.clearRemote(ctx, key); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("Failed to roll back presence claim.")
	}
}

// IsPresent reports whether any manager currently owns the device.
func (r *Registry) IsPresent(ctx context.Context, accountID uuid.UUID, deviceID int64) (bool, error) {
	return r.store.Exists(ctx, presenceKey(accountID, deviceID))
}

// ClearPresence drops local bookkeeping and deletes the store record only if
// this manager still owns it. It reports whether a record was deleted.
func (r *Registry) ClearPresence(ctx context.Context, accountID uuid.UUID, deviceID int64) (bool, error) {
	key := presenceKey(accountID, deviceID)
	mu := r.claimLock(key)
	mu.Lock()
	defer mu.Unlock()

	if _, loaded := r.local.LoadAndDelete(key); loaded {
		r.metrics.AddLocalPresence(-1)
	}
	return r.clearRemote(ctx, key)
}

func (r *Registry) claimLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.claims[h.Sum32()%claimStripes]
}

func (r *Registry) clearRemote(ctx context.Context, key string) (bool, error) {
	removed, err := r.store.DeleteIfEquals(ctx, key, r.managerID)
	if err != nil {
		return false, err
	}
	if err := r.store.UnsubscribeKeyspace(ctx, key); err != nil {
		return removed, err
	}
	if err := r.store.SetRemove(ctx, clientsKey(r.managerID), key); err != nil {
		return removed, err
	}
	return removed, nil
}

// dispatch only reads events and hands work to the pool. It must not call the
// store: it may be running on the store's delivery path.
func (r *Registry) dispatch(ctx context.Context) {
	defer r.wg.Done()
	events := r.store.Events()
	topology := r.store.TopologyChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != coordination.EventKeyspace || ev.Payload != "set" {
				continue
			}
			entry, ok := r.local.Load(ev.Key)
			if !ok {
				continue
			}
			key := ev.Key
			r.enqueue(ctx, func(ctx context.Context) { r.displaceRemote(ctx, key, entry.(*localEntry)) })
		case <-topology:
			r.enqueue(ctx, r.resubscribeAll)
		}
	}
}

func (r *Registry) enqueue(ctx context.Context, task func(context.Context)) {
	select {
	case r.work <- task:
	case <-ctx.Done():
	}
}

func (r *Registry) runWorker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-r.work:
			task(ctx)
		}
	}
}

// displaceRemote handles another manager overwriting a key we hold. The store
// record is left alone: it belongs to the new owner now.
func (r *Registry) displaceRemote(ctx context.Context, key string, entry *localEntry) {
	owner, found, err := r.store.Get(ctx, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("Could not read owner before displacement, displacing anyway.")
	} else if found && owner == r.managerID {
		// Our own claim, reported late.
		return
	}

	if !r.local.CompareAndDelete(key, entry) {
		return
	}
	r.metrics.AddLocalPresence(-1)
	r.metrics.RecordDisplacement(true)
	entry.listener.HandleDisplacement(true)

	if err := r.store.SetRemove(ctx, clientsKey(r.managerID), key); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("Failed to remove displaced key from client set.")
	}
	if err := r.store.UnsubscribeKeyspace(ctx, key); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("Failed to unsubscribe displaced key.")
	}
	r.logger.Debug().Str("key", key).Str("new_owner", owner).Msg("Connection displaced by another manager.")
}

// resubscribeAll re-establishes keyspace subscriptions after resharding.
func (r *Registry) resubscribeAll(ctx context.Context) {
	count := 0
	r.local.Range(func(k, _ any) bool {
		if err := r.store.SubscribeKeyspace(ctx, k.(string)); err != nil {
			r.logger.Error().Err(err).Str("key", k.(string)).Msg("Failed to resubscribe after topology change.")
		}
		count++
		return ctx.Err() == nil
	})
	r.logger.Info().Int("keys", count).Msg("Resubscribed keyspace events after topology change.")
}

func (r *Registry) runSweeper(ctx context.Context) {
	defer r.wg.Done()

	timer := time.NewTimer(rand.N(r.cfg.SweepInterval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := r.sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("Peer liveness sweep failed.")
			}
			timer.Reset(r.cfg.SweepInterval)
		}
	}
}

// sweep probes every other registered manager once. A peer with no subscriber
// on its channel is considered dead and reaped on this tick.
func (r *Registry) sweep(ctx context.Context) error {
	peers, err := r.store.SetMembers(ctx, managersKey)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		if peer == r.managerID {
			continue
		}
		receivers, err := r.store.Publish(ctx, managerChannel(peer), pingMessage)
		if err != nil {
			r.logger.Warn().Err(err).Str("peer", peer).Msg("Failed to probe peer manager.")
			continue
		}
		if receivers > 0 {
			continue
		}
		r.logger.Warn().Str("peer", peer).Msg("Peer manager did not answer probe, reaping its presences.")
		if err := r.reap(ctx, peer); err != nil {
			r.logger.Error().Err(err).Str("peer", peer).Msg("Failed to reap peer manager.")
		}
	}
	return nil
}

// reap deletes every record still owned by a dead peer. Concurrent sweepers
// may pop from the same set; each key is handled by whoever pops it.
func (r *Registry) reap(ctx context.Context, peer string) error {
	peerClients := clientsKey(peer)
	reaped := 0
	for {
		key, ok, err := r.store.SetPop(ctx, peerClients)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		removed, err := r.store.DeleteIfEquals(ctx, key, peer)
		if err != nil {
			return err
		}
		if removed {
			reaped++
		}
	}

	if err := r.store.Delete(ctx, peerClients); err != nil {
		return err
	}
	if err := r.store.SetRemove(ctx, managersKey, peer); err != nil {
		return err
	}
	r.metrics.RecordReapedPeer(reaped)
	r.logger.Info().Str("peer", peer).Int("records", reaped).Msg("Reaped dead peer manager.")
	return nil
}
