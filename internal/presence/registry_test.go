package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/test/fakes"
)

type recordingListener struct {
	mu    sync.Mutex
	calls []bool
}

func (l *recordingListener) HandleDisplacement(connectedElsewhere bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, connectedElsewhere)
}

func (l *recordingListener) Calls() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.calls...)
}

func newTestRegistry(t *testing.T, cluster *fakes.CoordinationCluster) (*Registry, *fakes.CoordinationStore, *metrics.Metrics) {
	t.Helper()
	store := cluster.NewStore()
	m, err := metrics.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	r, err := NewRegistry(store, Config{SweepInterval: time.Hour}, m, zerolog.Nop())
	require.NoError(t, err)
	return r, store, m
}

func startTestRegistry(t *testing.T, cluster *fakes.CoordinationCluster) (*Registry, *fakes.CoordinationStore, *metrics.Metrics) {
	t.Helper()
	r, store, m := newTestRegistry(t, cluster)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r, store, m
}

func isLocal(r *Registry, accountID uuid.UUID, deviceID int64) bool {
	_, ok := r.local.Load(presenceKey(accountID, deviceID))
	return ok
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(nil, Config{}, nil, zerolog.Nop())
	assert.Error(t, err)

	r, err := NewRegistry(fakes.NewCoordinationCluster().NewStore(), Config{}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepInterval, r.cfg.SweepInterval)
	assert.NotEmpty(t, r.ManagerID())
}

func TestRegistry_StartFailsWithoutKeyspaceNotifications(t *testing.T) {
	cluster := fakes.NewCoordinationCluster()
	r, store, _ := newTestRegistry(t, cluster)
	store.DisableKeyspaceNotifications()

	err := r.Start(context.Background())

	require.Error(t, err)
	assert.Empty(t, cluster.Members(managersKey), "manager must not announce itself")
}

func TestRegistry_StartRegistersManager(t *testing.T) {
	cluster := fakes.NewCoordinationCluster()
	r, store, _ := startTestRegistry(t, cluster)

	assert.Equal(t, []string{r.ManagerID()}, cluster.Members(managersKey))

	receivers, err := store.Publish(context.Background(), managerChannel(r.ManagerID()), pingMessage)
	require.NoError(t, err)
	assert.Equal(t, int64(1), receivers)
}

func TestRegistry_SetPresentAndClear(t *testing.T) {
	ctx := context.Background()
	cluster := fakes.NewCoordinationCluster()
	r, store, m := startTestRegistry(t, cluster)
	accountID := uuid.New()
	key := presenceKey(accountID, 1)

	require.NoError(t, r.SetPresent(ctx, accountID, 1, &recordingListener{}))

	present, err := r.IsPresent(ctx, accountID, 1)
	require.NoError(t, err)
	assert.True(t, present)
	owner, _ := cluster.Value(key)
	assert.Equal(t, r.ManagerID(), owner)
	assert.Equal(t, []string{key}, cluster.Members(clientsKey(r.ManagerID())))
	assert.True(t, store.Watching(key))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LocalPresences))

	removed, err := r.ClearPresence(ctx, accountID, 1)
	require.NoError(t, err)
	assert.True(t, removed)

	present, err = r.IsPresent(ctx, accountID, 1)
	require.NoError(t, err)
	assert.False(t, present)
	assert.False(t, isLocal(r, accountID, 1))
	assert.False(t, store.Watching(key))
	assert.Empty(t, cluster.Members(clientsKey(r.ManagerID())))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LocalPresences))

	removed, err = r.ClearPresence(ctx, accountID, 1)
	require.NoError(t, err)
	assert.False(t, removed, "nothing left to clear")
}

func TestRegistry_DisplacementAcrossManagers(t *testing.T) {
	ctx := context.Background()
	cluster := fakes.NewCoordinationCluster()
	m1, _, metrics1 := startTestRegistry(t, cluster)
	m2, _, _ := startTestRegistry(t, cluster)
	accountID := uuid.New()
	l1, l2 := &recordingListener{}, &recordingListener{}

	require.NoError(t, m1.SetPresent(ctx, accountID, 1, l1))
	present, err := m1.IsPresent(ctx, accountID, 1)
	require.NoError(t, err)
	require.True(t, present)

	// Device reconnects through the second manager.
	require.NoError(t, m2.SetPresent(ctx, accountID, 1, l2))

	require.Eventually(t, func() bool {
		return len(l1.Calls()) == 1 && !isLocal(m1, accountID, 1) &&
			len(cluster.Members(clientsKey(m1.ManagerID()))) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []bool{true}, l1.Calls())
	assert.Empty(t, l2.Calls())
	assert.True(t, isLocal(m2, accountID, 1))
	present, err = m1.IsPresent(ctx, accountID, 1)
	require.NoError(t, err)
	assert.True(t, present)
	owner, _ := cluster.Value(presenceKey(accountID, 1))
	assert.Equal(t, m2.ManagerID(), owner)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics1.Displacements.WithLabelValues("true")))

	// The stale manager cannot delete the new owner's record.
	removed, err := m1.ClearPresence(ctx, accountID, 1)
	require.NoError(t, err)
	assert.False(t, removed)
	owner, _ = cluster.Value(presenceKey(accountID, 1))
	assert.Equal(t, m2.ManagerID(), owner)

	// Give any stray event a chance to be processed; L1 fires exactly once.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, l1.Calls(), 1)
}

func TestRegistry_LocalReclaimDisplacesPreviousListener(t *testing.T) {
	ctx := context.Background()
	cluster := fakes.NewCoordinationCluster()
	r, store, m := startTestRegistry(t, cluster)
	accountID := uuid.New()
	first, second := &recordingListener{}, &recordingListener{}

	require.NoError(t, r.SetPresent(ctx, accountID, 2, first))
	require.NoError(t, r.SetPresent(ctx, accountID, 2, second))

	assert.Equal(t, []bool{false}, first.Calls(), "previous listener fires before the new claim")
	owner, _ := cluster.Value(presenceKey(accountID, 2))
	assert.Equal(t, r.ManagerID(), owner)
	assert.True(t, store.Watching(presenceKey(accountID, 2)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LocalPresences))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, second.Calls(), "own claim must not displace the new listener")
	assert.True(t, isLocal(r, accountID, 2))
}

func TestRegistry_SetPresentPropagatesStoreErrors(t *testing.T) {
	cluster := fakes.NewCoordinationCluster()
	r, store, _ := startTestRegistry(t, cluster)
	boom := errors.New("store unavailable")
	store.FailWith(boom)
	t.Cleanup(func() { store.FailWith(nil) })

	err := r.SetPresent(context.Background(), uuid.New(), 1, &recordingListener{})
	assert.ErrorIs(t, err, boom)

	_, err = r.IsPresent(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, boom)
}

// keyspaceFailingStore fails only the watch step of a claim.
type keyspaceFailingStore struct {
	*fakes.CoordinationStore
	err error
}

func (s *keyspaceFailingStore) SubscribeKeyspace(context.Context, string) error {
	return s.err
}

func TestRegistry_SetPresentRollsBackPartialClaim(t *testing.T) {
	ctx := context.Background()
	cluster := fakes.NewCoordinationCluster()
	boom := errors.New("subscribe failed")
	store := &keyspaceFailingStore{CoordinationStore: cluster.NewStore(), err: boom}
	m, err := metrics.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	r, err := NewRegistry(store, Config{SweepInterval: time.Hour}, m, zerolog.Nop())
	require.NoError(t, err)
	accountID := uuid.New()

	err = r.SetPresent(ctx, accountID, 1, &recordingListener{})
	require.ErrorIs(t, err, boom)

	present, err := r.IsPresent(ctx, accountID, 1)
	require.NoError(t, err)
	assert.False(t, present, "a failed claim must not leave the device present")
	assert.False(t, isLocal(r, accountID, 1))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LocalPresences))

	members, err := store.SetMembers(ctx, clientsKey(r.ManagerID()))
	require.NoError(t, err)
	assert.Empty(t, members)
}

// slowListener closes like a real socket would, taking a moment to do so.
type slowListener struct {
	recordingListener
}

func (l *slowListener) HandleDisplacement(connectedElsewhere bool) {
	time.Sleep(time.Millisecond)
	l.recordingListener.HandleDisplacement(connectedElsewhere)
}

func TestRegistry_ConcurrentLocalReclaimsDisplaceEverySupersededListener(t *testing.T) {
	ctx := context.Background()
	cluster := fakes.NewCoordinationCluster()
	r, _, m := startTestRegistry(t, cluster)
	const claimants = 8

	for round := 0; round < 20; round++ {
		accountID := uuid.New()
		listeners := make([]*slowListener, claimants)
		var wg sync.WaitGroup
		for i := range listeners {
			listeners[i] = &slowListener{}
			wg.Add(1)
			go func(l *slowListener) {
				defer wg.Done()
				assert.NoError(t, r.SetPresent(ctx, accountID, 1, l))
			}(listeners[i])
		}
		wg.Wait()

		current, ok := r.local.Load(presenceKey(accountID, 1))
		require.True(t, ok)
		displaced := 0
		for _, l := range listeners {
			calls := l.Calls()
			if current.(*localEntry).listener == l {
				assert.Empty(t, calls, "the surviving listener must stay connected")
				continue
			}
			assert.Equal(t, []bool{false}, calls, "every superseded listener is displaced exactly once")
			displaced += len(calls)
		}
		assert.Equal(t, claimants-1, displaced)
	}
	assert.Equal(t, 20.0, testutil.ToFloat64(m.LocalPresences))
}

func TestRegistry_SweepReapsCrashedPeer(t *testing.T) {
	ctx := context.Background()
	cluster := fakes.NewCoordinationCluster()
	survivor, _, survivorMetrics := startTestRegistry(t, cluster)
	victim, victimStore, _ := newTestRegistry(t, cluster)
	require.NoError(t, victim.Start(ctx))

	a, b := uuid.New(), uuid.New()
	require.NoError(t, victim.SetPresent(ctx, a, 1, &recordingListener{}))
	require.NoError(t, victim.SetPresent(ctx, b, 1, &recordingListener{}))

	victimStore.Crash()

	// b reconnects to the survivor before the sweep runs.
	require.NoError(t, survivor.SetPresent(ctx, b, 1, &recordingListener{}))

	require.NoError(t, survivor.sweep(ctx))

	_, found := cluster.Value(presenceKey(a, 1))
	assert.False(t, found, "dead peer's record is reaped")
	owner, found := cluster.Value(presenceKey(b, 1))
	assert.True(t, found)
	assert.Equal(t, survivor.ManagerID(), owner, "newer claim survives the reap")
	assert.Empty(t, cluster.Members(clientsKey(victim.ManagerID())))
	assert.Equal(t, []string{survivor.ManagerID()}, cluster.Members(managersKey))
	assert.Equal(t, 1.0, testutil.ToFloat64(survivorMetrics.ReapedPeers))
	assert.Equal(t, 1.0, testutil.ToFloat64(survivorMetrics.ReapedPresences))

	// A second sweep finds nothing left to do.
	require.NoError(t, survivor.sweep(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(survivorMetrics.ReapedPeers))
}

func TestRegistry_ReapToleratesAlreadyEmptiedPeer(t *testing.T) {
	ctx := context.Background()
	cluster := fakes.NewCoordinationCluster()
	r, store, _ := startTestRegistry(t, cluster)
	ghost := uuid.NewString()
	require.NoError(t, store.SetAdd(ctx, managersKey, ghost))

	// Another sweeper already drained the client set.
	require.NoError(t, r.reap(ctx, ghost))
	require.NoError(t, r.reap(ctx, ghost))

	assert.Equal(t, []string{r.ManagerID()}, cluster.Members(managersKey))
}

func TestRegistry_SweepLeavesLivePeers(t *testing.T) {
	ctx := context.Background()
	cluster := fakes.NewCoordinationCluster()
	m1, _, _ := startTestRegistry(t, cluster)
	m2, _, _ := startTestRegistry(t, cluster)
	accountID := uuid.New()
	require.NoError(t, m2.SetPresent(ctx, accountID, 1, &recordingListener{}))

	require.NoError(t, m1.sweep(ctx))

	assert.ElementsMatch(t, []string{m1.ManagerID(), m2.ManagerID()}, cluster.Members(managersKey))
	present, err := m1.IsPresent(ctx, accountID, 1)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestRegistry_TopologyChangeResubscribes(t *testing.T) {
	ctx := context.Background()
	cluster := fakes.NewCoordinationCluster()
	r, store, _ := startTestRegistry(t, cluster)
	accountID := uuid.New()
	key := presenceKey(accountID, 3)
	require.NoError(t, r.SetPresent(ctx, accountID, 3, &recordingListener{}))
	require.Equal(t, 1, store.KeyspaceSubscribeCalls(key))

	cluster.TriggerTopologyChange()

	require.Eventually(t, func() bool {
		return store.KeyspaceSubscribeCalls(key) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_StopClearsOwnedRecords(t *testing.T) {
	ctx := context.Background()
	cluster := fakes.NewCoordinationCluster()
	r, _, _ := newTestRegistry(t, cluster)
	require.NoError(t, r.Start(ctx))
	accountID := uuid.New()
	listener := &recordingListener{}
	require.NoError(t, r.SetPresent(ctx, accountID, 1, listener))

	require.NoError(t, r.Stop(ctx))

	_, found := cluster.Value(presenceKey(accountID, 1))
	assert.False(t, found)
	assert.Empty(t, cluster.Members(managersKey))
	assert.Empty(t, cluster.Members(clientsKey(r.ManagerID())))
	assert.Empty(t, listener.Calls(), "graceful stop does not displace")
}
