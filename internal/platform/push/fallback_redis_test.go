package push_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/push"
	"github.com/tinywideclouds/go-delivery-service/internal/test/fakes"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendNewMessageNotification(ctx context.Context, account *delivery.Account, device *delivery.Device) error {
	args := m.Called(ctx, account, device)
	return args.Error(0)
}

type fallbackFixture struct {
	mr        *miniredis.Miniredis
	scheduler *push.RedisFallbackScheduler
	account   *delivery.Account
	device    *delivery.Device
}

func newFallbackFixture(t *testing.T, delay time.Duration) *fallbackFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	device := &delivery.Device{ID: 1, Password: "pw", VoipAPNToken: "voip"}
	account := &delivery.Account{UUID: uuid.New(), Number: "+15550001111", Devices: []*delivery.Device{device}}

	scheduler, err := push.NewRedisFallbackScheduler(rdb, fakes.NewAccountDirectory(account), push.FallbackConfig{
		Delay:       delay,
		MaxAttempts: 2,
	}, newTestLogger())
	require.NoError(t, err)
	return &fallbackFixture{mr: mr, scheduler: scheduler, account: account, device: device}
}

func TestRedisFallbackScheduler_ResendsDueEntries(t *testing.T) {
	ctx := context.Background()
	f := newFallbackFixture(t, 0)
	notifier := new(mockNotifier)
	notifier.On("SendNewMessageNotification", mock.Anything, f.account, f.device).Return(nil).Once()

	require.NoError(t, f.scheduler.Schedule(ctx, f.account.UUID, 1))

	sent, err := f.scheduler.ProcessDue(ctx, notifier)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	notifier.AssertExpectations(t)

	// Popped entries are not resent until scheduled again.
	sent, err = f.scheduler.ProcessDue(ctx, notifier)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestRedisFallbackScheduler_NotYetDue(t *testing.T) {
	ctx := context.Background()
	f := newFallbackFixture(t, time.Hour)
	notifier := new(mockNotifier)

	require.NoError(t, f.scheduler.Schedule(ctx, f.account.UUID, 1))

	sent, err := f.scheduler.ProcessDue(ctx, notifier)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	notifier.AssertNotCalled(t, "SendNewMessageNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestRedisFallbackScheduler_CancelClearsEntry(t *testing.T) {
	ctx := context.Background()
	f := newFallbackFixture(t, 0)
	notifier := new(mockNotifier)
	notifier.On("SendNewMessageNotification", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.scheduler.Schedule(ctx, f.account.UUID, 1))
	_, err := f.scheduler.ProcessDue(ctx, notifier)
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Schedule(ctx, f.account.UUID, 1))

	require.NoError(t, f.scheduler.Cancel(ctx, f.account.UUID, 1))

	sent, err := f.scheduler.ProcessDue(ctx, notifier)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.False(t, f.mr.Exists("{fallback}::attempts"), "attempt counter is cleared")
}

func TestRedisFallbackScheduler_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFallbackFixture(t, 0)
	notifier := new(mockNotifier)
	notifier.On("SendNewMessageNotification", mock.Anything, f.account, f.device).Return(nil).Twice()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.scheduler.Schedule(ctx, f.account.UUID, 1))
		_, err := f.scheduler.ProcessDue(ctx, notifier)
		require.NoError(t, err)
	}

	notifier.AssertExpectations(t)
	notifier.AssertNumberOfCalls(t, "SendNewMessageNotification", 2)
}

func TestRedisFallbackScheduler_DropsUnknownDevices(t *testing.T) {
	ctx := context.Background()
	f := newFallbackFixture(t, 0)
	notifier := new(mockNotifier)

	require.NoError(t, f.scheduler.Schedule(ctx, uuid.New(), 1))
	require.NoError(t, f.scheduler.Schedule(ctx, f.account.UUID, 7))

	sent, err := f.scheduler.ProcessDue(ctx, notifier)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	notifier.AssertNotCalled(t, "SendNewMessageNotification", mock.Anything, mock.Anything, mock.Anything)
}

// flakyDirectory fails lookups until healed.
type flakyDirectory struct {
	*fakes.AccountDirectory
	failing bool
}

func (d *flakyDirectory) Get(ctx context.Context, identifier string) (*delivery.Account, bool, error) {
	if d.failing {
		return nil, false, errors.New("directory unavailable")
	}
	return d.AccountDirectory.Get(ctx, identifier)
}

func TestRedisFallbackScheduler_DirectoryErrorReschedules(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	device := &delivery.Device{ID: 1, Password: "pw", VoipAPNToken: "voip"}
	account := &delivery.Account{UUID: uuid.New(), Number: "+15550002222", Devices: []*delivery.Device{device}}
	directory := &flakyDirectory{AccountDirectory: fakes.NewAccountDirectory(account), failing: true}
	scheduler, err := push.NewRedisFallbackScheduler(rdb, directory, push.FallbackConfig{
		PollInterval: time.Millisecond,
		MaxAttempts:  1,
	}, newTestLogger())
	require.NoError(t, err)

	notifier := new(mockNotifier)
	notifier.On("SendNewMessageNotification", mock.Anything, account, device).Return(nil).Once()
	require.NoError(t, scheduler.Schedule(ctx, account.UUID, 1))

	sent, err := scheduler.ProcessDue(ctx, notifier)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	members, err := mr.ZMembers("{fallback}::due")
	require.NoError(t, err)
	assert.Len(t, members, 1, "entry is kept for the next poll")

	// The failed lookup did not use up the single attempt.
	directory.failing = false
	time.Sleep(5 * time.Millisecond)
	sent, err = scheduler.ProcessDue(ctx, notifier)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	notifier.AssertExpectations(t)
}

func TestRedisFallbackScheduler_NotifierFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFallbackFixture(t, 0)
	notifier := new(mockNotifier)
	notifier.On("SendNewMessageNotification", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("no sender"))

	require.NoError(t, f.scheduler.Schedule(ctx, f.account.UUID, 1))

	sent, err := f.scheduler.ProcessDue(ctx, notifier)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestRedisFallbackScheduler_RunStopsWithContext(t *testing.T) {
	f := newFallbackFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.scheduler.Run(ctx, new(mockNotifier))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
