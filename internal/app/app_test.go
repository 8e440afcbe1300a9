package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// recorder collects lifecycle calls from every fake in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeService struct {
	rec      *recorder
	ready    chan struct{}
	startErr error
	stop     chan struct{}
}

func newFakeService(rec *recorder, startErr error) *fakeService {
	return &fakeService{rec: rec, ready: make(chan struct{}), startErr: startErr, stop: make(chan struct{})}
}

func (s *fakeService) Start(_ context.Context) error {
	s.rec.add("service.start")
	if s.startErr != nil {
		return s.startErr
	}
	close(s.ready)
	<-s.stop
	return nil
}

func (s *fakeService) Shutdown(_ context.Context) error {
	s.rec.add("service.shutdown")
	if s.startErr == nil {
		close(s.stop)
	}
	return nil
}

func (s *fakeService) Ready() <-chan struct{} { return s.ready }

type fakeServer struct {
	rec     *recorder
	started chan struct{}
	stop    chan struct{}
}

func newFakeServer(rec *recorder) *fakeServer {
	return &fakeServer{rec: rec, started: make(chan struct{}), stop: make(chan struct{})}
}

func (s *fakeServer) Start(_ context.Context) error {
	s.rec.add("cm.start")
	close(s.started)
	<-s.stop
	return nil
}

func (s *fakeServer) Shutdown(_ context.Context) error {
	s.rec.add("cm.shutdown")
	select {
	case <-s.started:
		close(s.stop)
	default:
	}
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_StartsInOrderAndShutsDownConnectionsFirst(t *testing.T) {
	rec := &recorder{}
	service := newFakeService(rec, nil)
	cm := newFakeServer(rec)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runWithSignals(ctx, newTestLogger(), service, cm)
		close(done)
	}()

	select {
	case <-cm.started:
	case <-time.After(2 * time.Second):
		t.Fatal("connection manager was not started")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, []string{"service.start", "cm.start", "cm.shutdown", "service.shutdown"}, rec.Calls())
}

func TestRun_ServiceFailureSkipsConnectionManager(t *testing.T) {
	rec := &recorder{}
	service := newFakeService(rec, errors.New("redis unreachable"))
	cm := newFakeServer(rec)

	done := make(chan struct{})
	go func() {
		runWithSignals(context.Background(), newTestLogger(), service, cm)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after service failure")
	}
	assert.NotContains(t, rec.Calls(), "cm.start")
	assert.Contains(t, rec.Calls(), "service.shutdown")
}
