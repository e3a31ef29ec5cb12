package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vertexads/finsync/internal/syncer"
)

type fakeSyncer struct {
	mu       sync.Mutex
	calls    []string
	online   []bool
	inFlight int
	maxSeen  int
	pushErr  error
	delay    time.Duration
}

func (f *fakeSyncer) enter(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	delay := f.delay
	f.mu.Unlock()
	time.Sleep(delay)
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeSyncer) Pull(ctx context.Context) (syncer.Result, error) {
	f.enter("pull")
	return syncer.Result{}, nil
}

func (f *fakeSyncer) Push(ctx context.Context) (syncer.Result, error) {
	f.enter("push")
	f.mu.Lock()
	defer f.mu.Unlock()
	return syncer.Result{}, f.pushErr
}

func (f *fakeSyncer) SetOnline(online bool) {
	f.mu.Lock()
	f.online = append(f.online, online)
	f.mu.Unlock()
}

func (f *fakeSyncer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type manualSource struct {
	mu sync.Mutex
	fn func(Event)
}

func (s *manualSource) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.mu.Unlock()
	}
}

func (s *manualSource) emit(ev Event) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func stopWithin(t *testing.T, sc *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sc.Stop(ctx))
}

func TestStartPullsBeforeReturning(t *testing.T) {
	f := &fakeSyncer{delay: 20 * time.Millisecond}
	sc := New(f, Options{Log: zerolog.Nop()})

	require.NoError(t, sc.Start(t.Context()))
	assert.Equal(t, []string{"pull"}, f.snapshot())

	assert.Error(t, sc.Start(t.Context()))
	stopWithin(t, sc)
}

func TestEventsRunInOrderOnOneWorker(t *testing.T) {
	f := &fakeSyncer{delay: 5 * time.Millisecond}
	sc := New(f, Options{StaleAfter: time.Nanosecond, Log: zerolog.Nop()})
	require.NoError(t, sc.Start(t.Context()))

	sc.Notify(EventHidden)
	sc.Notify(EventVisible)
	sc.Notify(EventHidden)
	stopWithin(t, sc)

	assert.Equal(t, []string{"pull", "push", "pull", "push", "push"}, f.snapshot())
	assert.Equal(t, 1, f.maxSeen)
}

func TestRepeatedEventsCollapse(t *testing.T) {
	f := &fakeSyncer{}
	sc := New(f, Options{Log: zerolog.Nop()})
	require.NoError(t, sc.Start(t.Context()))

	sc.Notify(EventHidden)
	sc.Notify(EventHidden)
	sc.Notify(EventHidden)
	stopWithin(t, sc)

	assert.Equal(t, []string{"pull", "push", "push"}, f.snapshot())
}

func TestRequestsDoNotCollapse(t *testing.T) {
	f := &fakeSyncer{}
	sc := New(f, Options{Log: zerolog.Nop()})
	require.NoError(t, sc.Start(t.Context()))

	sc.Request(EventHidden)
	sc.Request(EventHidden)
	sc.Request(EventStart)
	sc.Request(EventStart)
	stopWithin(t, sc)

	assert.Equal(t, []string{"pull", "push", "push", "pull", "pull", "push"}, f.snapshot())
}

func TestRequestDoesNotResetCollapsing(t *testing.T) {
	f := &fakeSyncer{}
	sc := New(f, Options{Log: zerolog.Nop()})
	require.NoError(t, sc.Start(t.Context()))

	sc.Notify(EventHidden)
	sc.Request(EventHidden)
	sc.Notify(EventHidden)
	stopWithin(t, sc)

	assert.Equal(t, []string{"pull", "push", "push", "push"}, f.snapshot())
}

func TestTeardownFiresOnce(t *testing.T) {
	f := &fakeSyncer{}
	src := &manualSource{}
	sc := New(f, Options{Log: zerolog.Nop()})
	sc.Attach(src)
	require.NoError(t, sc.Start(t.Context()))

	src.emit(EventTeardown)
	<-sc.Done()
	src.emit(EventHidden)
	sc.Notify(EventTeardown)
	stopWithin(t, sc)

	assert.Equal(t, []string{"pull", "push"}, f.snapshot())
	src.mu.Lock()
	assert.Nil(t, src.fn, "subscriptions end at teardown")
	src.mu.Unlock()
}

func TestTeardownPushFailureStillFinishes(t *testing.T) {
	f := &fakeSyncer{pushErr: errors.New("boom")}
	sc := New(f, Options{Log: zerolog.Nop()})
	require.NoError(t, sc.Start(t.Context()))
	stopWithin(t, sc)
	assert.Equal(t, []string{"pull", "push"}, f.snapshot())
}

func TestContextCancelTearsDown(t *testing.T) {
	f := &fakeSyncer{}
	sc := New(f, Options{Log: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sc.Start(ctx))
	cancel()

	select {
	case <-sc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, []string{"pull", "push"}, f.snapshot())
}

func TestVisiblePullsOnlyWhenStale(t *testing.T) {
	f := &fakeSyncer{}
	sc := New(f, Options{Log: zerolog.Nop()})
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	sc.now = func() time.Time { return now }
	sc.SetLastSync(base)

	now = base.Add(4 * time.Minute)
	sc.handle(t.Context(), EventVisible)
	assert.Empty(t, f.snapshot())

	now = base.Add(6 * time.Minute)
	sc.handle(t.Context(), EventVisible)
	assert.Equal(t, []string{"pull"}, f.snapshot())

	// A successful pull without a server time uses the local clock.
	sc.handle(t.Context(), eventTick)
	assert.Equal(t, []string{"pull"}, f.snapshot())
}

func TestConnectivityEvents(t *testing.T) {
	f := &fakeSyncer{}
	sc := New(f, Options{Log: zerolog.Nop()})
	sc.SetLastSync(time.Now())

	sc.handle(t.Context(), EventOffline)
	sc.handle(t.Context(), EventOnline)

	assert.Equal(t, []bool{false, true}, f.online)
	assert.Empty(t, f.snapshot(), "recent sync: no pull on reconnect")
}

func TestStalenessCheckRunsOnSchedule(t *testing.T) {
	f := &fakeSyncer{}
	sc := New(f, Options{StaleAfter: time.Nanosecond, CheckInterval: time.Second, Log: zerolog.Nop()})
	require.NoError(t, sc.Start(t.Context()))

	require.Eventually(t, func() bool {
		return len(f.snapshot()) >= 2
	}, 5*time.Second, 50*time.Millisecond)
	stopWithin(t, sc)
}
