package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestMonitorEmitsOnChange(t *testing.T) {
	var probeErr error
	m := NewMonitor(func(context.Context) error { return probeErr }, time.Minute, zerolog.Nop())

	var got []Event
	unsubscribe := m.Subscribe(func(ev Event) { got = append(got, ev) })

	m.Check(t.Context())
	m.Check(t.Context())
	probeErr = errors.New("connection refused")
	m.Check(t.Context())
	m.Check(t.Context())
	probeErr = nil
	m.Check(t.Context())

	assert.Equal(t, []Event{EventOnline, EventOffline, EventOnline}, got)

	unsubscribe()
	probeErr = errors.New("down")
	m.Check(t.Context())
	assert.Len(t, got, 3)
}

func TestMonitorFeedsScheduler(t *testing.T) {
	f := &fakeSyncer{}
	sc := New(f, Options{Log: zerolog.Nop()})
	m := NewMonitor(func(context.Context) error { return errors.New("down") }, time.Minute, zerolog.Nop())
	sc.Attach(m)
	sc.SetLastSync(time.Now())

	go m.Check(t.Context())
	assert.Eventually(t, func() bool {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		return len(sc.queue) == 1 && sc.queue[0] == EventOffline
	}, time.Second, 10*time.Millisecond)
}
