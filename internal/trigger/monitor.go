package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultProbeInterval is how often the Monitor checks server reachability.
const DefaultProbeInterval = 30 * time.Second

// Monitor probes the server on a cron schedule and emits online/offline
// when reachability changes.
type Monitor struct {
	probe    func(ctx context.Context) error
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
	cron     *cron.Cron

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
	known  bool
	online bool
}

// NewMonitor returns a Monitor that calls probe every interval. A nil
// probe error means online.
func NewMonitor(probe func(ctx context.Context) error, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  interval / 2,
		log:      log,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		subs:     make(map[int]func(Event)),
	}
}

// Subscribe implements Source.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Start schedules the probe.
func (m *Monitor) Start() error {
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := m.cron.AddFunc(spec, func() { m.Check(context.Background()) }); err != nil {
		return fmt.Errorf("schedule health probe: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running probe.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// Check runs one probe and emits an event if reachability changed. The
// first probe always emits.
func (m *Monitor) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.probe(ctx)
	online := err == nil

	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	m.known, m.online = true, online
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	ev := EventOnline
	if !online {
		ev = EventOffline
		m.log.Info().Err(err).Msg("server unreachable")
	} else {
		m.log.Info().Msg("server reachable")
	}
	for _, fn := range subs {
		fn(ev)
	}
}
