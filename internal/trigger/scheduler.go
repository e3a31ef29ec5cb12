// Package trigger decides when the client syncs. Lifecycle events from any
// Source are queued and handled one at a time by a single worker, so a push
// always finishes before a later pull merges.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/syncer"
)

// Event is a lifecycle signal.
type Event string

const (
	EventStart    Event = "start"
	EventVisible  Event = "visible"
	EventHidden   Event = "hidden"
	EventTeardown Event = "teardown"
	EventOnline   Event = "online"
	EventOffline  Event = "offline"

	eventTick Event = "tick"
)

// Source delivers lifecycle events. Subscribe returns a func that stops
// delivery.
type Source interface {
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Syncer is the sync engine driven by the scheduler.
type Syncer interface {
	Pull(ctx context.Context) (syncer.Result, error)
	Push(ctx context.Context) (syncer.Result, error)
	SetOnline(online bool)
}

// Defaults for Options.
const (
	DefaultStaleAfter   = 5 * time.Minute
	DefaultFinalTimeout = 10 * time.Second
)

// Options tune a Scheduler.
type Options struct {
	StaleAfter    time.Duration // visible/tick pull only after this long
	FinalTimeout  time.Duration // budget of the teardown push
	CheckInterval time.Duration // periodic staleness check; 0 disables
	Log           zerolog.Logger
}

// Scheduler queues lifecycle events and runs them against a Syncer.
type Scheduler struct {
	sync  Syncer
	opts  Options
	log   zerolog.Logger
	now   func() time.Time
	cron  *cron.Cron
	wake  chan struct{}
	ready chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	queue    []Event
	last     Event
	started  bool
	tornDown bool
	lastSync time.Time
	unsubs   []func()
}

// New creates a Scheduler. Call Start to run it.
func New(s Syncer, opts Options) *Scheduler {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.FinalTimeout <= 0 {
		opts.FinalTimeout = DefaultFinalTimeout
	}
	return &Scheduler{
		sync:  s,
		opts:  opts,
		log:   opts.Log,
		now:   time.Now,
		cron:  cron.New(),
		wake:  make(chan struct{}, 1),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Attach subscribes the scheduler to a Source. Subscriptions end at teardown.
func (sc *Scheduler) Attach(src Source) {
	unsub := src.Subscribe(sc.Notify)
	sc.mu.Lock()
	sc.unsubs = append(sc.unsubs, unsub)
	sc.mu.Unlock()
}

// SetLastSync seeds the time of the last successful sync, e.g. from the
// store's lastSyncedAt.
func (sc *Scheduler) SetLastSync(t time.Time) {
	sc.mu.Lock()
	sc.lastSync = t
	sc.mu.Unlock()
}

// Start launches the worker, runs the initial pull and returns once it has
// been handled. A failed initial pull is logged, not returned.
func (sc *Scheduler) Start(ctx context.Context) error {
	sc.mu.Lock()
	if sc.started {
		sc.mu.Unlock()
		return errors.New("scheduler already started")
	}
	sc.started = true
	sc.mu.Unlock()

	if sc.opts.CheckInterval > 0 {
		spec := fmt.Sprintf("@every %s", sc.opts.CheckInterval)
		if _, err := sc.cron.AddFunc(spec, func() { sc.enqueue(eventTick, false) }); err != nil {
			return fmt.Errorf("schedule staleness check: %w", err)
		}
		sc.cron.Start()
	}

	go sc.run(ctx)
	sc.Notify(EventStart)

	select {
	case <-sc.ready:
		return nil
	case <-sc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify queues a lifecycle event. A repeat of the previous event is
// dropped, start is handled once, and nothing is accepted after teardown.
func (sc *Scheduler) Notify(ev Event) {
	sc.enqueue(ev, true)
}

// Request queues ev without collapsing repeats. Callers use it to ask for
// a pull (EventStart) or a push (EventHidden) on demand.
func (sc *Scheduler) Request(ev Event) {
	sc.enqueue(ev, false)
}

func (sc *Scheduler) enqueue(ev Event, collapse bool) {
	sc.mu.Lock()
	if sc.tornDown {
		sc.mu.Unlock()
		return
	}
	if collapse {
		if ev == sc.last {
			sc.mu.Unlock()
			return
		}
		sc.last = ev
	}
	if ev == EventTeardown {
		sc.tornDown = true
	}
	sc.queue = append(sc.queue, ev)
	sc.mu.Unlock()

	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

// Stop fires teardown (if it has not fired yet) and waits for the final
// push to finish or ctx to expire.
func (sc *Scheduler) Stop(ctx context.Context) error {
	sc.Notify(EventTeardown)
	select {
	case <-sc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once teardown has been handled.
func (sc *Scheduler) Done() <-chan struct{} { return sc.done }

func (sc *Scheduler) run(ctx context.Context) {
	defer close(sc.done)
	defer func() {
		<-sc.cron.Stop().Done()
		sc.mu.Lock()
		unsubs := sc.unsubs
		sc.unsubs = nil
		sc.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
	}()

	for {
		ev, ok := sc.next()
		if !ok {
			select {
			case <-sc.wake:
				continue
			case <-ctx.Done():
				sc.mu.Lock()
				sc.tornDown = true
				sc.mu.Unlock()
				sc.handle(ctx, EventTeardown)
				return
			}
		}
		sc.handle(ctx, ev)
		if ev == EventStart {
			sc.markReady()
		}
		if ev == EventTeardown {
			return
		}
	}
}

func (sc *Scheduler) next() (Event, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if len(sc.queue) == 0 {
		return "", false
	}
	ev := sc.queue[0]
	sc.queue = sc.queue[1:]
	return ev, true
}

func (sc *Scheduler) markReady() {
	select {
	case <-sc.ready:
	default:
		close(sc.ready)
	}
}

func (sc *Scheduler) handle(ctx context.Context, ev Event) {
	l := sc.log.With().Str("event", string(ev)).Logger()
	switch ev {
	case EventStart:
		sc.pull(ctx, l)
	case EventVisible, eventTick:
		if sc.stale() {
			sc.pull(ctx, l)
		}
	case EventOnline:
		sc.sync.SetOnline(true)
		if sc.stale() {
			sc.pull(ctx, l)
		}
	case EventOffline:
		sc.sync.SetOnline(false)
	case EventHidden:
		sc.push(ctx, l)
	case EventTeardown:
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.opts.FinalTimeout)
		defer cancel()
		sc.push(pctx, l)
	}
}

func (sc *Scheduler) stale() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastSync.IsZero() || sc.now().Sub(sc.lastSync) > sc.opts.StaleAfter
}

func (sc *Scheduler) pull(ctx context.Context, l zerolog.Logger) {
	res, err := sc.sync.Pull(ctx)
	sc.record(res, err, l, "pull")
}

func (sc *Scheduler) push(ctx context.Context, l zerolog.Logger) {
	res, err := sc.sync.Push(ctx)
	sc.record(res, err, l, "push")
}

func (sc *Scheduler) record(res syncer.Result, err error, l zerolog.Logger, op string) {
	switch {
	case errors.Is(err, syncer.ErrNoCredential), errors.Is(err, syncer.ErrOffline):
		l.Debug().Err(err).Str("op", op).Msg("sync skipped")
	case err != nil:
		l.Warn().Err(err).Str("op", op).Msg("sync failed")
	default:
		if t, perr := models.ParseTimestamp(res.SyncedAt); perr == nil {
			sc.SetLastSync(t)
		} else {
			sc.SetLastSync(sc.now())
		}
		l.Debug().Str("op", op).Int("entries", res.Entries).Msg("sync ok")
	}
}
