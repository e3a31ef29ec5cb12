package syncer

import (
	"sync"
	"time"
)

// State is the sync subsystem state observed by the UI.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
	StateOffline State = "offline"
)

// Status is a point-in-time view of the tracker.
type Status struct {
	State        State
	Message      string
	LastSyncedAt string
	Changed      time.Time
}

// allowed lists the legal transitions. Offline is reachable from anywhere
// and is left only through idle.
var allowed = map[State][]State{
	StateIdle:    {StateSyncing, StateOffline},
	StateSyncing: {StateSynced, StateError, StateOffline, StateIdle},
	StateSynced:  {StateSyncing, StateOffline, StateIdle},
	StateError:   {StateSyncing, StateOffline, StateIdle},
	StateOffline: {StateIdle, StateOffline},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tracker holds the sync state for one client session. It starts idle and
// is moved only by the Syncer; Reset returns it to idle on logout.
type Tracker struct {
	mu     sync.Mutex
	status Status
	subs   map[int]func(Status)
	nextID int
	now    func() time.Time
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	t := &Tracker{subs: make(map[int]func(Status)), now: time.Now}
	t.status = Status{State: StateIdle, Changed: t.now()}
	return t
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Subscribe registers fn to receive every status change. Subscribers run
// synchronously after the change, outside the tracker lock. The returned
// func removes the subscription.
func (t *Tracker) Subscribe(fn func(Status)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// transition moves to state if the edge is legal and reports whether it did.
func (t *Tracker) transition(state State, msg, lastSyncedAt string) bool {
	t.mu.Lock()
	if !canTransition(t.status.State, state) {
		t.mu.Unlock()
		return false
	}
	t.status.State = state
	t.status.Message = msg
	if lastSyncedAt != "" {
		t.status.LastSyncedAt = lastSyncedAt
	}
	t.status.Changed = t.now()
	st, subs := t.snapshotLocked()
	t.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
	return true
}

// Reset returns the tracker to idle and forgets the last message and sync
// time. Subscriptions are kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.status = Status{State: StateIdle, Changed: t.now()}
	st, subs := t.snapshotLocked()
	t.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

func (t *Tracker) snapshotLocked() (Status, []func(Status)) {
	subs := make([]func(Status), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	return t.status, subs
}
