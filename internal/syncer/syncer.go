// Package syncer runs the client side of the sync protocol: it retries a
// pending push, pulls and merges the server snapshot into the local store
// in one transaction, and pushes the full local state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vertexads/finsync/internal/merge"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/store"
	"github.com/vertexads/finsync/internal/syncclient"
)

var (
	// ErrAuth wraps a 401/403 from the server. Nothing is applied locally.
	ErrAuth = errors.New("authentication failed")
	// ErrOffline is returned while the tracker is offline.
	ErrOffline = errors.New("offline")
	// ErrNoCredential is returned when no token is configured.
	ErrNoCredential = errors.New("not logged in")
)

// DefaultIncrementalMaxAge is how recent lastSyncedAt must be for a pull to
// ask only for changes since then.
const DefaultIncrementalMaxAge = 24 * time.Hour

// Local is the record store as seen by the syncer.
type Local interface {
	Entries(ctx context.Context, includeDeleted bool) ([]models.LedgerEntry, error)
	Rules(ctx context.Context) ([]models.RecurrenceRule, error)
	Config(ctx context.Context) (models.Config, error)
	LastSyncedAt(ctx context.Context) (string, error)
	SetLastSyncedAt(ctx context.Context, at string) error
	PendingPush(ctx context.Context) (*models.Bundle, error)
	SetPendingPush(ctx context.Context, b models.Bundle) error
	ClearPendingPush(ctx context.Context) error
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Remote is the server as seen by the syncer.
type Remote interface {
	Pull(ctx context.Context, since string) (*models.Bundle, error)
	Push(ctx context.Context, b models.Bundle) (*syncclient.PushResponse, error)
}

// Mode is the kind of pull performed.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Result summarizes one sync operation.
type Result struct {
	Mode          Mode   `json:"mode,omitempty"`
	PendingPushed bool   `json:"pendingPushed,omitempty"`
	Entries       int    `json:"entries"`
	Rules         int    `json:"rules"`
	SyncedAt      string `json:"syncedAt,omitempty"`
}

// Options tune a Syncer.
type Options struct {
	IncrementalMaxAge time.Duration
	Log               zerolog.Logger
}

// Syncer runs pull and push against one local store. Operations are
// serialized so a push in flight finishes before a pull commits.
type Syncer struct {
	local   Local
	tracker *Tracker
	log     zerolog.Logger
	maxAge  time.Duration
	now     func() time.Time

	opMu     sync.Mutex
	remoteMu sync.RWMutex
	remote   Remote
}

// New creates a Syncer. remote may be nil until the user logs in.
func New(local Local, remote Remote, tracker *Tracker, opts Options) *Syncer {
	if tracker == nil {
		tracker = NewTracker()
	}
	if opts.IncrementalMaxAge <= 0 {
		opts.IncrementalMaxAge = DefaultIncrementalMaxAge
	}
	return &Syncer{
		local:   local,
		remote:  remote,
		tracker: tracker,
		log:     opts.Log,
		maxAge:  opts.IncrementalMaxAge,
		now:     time.Now,
	}
}

// Tracker returns the state tracker.
func (s *Syncer) Tracker() *Tracker { return s.tracker }

// SetRemote swaps the server client, e.g. after login. A nil remote logs
// out: the tracker is reset to idle.
func (s *Syncer) SetRemote(r Remote) {
	s.remoteMu.Lock()
	s.remote = r
	s.remoteMu.Unlock()
	if r == nil {
		s.tracker.Reset()
	}
}

func (s *Syncer) getRemote() Remote {
	s.remoteMu.RLock()
	defer s.remoteMu.RUnlock()
	return s.remote
}

// SetOnline records a connectivity change. Going offline parks the
// tracker; coming back returns it to idle.
func (s *Syncer) SetOnline(online bool) {
	if online {
		if s.tracker.Status().State == StateOffline {
			s.tracker.transition(StateIdle, "", "")
		}
		return
	}
	s.tracker.transition(StateOffline, "", "")
}

// Pull retries a pending push, fetches the server snapshot (incremental
// when the last sync is recent) and merges it into the local store.
func (s *Syncer) Pull(ctx context.Context) (Result, error) {
	return s.pull(ctx, false)
}

// Restore is a pull that always fetches the full snapshot.
func (s *Syncer) Restore(ctx context.Context) (Result, error) {
	return s.pull(ctx, true)
}

func (s *Syncer) pull(ctx context.Context, forceFull bool) (Result, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	remote := s.getRemote()
	if remote == nil {
		return Result{}, ErrNoCredential
	}
	if s.tracker.Status().State == StateOffline {
		return Result{}, ErrOffline
	}
	s.tracker.transition(StateSyncing, "", "")

	var res Result
	pending, err := s.local.PendingPush(ctx)
	if err != nil {
		return res, s.fail("read pending push", err)
	}
	if pending != nil {
		if _, err := remote.Push(ctx, *pending); err != nil {
			return res, s.fail("retry pending push", err)
		}
		if err := s.local.ClearPendingPush(ctx); err != nil {
			return res, s.fail("clear pending push", err)
		}
		res.PendingPushed = true
		s.log.Info().Int("entries", len(pending.Entries)).Msg("pending push delivered")
	}

	since := ""
	if !forceFull {
		since, err = s.incrementalSince(ctx)
		if err != nil {
			return res, s.fail("read last sync", err)
		}
	}
	res.Mode = ModeFull
	if since != "" {
		res.Mode = ModeIncremental
	}

	remoteBundle, err := remote.Pull(ctx, since)
	if err != nil {
		return res, s.fail("pull", err)
	}

	syncedAt := models.Timestamp(s.now())
	err = s.local.Update(ctx, func(tx *store.Tx) error {
		entries, err := tx.Entries(ctx, true)
		if err != nil {
			return err
		}
		mergedEntries := merge.Records(entries, remoteBundle.Entries)
		if err := merge.CheckLoss("transacoes", len(entries), len(mergedEntries)); err != nil {
			return err
		}

		rules, err := tx.Rules(ctx)
		if err != nil {
			return err
		}
		mergedRules := merge.Records(rules, remoteBundle.Rules)
		if err := merge.CheckLoss("recorrentes", len(rules), len(mergedRules)); err != nil {
			return err
		}

		if err := tx.ReplaceEntries(ctx, mergedEntries); err != nil {
			return err
		}
		if err := tx.ReplaceRules(ctx, mergedRules); err != nil {
			return err
		}

		cfg, err := tx.Config(ctx)
		if err != nil {
			return err
		}
		merge.ApplyConfig(&cfg, remoteBundle.Config)
		if err := tx.SetConfig(ctx, cfg.Syncable()); err != nil {
			return err
		}
		res.Entries, res.Rules = len(mergedEntries), len(mergedRules)
		return tx.SetLastSyncedAt(ctx, syncedAt)
	})
	if err != nil {
		return res, s.fail("apply pull", err)
	}

	res.SyncedAt = syncedAt
	s.tracker.transition(StateSynced, "", syncedAt)
	s.log.Info().
		Str("mode", string(res.Mode)).
		Int("remote_entries", len(remoteBundle.Entries)).
		Int("remote_rules", len(remoteBundle.Rules)).
		Msg("pull applied")
	return res, nil
}

// incrementalSince returns lastSyncedAt when it is recent enough for an
// incremental pull, or "" for a full pull.
func (s *Syncer) incrementalSince(ctx context.Context) (string, error) {
	last, err := s.local.LastSyncedAt(ctx)
	if err != nil || last == "" {
		return "", err
	}
	t, err := models.ParseTimestamp(last)
	if err != nil {
		return "", nil
	}
	if age := s.now().Sub(t); age < 0 || age >= s.maxAge {
		return "", nil
	}
	return last, nil
}

// Push sends every local entry (deleted ones too), every rule and the
// syncable config. On failure the bundle is stored as the pending push.
func (s *Syncer) Push(ctx context.Context) (Result, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	remote := s.getRemote()
	if remote == nil {
		return Result{}, ErrNoCredential
	}

	b, err := s.gather(ctx)
	if err != nil {
		return Result{}, s.fail("read local state", err)
	}
	res := Result{Entries: len(b.Entries), Rules: len(b.Rules)}

	if s.tracker.Status().State == StateOffline {
		if err := s.local.SetPendingPush(ctx, b); err != nil {
			return res, fmt.Errorf("store pending push: %w", err)
		}
		return res, ErrOffline
	}
	s.tracker.transition(StateSyncing, "", "")

	resp, err := remote.Push(ctx, b)
	if err != nil {
		if perr := s.local.SetPendingPush(context.WithoutCancel(ctx), b); perr != nil {
			err = errors.Join(err, fmt.Errorf("store pending push: %w", perr))
		}
		return res, s.fail("push", err)
	}

	// The server clock bounds the next incremental pull.
	syncedAt := models.Timestamp(s.now())
	if resp != nil && resp.AsOf != "" {
		syncedAt = resp.AsOf
	}
	if err := s.local.ClearPendingPush(ctx); err != nil {
		return res, s.fail("clear pending push", err)
	}
	if err := s.local.SetLastSyncedAt(ctx, syncedAt); err != nil {
		return res, s.fail("record sync time", err)
	}

	res.SyncedAt = syncedAt
	s.tracker.transition(StateSynced, "", syncedAt)
	s.log.Info().Int("entries", res.Entries).Int("rules", res.Rules).Msg("push delivered")
	return res, nil
}

func (s *Syncer) gather(ctx context.Context) (models.Bundle, error) {
	entries, err := s.local.Entries(ctx, true)
	if err != nil {
		return models.Bundle{}, err
	}
	rules, err := s.local.Rules(ctx)
	if err != nil {
		return models.Bundle{}, err
	}
	cfg, err := s.local.Config(ctx)
	if err != nil {
		return models.Bundle{}, err
	}
	return models.Bundle{Entries: entries, Rules: rules, Config: cfg.Syncable()}, nil
}

// fail wraps err, classifies auth failures and moves the tracker to error.
func (s *Syncer) fail(op string, err error) error {
	if syncclient.IsAuthError(err) {
		err = fmt.Errorf("%w: %w", ErrAuth, err)
	}
	err = fmt.Errorf("%s: %w", op, err)
	s.tracker.transition(StateError, err.Error(), "")
	s.log.Warn().Err(err).Msg("sync failed")
	return err
}
