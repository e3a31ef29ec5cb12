package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/vertexads/finsync/internal/logging"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/output"
	"github.com/vertexads/finsync/internal/store"
	"github.com/vertexads/finsync/internal/syncclient"
	"github.com/vertexads/finsync/internal/syncconfig"
	"github.com/vertexads/finsync/internal/syncer"
)

// printedError marks an error already shown to the user.
type printedError struct{ error }

func (e printedError) Unwrap() error { return e.error }

// fail prints err in the CLI error style and returns it marked as printed.
func fail(err error) error {
	output.Error("%v", err)
	return printedError{err}
}

func failf(format string, args ...any) error {
	return fail(fmt.Errorf(format, args...))
}

func errorPrinted(err error) bool {
	var p printedError
	return errors.As(err, &p)
}

// openStore opens the local record store in the configured data dir.
func openStore() (*store.Store, error) {
	st, err := store.Open(app.settings.DataDir)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, fmt.Errorf("%w; is `finsync agent` busy? retry in a moment", err)
		}
		return nil, err
	}
	return st, nil
}

// withStore runs fn against a store that is open only for its duration.
func withStore(fn func(st *store.Store) error) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

// loadCreds returns the stored credentials, or nil when logged out.
func loadCreds() (*syncconfig.Credentials, error) {
	return syncconfig.LoadAuth(app.cfgDir)
}

// newClient builds a server client for token (which may be empty).
func newClient(serverURL, token string) (*syncclient.Client, error) {
	deviceID, err := syncconfig.DeviceID(app.cfgDir)
	if err != nil {
		return nil, err
	}
	if serverURL == "" {
		serverURL = app.settings.ServerURL
	}
	c := syncclient.New(serverURL, token, deviceID)
	c.Timeout = app.settings.Timeout
	c.Retries = app.settings.Retries
	c.RetryDelay = app.settings.RetryDelay
	c.Log = logging.Component(app.log, "syncclient")
	return c, nil
}

// newSyncer wires a Syncer over local with the logged-in remote, if any.
func newSyncer(local syncer.Local) (*syncer.Syncer, *syncconfig.Credentials, error) {
	creds, err := loadCreds()
	if err != nil {
		return nil, nil, err
	}
	s := syncer.New(local, nil, syncer.NewTracker(), syncer.Options{
		IncrementalMaxAge: app.settings.IncrementalMaxAge,
		Log:               logging.Component(app.log, "syncer"),
	})
	if creds != nil {
		client, err := newClient(creds.ServerURL, creds.Token)
		if err != nil {
			return nil, nil, err
		}
		s.SetRemote(client)
	}
	return s, creds, nil
}

// describeSyncError turns syncer errors into actionable messages.
func describeSyncError(err error) error {
	switch {
	case errors.Is(err, syncer.ErrNoCredential):
		return fmt.Errorf("not logged in; run `finsync login`")
	case errors.Is(err, syncer.ErrAuth):
		return fmt.Errorf("%w; run `finsync login` again", err)
	default:
		return err
	}
}

// sharedStore satisfies syncer.Local by opening the store for each call,
// so a long-running agent never blocks other finsync invocations for more
// than one operation.
type sharedStore struct {
	dir string
}

func (s sharedStore) with(fn func(st *store.Store) error) error {
	st, err := store.Open(s.dir)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func (s sharedStore) Entries(ctx context.Context, includeDeleted bool) (out []models.LedgerEntry, err error) {
	err = s.with(func(st *store.Store) error {
		out, err = st.Entries(ctx, includeDeleted)
		return err
	})
	return out, err
}

func (s sharedStore) Rules(ctx context.Context) (out []models.RecurrenceRule, err error) {
	err = s.with(func(st *store.Store) error {
		out, err = st.Rules(ctx)
		return err
	})
	return out, err
}

func (s sharedStore) Config(ctx context.Context) (out models.Config, err error) {
	err = s.with(func(st *store.Store) error {
		out, err = st.Config(ctx)
		return err
	})
	return out, err
}

func (s sharedStore) LastSyncedAt(ctx context.Context) (out string, err error) {
	err = s.with(func(st *store.Store) error {
		out, err = st.LastSyncedAt(ctx)
		return err
	})
	return out, err
}

func (s sharedStore) SetLastSyncedAt(ctx context.Context, at string) error {
	return s.with(func(st *store.Store) error { return st.SetLastSyncedAt(ctx, at) })
}

func (s sharedStore) PendingPush(ctx context.Context) (out *models.Bundle, err error) {
	err = s.with(func(st *store.Store) error {
		out, err = st.PendingPush(ctx)
		return err
	})
	return out, err
}

func (s sharedStore) SetPendingPush(ctx context.Context, b models.Bundle) error {
	return s.with(func(st *store.Store) error { return st.SetPendingPush(ctx, b) })
}

func (s sharedStore) ClearPendingPush(ctx context.Context) error {
	return s.with(func(st *store.Store) error { return st.ClearPendingPush(ctx) })
}

func (s sharedStore) Update(ctx context.Context, fn func(tx *store.Tx) error) error {
	return s.with(func(st *store.Store) error { return st.Update(ctx, fn) })
}
