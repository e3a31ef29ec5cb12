package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/vertexads/finsync/internal/syncer"
)

// mutatingCommands lists commands that modify local data and should trigger auto-sync.
// Keys are full command paths without the root name.
var mutatingCommands = map[string]bool{
	"add":                            true,
	"edit":                           true,
	"delete":                         true,
	"undelete":                       true,
	"import":                         true,
	"project":                        true,
	"rule add":                       true,
	"rule pause":                     true,
	"rule resume":                    true,
	"config set-categories":          true,
	"config set-accounts":            true,
	"config set-investment-accounts": true,
	"config add-client":              true,
	"config remove-client":           true,
}

// commandKey returns the command path below the root, e.g. "rule add".
func commandKey(cmd *cobra.Command) string {
	key := cmd.Name()
	for p := cmd.Parent(); p != nil && p.Parent() != nil; p = p.Parent() {
		key = p.Name() + " " + key
	}
	return key
}

// isMutatingCommand checks if the given command triggers auto-sync.
func isMutatingCommand(cmd *cobra.Command) bool {
	return mutatingCommands[commandKey(cmd)]
}

// autoSyncAfterMutation runs a quick push after a mutating command completes.
// Runs synchronously but with a short timeout. Errors are logged, not returned;
// a failed push stays pending and goes out on the next pull.
func autoSyncAfterMutation(ctx context.Context) {
	if !app.settings.AutoSync {
		return
	}
	creds, err := loadCreds()
	if err != nil || creds == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s, _, err := newSyncer(sharedStore{dir: app.settings.DataDir})
	if err != nil {
		app.log.Debug().Err(err).Msg("autosync: build syncer")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, app.settings.AutoSyncTimeout)
	defer cancel()

	res, err := s.Push(ctx)
	switch {
	case errors.Is(err, syncer.ErrAuth):
		app.log.Warn().Msg("autosync: session expired; run `finsync login`")
	case err != nil:
		app.log.Debug().Err(err).Msg("autosync: push")
	default:
		app.log.Debug().Int("entries", res.Entries).Msg("autosync: pushed")
	}
}
