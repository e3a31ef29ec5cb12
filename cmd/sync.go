package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/output"
	"github.com/vertexads/finsync/internal/store"
	"github.com/vertexads/finsync/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the local ledger with the server",
	Long: `Pull remote changes and push the local ledger.

With no flags, sync pulls first (delivering any pending push) and then
pushes. A pull is incremental when the last sync is recent and full
otherwise.`,
	Example: `  finsync sync
  finsync sync --pull
  finsync sync --status`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		statusOnly, _ := cmd.Flags().GetBool("status")
		jsonOut, _ := cmd.Flags().GetBool("json")

		if statusOnly {
			return runSyncStatus(cmd, jsonOut)
		}
		if pushOnly && pullOnly {
			return failf("--push and --pull are mutually exclusive")
		}

		s, _, err := newSyncer(sharedStore{dir: app.settings.DataDir})
		if err != nil {
			return fail(err)
		}
		ctx := cmd.Context()
		var results []syncer.Result
		if !pushOnly {
			res, err := s.Pull(ctx)
			if err != nil {
				return fail(describeSyncError(err))
			}
			results = append(results, res)
			if !jsonOut {
				msg := fmt.Sprintf("PULLED (%s) %d entries, %d rules", res.Mode, res.Entries, res.Rules)
				if res.PendingPushed {
					msg += "; delivered pending push"
				}
				output.Success("%s", msg)
			}
		}
		if !pullOnly {
			res, err := s.Push(ctx)
			if err != nil {
				return fail(describeSyncError(err))
			}
			results = append(results, res)
			if !jsonOut {
				output.Success("PUSHED %d entries, %d rules", res.Entries, res.Rules)
			}
		}
		if jsonOut {
			return output.JSON(results)
		}
		return nil
	},
}

// syncStatus is the combined local and server view shown by sync --status.
type syncStatus struct {
	LoggedIn        bool   `json:"loggedIn"`
	Email           string `json:"email,omitempty"`
	Server          string `json:"server"`
	LastSyncedAt    string `json:"lastSyncedAt,omitempty"`
	PendingPush     bool   `json:"pendingPush"`
	Entries         int    `json:"entries"`
	Rules           int    `json:"rules"`
	ServerSyncedAt  string `json:"serverLastSyncedAt,omitempty"`
	ServerDevice    string `json:"serverDeviceId,omitempty"`
	ServerSnapshots int    `json:"serverSnapshots,omitempty"`
	ServerError     string `json:"serverError,omitempty"`
}

func runSyncStatus(cmd *cobra.Command, jsonOut bool) error {
	ctx := cmd.Context()
	st := syncStatus{Server: app.settings.ServerURL}
	err := withStore(func(s *store.Store) error {
		var err error
		if st.LastSyncedAt, err = s.LastSyncedAt(ctx); err != nil {
			return err
		}
		pending, err := s.PendingPush(ctx)
		if err != nil {
			return err
		}
		st.PendingPush = pending != nil
		entries, err := s.Entries(ctx, true)
		if err != nil {
			return err
		}
		rules, err := s.Rules(ctx)
		st.Entries, st.Rules = len(entries), len(rules)
		return err
	})
	if err != nil {
		return fail(err)
	}

	creds, err := loadCreds()
	if err != nil {
		return fail(err)
	}
	if creds != nil {
		st.LoggedIn, st.Email = true, creds.Email
		if creds.ServerURL != "" {
			st.Server = creds.ServerURL
		}
		client, err := newClient(st.Server, creds.Token)
		if err != nil {
			return fail(err)
		}
		if remote, err := client.SyncStatus(ctx); err != nil {
			st.ServerError = describeSyncError(err).Error()
		} else {
			st.ServerSyncedAt = remote.Meta.LastSyncedAt
			st.ServerDevice = remote.Meta.DeviceID
			st.ServerSnapshots = remote.Snapshots
		}
	}

	if jsonOut {
		return output.JSON(st)
	}
	fmt.Println(output.SectionHeader("Sync"))
	if st.LoggedIn {
		fmt.Printf("  Account:     %s\n", st.Email)
	} else {
		fmt.Println("  Account:     not logged in")
	}
	fmt.Printf("  Server:      %s\n", st.Server)
	fmt.Printf("  Last sync:   %s\n", describeStamp(st.LastSyncedAt))
	fmt.Printf("  Pending:     %v\n", st.PendingPush)
	fmt.Printf("  Local:       %d entries, %d rules\n", st.Entries, st.Rules)
	switch {
	case st.ServerError != "":
		fmt.Printf("  Remote:      %s\n", st.ServerError)
	case st.LoggedIn:
		fmt.Printf("  Remote sync: %s from %s (%d snapshots)\n", describeStamp(st.ServerSyncedAt), orDefault(st.ServerDevice, "unknown device"), st.ServerSnapshots)
	}
	return nil
}

// describeStamp renders an updatedAt value as relative time.
func describeStamp(s string) string {
	if s == "" {
		return "never"
	}
	t, err := models.ParseTimestamp(s)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%s (%s)", output.FormatTimeAgo(t), t.Local().Format(time.DateTime))
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Pull the full server snapshot and merge it",
	Long: `Pull the complete server snapshot, ignoring the last sync time, and merge
it into the local ledger. Local records newer than the server's are kept.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := newSyncer(sharedStore{dir: app.settings.DataDir})
		if err != nil {
			return fail(err)
		}
		res, err := s.Restore(cmd.Context())
		if err != nil {
			return fail(describeSyncError(err))
		}
		output.Success("RESTORED %d entries, %d rules", res.Entries, res.Rules)
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("push", false, "push only")
	syncCmd.Flags().Bool("pull", false, "pull only")
	syncCmd.Flags().Bool("status", false, "show sync status")
	syncCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(syncCmd, restoreCmd)
}
