package cmd

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/output"
	"github.com/vertexads/finsync/internal/store"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show version",
	GroupID: "system",
	Run: func(cmd *cobra.Command, args []string) {
		short, _ := cmd.Flags().GetBool("short")
		if short {
			fmt.Print(version)
			return
		}
		fmt.Printf("finsync version %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	},
}

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check that the sync server is reachable",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		if serverURL == "" {
			serverURL = app.settings.ServerURL
			if creds, _ := loadCreds(); creds != nil && creds.ServerURL != "" {
				serverURL = creds.ServerURL
			}
		}
		client, err := newClient(serverURL, "")
		if err != nil {
			return fail(err)
		}
		start := time.Now()
		h, err := client.Health(cmd.Context())
		if err != nil {
			return failf("%s unreachable: %v", serverURL, err)
		}
		if !h.OK {
			return failf("%s reports not ok", serverURL)
		}
		output.Success("%s ok (%s, server clock %s)", serverURL,
			time.Since(start).Round(time.Millisecond),
			time.UnixMilli(h.TS).Format(time.RFC3339))
		return nil
	},
}

// ledgerInfo summarizes the local store for the info command.
type ledgerInfo struct {
	DataDir      string `json:"dataDir"`
	Entries      int    `json:"entries"`
	Deleted      int    `json:"deleted"`
	Projected    int    `json:"projected"`
	Rules        int    `json:"rules"`
	ActiveRules  int    `json:"activeRules"`
	Balance      string `json:"balance"`
	LastSyncedAt string `json:"lastSyncedAt,omitempty"`
	PendingPush  bool   `json:"pendingPush"`
}

func collectInfo(cmd *cobra.Command) (ledgerInfo, error) {
	ctx := cmd.Context()
	info := ledgerInfo{DataDir: app.settings.DataDir}
	err := withStore(func(st *store.Store) error {
		entries, err := st.Entries(ctx, true)
		if err != nil {
			return err
		}
		var balance models.Amount
		for _, e := range entries {
			if e.Deleted {
				info.Deleted++
				continue
			}
			info.Entries++
			if e.Status == models.StatusProjected {
				info.Projected++
			} else {
				balance += e.Signed()
			}
		}
		info.Balance = output.FormatMoney(balance)

		rules, err := st.Rules(ctx)
		if err != nil {
			return err
		}
		info.Rules = len(rules)
		for _, r := range rules {
			if r.Active {
				info.ActiveRules++
			}
		}
		if info.LastSyncedAt, err = st.LastSyncedAt(ctx); err != nil {
			return err
		}
		pending, err := st.PendingPush(ctx)
		info.PendingPush = pending != nil
		return err
	})
	return info, err
}

var infoCmd = &cobra.Command{
	Use:     "info",
	Aliases: []string{"stats"},
	Short:   "Summarize the local ledger",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		info, err := collectInfo(cmd)
		if err != nil {
			return fail(err)
		}
		if jsonOut {
			return output.JSON(info)
		}
		fmt.Println(output.SectionHeader("Ledger"))
		fmt.Printf("  Data dir:   %s\n", info.DataDir)
		fmt.Printf("  Entries:    %d live, %d projected, %d in trash\n", info.Entries, info.Projected, info.Deleted)
		fmt.Printf("  Rules:      %d (%d active)\n", info.Rules, info.ActiveRules)
		fmt.Printf("  Balance:    %s (settled)\n", info.Balance)
		fmt.Printf("  Last sync:  %s\n", describeStamp(info.LastSyncedAt))
		if info.PendingPush {
			fmt.Println("  A push is pending; it goes out with the next sync.")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().Bool("short", false, "print only the version")
	healthCmd.Flags().String("server", "", "server URL (default from config)")
	infoCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(versionCmd, healthCmd, infoCmd)
}
