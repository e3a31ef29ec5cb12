package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/output"
	"github.com/vertexads/finsync/internal/store"
)

// validSettingKeys lists the client settings accepted by config set/get.
var validSettingKeys = []string{
	"server_url",
	"data_dir",
	"default_domain",
	"log.level",
	"log.file",
	"auto_sync.enabled",
	"auto_sync.timeout",
	"http.timeout",
	"http.retries",
	"http.retry_delay",
	"sync.stale_after",
	"sync.incremental_max_age",
	"sync.interval",
	"sync.health_interval",
	"webhook.url",
	"webhook.secret",
}

func isValidSettingKey(key string) bool {
	return slices.Contains(validSettingKeys, key)
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage labels and client settings",
	GroupID: "system",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show ledger labels and client settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		var cfg models.Config
		err := withStore(func(st *store.Store) error {
			var err error
			cfg, err = st.Config(cmd.Context())
			return err
		})
		if err != nil {
			return fail(err)
		}
		if jsonOut {
			return output.JSON(map[string]any{"ledger": cfg.Syncable(), "settingsFile": app.cfg.Path()})
		}

		fmt.Println(output.SectionHeader("Ledger labels (synced)"))
		fmt.Printf("  Categories:  %s\n", strings.Join(cfg.Categories, ", "))
		fmt.Printf("  Accounts:    %s\n", strings.Join(cfg.Accounts, ", "))
		fmt.Printf("  Investments: %s\n", orDefault(strings.Join(cfg.InvestmentAccounts, ", "), "-"))
		statuses := make([]string, 0, len(cfg.Statuses))
		for _, s := range cfg.Statuses {
			statuses = append(statuses, fmt.Sprintf("%s (%s)", s.ID, s.Label))
		}
		fmt.Printf("  Statuses:    %s\n", strings.Join(statuses, ", "))
		if len(cfg.Clients) > 0 {
			fmt.Println("  Clients:")
			for _, c := range cfg.Clients {
				fmt.Printf("    %-20s %s\n", c.ID, c.Name)
			}
		}

		fmt.Println()
		fmt.Println(output.SectionHeader("Client settings (this device)"))
		s := app.settings
		fmt.Printf("  server_url       %s\n", s.ServerURL)
		fmt.Printf("  data_dir         %s\n", s.DataDir)
		fmt.Printf("  default_domain   %s\n", s.DefaultDomain)
		fmt.Printf("  auto_sync        %v (timeout %s)\n", s.AutoSync, s.AutoSyncTimeout)
		fmt.Printf("  sync.stale_after %s\n", s.StaleAfter)
		fmt.Printf("  file             %s\n", app.cfg.Path())
		return nil
	},
}

// setLabels returns a command that replaces one label list.
func setLabels(use, short string, apply func(patch *models.Config, labels []string)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <label>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			labels := make([]string, 0, len(args))
			for _, a := range args {
				for _, part := range strings.Split(a, ",") {
					if part = strings.TrimSpace(part); part != "" && !slices.Contains(labels, part) {
						labels = append(labels, part)
					}
				}
			}
			if len(labels) == 0 {
				return failf("at least one label is required")
			}
			var patch models.Config
			apply(&patch, labels)
			err := withStore(func(st *store.Store) error {
				_, err := st.SetConfig(cmd.Context(), patch)
				return err
			})
			if err != nil {
				return fail(err)
			}
			output.Success("UPDATED %s", strings.Join(labels, ", "))
			return nil
		},
	}
}

var configSetCategoriesCmd = setLabels("set-categories", "Replace the category list",
	func(p *models.Config, l []string) { p.Categories = l })

var configSetAccountsCmd = setLabels("set-accounts", "Replace the account list",
	func(p *models.Config, l []string) { p.Accounts = l })

var configSetInvestmentsCmd = setLabels("set-investment-accounts", "Replace the investment account list",
	func(p *models.Config, l []string) { p.InvestmentAccounts = l })

var configAddClientCmd = &cobra.Command{
	Use:   "add-client <name>",
	Short: "Add a client to the directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phone, _ := cmd.Flags().GetString("phone")
		address, _ := cmd.Flags().GetString("address")
		c := models.ClientFromName(args[0])
		c.Phone, c.Address = phone, address
		if c.Name == "" {
			return failf("client name is required")
		}
		err := withStore(func(st *store.Store) error {
			cfg, err := st.Config(cmd.Context())
			if err != nil {
				return err
			}
			clients, err := addClient(cfg.Clients, c)
			if err != nil {
				return err
			}
			_, err = st.SetConfig(cmd.Context(), models.Config{Clients: clients})
			return err
		})
		if err != nil {
			return fail(err)
		}
		output.Success("ADDED client %s (%s)", c.Name, c.ID)
		return nil
	},
}

// addClient appends c unless a client with the same id exists.
func addClient(clients []models.Client, c models.Client) ([]models.Client, error) {
	for _, existing := range clients {
		if existing.ID == c.ID {
			return nil, fmt.Errorf("client %q already exists", existing.Name)
		}
	}
	return append(slices.Clone(clients), c), nil
}

var configRemoveClientCmd = &cobra.Command{
	Use:   "remove-client <id|name>",
	Short: "Remove a client from the directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := withStore(func(st *store.Store) error {
			cfg, err := st.Config(cmd.Context())
			if err != nil {
				return err
			}
			key := args[0]
			kept := slices.DeleteFunc(slices.Clone(cfg.Clients), func(c models.Client) bool {
				return c.ID == key || strings.EqualFold(c.Name, key) || c.ID == models.ClientSlug(key)
			})
			if len(kept) == len(cfg.Clients) {
				return fmt.Errorf("client not found: %s", key)
			}
			_, err = st.SetConfig(cmd.Context(), models.Config{Clients: kept})
			return err
		})
		if err != nil {
			return fail(err)
		}
		output.Success("REMOVED client %s", args[0])
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a client setting",
	Example: `  finsync config set server_url https://sync.example.com
  finsync config set sync.stale_after 10m`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !isValidSettingKey(key) {
			return failf("unknown key %q (valid: %s)", key, strings.Join(validSettingKeys, ", "))
		}
		if err := app.cfg.Set(key, value); err != nil {
			return fail(err)
		}
		output.Success("%s = %s", key, value)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a client setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := app.settings
		values := map[string]any{
			"server_url":               s.ServerURL,
			"data_dir":                 s.DataDir,
			"default_domain":           s.DefaultDomain,
			"log.level":                s.LogLevel,
			"log.file":                 s.LogFile,
			"auto_sync.enabled":        s.AutoSync,
			"auto_sync.timeout":        s.AutoSyncTimeout,
			"http.timeout":             s.Timeout,
			"http.retries":             s.Retries,
			"http.retry_delay":         s.RetryDelay,
			"sync.stale_after":         s.StaleAfter,
			"sync.incremental_max_age": s.IncrementalMaxAge,
			"sync.interval":            s.Interval,
			"sync.health_interval":     s.HealthInterval,
		}
		v, ok := values[args[0]]
		if !ok {
			return failf("unknown key %q", args[0])
		}
		fmt.Println(v)
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "output as JSON")
	configAddClientCmd.Flags().String("phone", "", "phone number")
	configAddClientCmd.Flags().String("address", "", "address")

	configCmd.AddCommand(
		configShowCmd,
		configSetCategoriesCmd,
		configSetAccountsCmd,
		configSetInvestmentsCmd,
		configAddClientCmd,
		configRemoveClientCmd,
		configSetCmd,
		configGetCmd,
	)
	rootCmd.AddCommand(configCmd)
}
