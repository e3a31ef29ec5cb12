package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vertexads/finsync/internal/dateparse"
	"github.com/vertexads/finsync/internal/input"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/output"
	"github.com/vertexads/finsync/internal/store"
)

// entryInput is the user-supplied part of a new entry. Empty fields take
// defaults from the config and settings.
type entryInput struct {
	Description string
	Date        string
	Value       models.Amount
	Type        string
	Domain      string
	Transfer    string
	Client      string
	Category    string
	Account     string
	Payment     string
	Status      string
}

// buildEntry validates in and fills defaults.
func buildEntry(in entryInput, cfg models.Config, defaultDomain models.Domain, now time.Time) (models.LedgerEntry, error) {
	cfg = cfg.WithDefaults()
	e := models.LedgerEntry{
		ID:            models.NewID("tx"),
		Date:          in.Date,
		Description:   strings.TrimSpace(in.Description),
		Client:        strings.TrimSpace(in.Client),
		Value:         in.Value,
		Domain:        defaultDomain,
		Category:      in.Category,
		Account:       in.Account,
		PaymentMethod: models.PaymentPix,
		Status:        in.Status,
	}
	if e.Description == "" {
		return e, fmt.Errorf("description is required")
	}
	if e.Value <= 0 {
		return e, fmt.Errorf("value must be positive")
	}
	if e.Date == "" {
		e.Date = now.Format("2006-01-02")
	}

	var err error
	if e.Type, err = parseDirection(orDefault(in.Type, string(models.DirectionOut))); err != nil {
		return e, err
	}
	if in.Domain != "" {
		if e.Domain, err = parseDomain(in.Domain); err != nil {
			return e, err
		}
	}
	if in.Transfer != "" {
		other, err := parseDomain(in.Transfer)
		if err != nil {
			return e, err
		}
		if other == e.Domain {
			return e, fmt.Errorf("transfer must go to the other domain")
		}
		s := string(other)
		e.Transfer = &s
	}
	if in.Payment != "" {
		if e.PaymentMethod, err = parsePaymentMethod(in.Payment); err != nil {
			return e, err
		}
	}
	if e.Category == "" {
		e.Category = cfg.Categories[0]
	}
	if e.Account == "" {
		e.Account = cfg.Accounts[0]
	}
	if e.Status == "" {
		e.Status = models.StatusPaid
	}
	if !cfg.HasStatus(e.Status) {
		return e, fmt.Errorf("unknown status %q", e.Status)
	}
	return e, nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

var addCmd = &cobra.Command{
	Use:     "add [description]",
	Aliases: []string{"new", "create"},
	Short:   "Record a ledger entry",
	Example: `  finsync add "Hosting" --value 49,90 --category Infraestrutura
  finsync add "Invoice #12" --value 3.500,00 --type entrada --client Acme --date ontem`,
	GroupID: "core",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := entryInput{}
		in.Description, _ = cmd.Flags().GetString("description")
		if len(args) > 0 {
			in.Description = args[0]
		}
		in.Value = *cmd.Flags().Lookup("value").Value.(*amountValue).amount
		in.Date = cmd.Flags().Lookup("date").Value.String()
		in.Type, _ = cmd.Flags().GetString("type")
		in.Domain, _ = cmd.Flags().GetString("domain")
		in.Transfer, _ = cmd.Flags().GetString("transfer-to")
		in.Client, _ = cmd.Flags().GetString("client")
		in.Category, _ = cmd.Flags().GetString("category")
		in.Account, _ = cmd.Flags().GetString("account")
		in.Payment, _ = cmd.Flags().GetString("payment")
		in.Status, _ = cmd.Flags().GetString("status")
		jsonOut, _ := cmd.Flags().GetBool("json")

		var created models.LedgerEntry
		err := withStore(func(st *store.Store) error {
			ctx := cmd.Context()
			cfg, err := st.Config(ctx)
			if err != nil {
				return err
			}
			created, err = buildEntry(in, cfg, app.settings.DefaultDomain, time.Now())
			if err != nil {
				return err
			}
			created.UpdatedAt, err = st.PutEntries(ctx, []models.LedgerEntry{created})
			return err
		})
		if err != nil {
			return fail(err)
		}
		if jsonOut {
			return output.JSON(created)
		}
		output.Success("ADDED %s", created.ID)
		fmt.Println(output.FormatEntryShort(created))
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	Aliases: []string{"update"},
	Short:   "Change fields of an entry",
	Example: `  finsync edit tx_0192... --status pago
  finsync edit tx_0192... --value 52,00 --date 2025-03-02`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var updated models.LedgerEntry
		err := withStore(func(st *store.Store) error {
			ctx := cmd.Context()
			e, err := findEntry(ctx, st, args[0])
			if err != nil {
				return err
			}
			cfg, err := st.Config(ctx)
			if err != nil {
				return err
			}
			if err := applyEdits(cmd, e, cfg.WithDefaults()); err != nil {
				return err
			}
			e.UpdatedAt, err = st.PutEntries(ctx, []models.LedgerEntry{*e})
			updated = *e
			return err
		})
		if err != nil {
			return fail(err)
		}
		output.Success("UPDATED %s", updated.ID)
		fmt.Println(output.FormatEntryShort(updated))
		return nil
	},
}

// applyEdits copies every changed flag onto e.
func applyEdits(cmd *cobra.Command, e *models.LedgerEntry, cfg models.Config) error {
	f := cmd.Flags()
	var err error
	if f.Changed("description") {
		d, _ := f.GetString("description")
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("description must not be empty")
		}
		e.Description = strings.TrimSpace(d)
	}
	if f.Changed("value") {
		e.Value = *f.Lookup("value").Value.(*amountValue).amount
		if e.Value <= 0 {
			return fmt.Errorf("value must be positive")
		}
	}
	if f.Changed("date") {
		e.Date = f.Lookup("date").Value.String()
	}
	if f.Changed("type") {
		t, _ := f.GetString("type")
		if e.Type, err = parseDirection(t); err != nil {
			return err
		}
	}
	if f.Changed("domain") {
		d, _ := f.GetString("domain")
		if e.Domain, err = parseDomain(d); err != nil {
			return err
		}
	}
	if f.Changed("client") {
		e.Client, _ = f.GetString("client")
	}
	if f.Changed("category") {
		e.Category, _ = f.GetString("category")
	}
	if f.Changed("account") {
		e.Account, _ = f.GetString("account")
	}
	if f.Changed("payment") {
		p, _ := f.GetString("payment")
		if e.PaymentMethod, err = parsePaymentMethod(p); err != nil {
			return err
		}
	}
	if f.Changed("status") {
		s, _ := f.GetString("status")
		if !cfg.HasStatus(s) {
			return fmt.Errorf("unknown status %q", s)
		}
		e.Status = s
	}
	return nil
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List entries",
	Example: `  finsync list --month 2025-03
  finsync list --month this --domain pessoal --deleted`,
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		monthFlag, _ := cmd.Flags().GetString("month")
		domain, _ := cmd.Flags().GetString("domain")
		category, _ := cmd.Flags().GetString("category")
		deleted, _ := cmd.Flags().GetBool("deleted")
		jsonOut, _ := cmd.Flags().GetBool("json")
		limit, _ := cmd.Flags().GetInt("limit")

		month := ""
		if monthFlag != "" {
			m, err := dateparse.ParseMonth(monthFlag)
			if err != nil {
				return fail(err)
			}
			month = m
		}
		filter := entryFilter{Month: month, Category: category, DeletedOnly: deleted}
		if domain != "" {
			d, err := parseDomain(domain)
			if err != nil {
				return fail(err)
			}
			filter.Domain = d
		}

		var entries []models.LedgerEntry
		err := withStore(func(st *store.Store) error {
			var err error
			entries, err = st.Entries(cmd.Context(), true)
			return err
		})
		if err != nil {
			return fail(err)
		}
		entries = filter.apply(entries)
		if limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}

		if jsonOut {
			if entries == nil {
				entries = []models.LedgerEntry{}
			}
			return output.JSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No entries.")
			return nil
		}
		var total models.Amount
		for _, e := range entries {
			fmt.Println(output.FormatEntryShort(e))
			if !e.Deleted {
				total += e.Signed()
			}
		}
		fmt.Printf("\n%d entries, net %s\n", len(entries), output.FormatMoney(total))
		return nil
	},
}

// entryFilter selects entries for list output.
type entryFilter struct {
	Month       string
	Domain      models.Domain
	Category    string
	DeletedOnly bool
}

func (f entryFilter) apply(entries []models.LedgerEntry) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, e := range entries {
		if e.Deleted != f.DeletedOnly {
			continue
		}
		if f.Month != "" && e.Month() != f.Month {
			continue
		}
		if f.Domain != "" && e.Domain != f.Domain {
			continue
		}
		if f.Category != "" && !strings.EqualFold(e.Category, f.Category) {
			continue
		}
		out = append(out, e)
	}
	return out
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	Short:   "Show one entry",
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		var e *models.LedgerEntry
		err := withStore(func(st *store.Store) error {
			var err error
			e, err = findEntry(cmd.Context(), st, args[0])
			return err
		})
		if err != nil {
			return fail(err)
		}
		if jsonOut {
			return output.JSON(e)
		}
		fmt.Print(output.FormatEntryLong(*e))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id|-|@file>...",
	Aliases: []string{"rm"},
	Short:   "Move entries to the trash (syncs as a deletion)",
	GroupID: "core",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := input.ExpandArgs(args, os.Stdin)
		if err != nil {
			return fail(err)
		}
		n, err := setDeleted(cmd.Context(), ids, true)
		if err != nil {
			return fail(err)
		}
		output.Success("DELETED %d entr%s", n, plural(n, "y", "ies"))
		return nil
	},
}

var undeleteCmd = &cobra.Command{
	Use:     "undelete <id|-|@file>...",
	Aliases: []string{"restore-entry"},
	Short:   "Bring entries back from the trash",
	GroupID: "core",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := input.ExpandArgs(args, os.Stdin)
		if err != nil {
			return fail(err)
		}
		n, err := setDeleted(cmd.Context(), ids, false)
		if err != nil {
			return fail(err)
		}
		output.Success("RESTORED %d entr%s", n, plural(n, "y", "ies"))
		return nil
	},
}

// setDeleted flips the soft-delete flag of every id in one stamp.
func setDeleted(ctx context.Context, ids []string, deleted bool) (int, error) {
	changed := 0
	err := withStore(func(st *store.Store) error {
		var batch []models.LedgerEntry
		for _, id := range ids {
			e, err := findEntry(ctx, st, id)
			if err != nil {
				return err
			}
			if e.Deleted == deleted {
				continue
			}
			e.Deleted = deleted
			batch = append(batch, *e)
		}
		if len(batch) == 0 {
			return nil
		}
		if _, err := st.PutEntries(ctx, batch); err != nil {
			return err
		}
		changed = len(batch)
		return nil
	})
	return changed, err
}

var purgeCmd = &cobra.Command{
	Use:   "purge <id|-|@file>...",
	Short: "Permanently remove trashed entries from this device",
	Long: `Permanently remove entries that are already in the trash.

The server keeps its copy: a purged entry comes back as deleted on the next
full pull. Use delete for a removal that syncs.`,
	GroupID: "core",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ids, err := input.ExpandArgs(args, os.Stdin)
		if err != nil {
			return fail(err)
		}
		err = withStore(func(st *store.Store) error {
			for _, id := range ids {
				e, err := findEntry(ctx, st, id)
				if err != nil {
					return err
				}
				if !e.Deleted {
					return fmt.Errorf("%s is not in the trash; delete it first", e.ID)
				}
				if err := st.DeleteEntry(ctx, e.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fail(err)
		}
		output.Success("PURGED %d entr%s", len(ids), plural(len(ids), "y", "ies"))
		return nil
	},
}

// findEntry resolves an id or a unique id prefix.
func findEntry(ctx context.Context, st *store.Store, id string) (*models.LedgerEntry, error) {
	e, err := st.Entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e != nil {
		return e, nil
	}
	all, err := st.Entries(ctx, true)
	if err != nil {
		return nil, err
	}
	var match *models.LedgerEntry
	for i := range all {
		if strings.HasPrefix(all[i].ID, id) {
			if match != nil {
				return nil, fmt.Errorf("id prefix %q is ambiguous", id)
			}
			match = &all[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("entry not found: %s", id)
	}
	return match, nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func addEntryFlags(cmd *cobra.Command) {
	var value models.Amount
	var date string
	cmd.Flags().String("description", "", "entry description")
	cmd.Flags().Var(newAmountValue(&value), "value", "amount in reais, e.g. 1.234,56")
	cmd.Flags().Var(&dateValue{date: &date}, "date", "entry date (YYYY-MM-DD, DD/MM/YYYY, +3d, ontem, ...)")
	cmd.Flags().StringP("type", "t", "", "entrada or saida (default saida)")
	cmd.Flags().String("domain", "", "empresa or pessoal (default from config)")
	cmd.Flags().String("transfer-to", "", "mark as a transfer to the other domain")
	cmd.Flags().String("client", "", "client or supplier name")
	cmd.Flags().StringP("category", "c", "", "category label")
	cmd.Flags().StringP("account", "a", "", "account label")
	cmd.Flags().String("payment", "", "pix, cartao, dinheiro, boleto or transferencia")
	cmd.Flags().String("status", "", "status id, e.g. pago or previsto")
}

func init() {
	addEntryFlags(addCmd)
	addCmd.Flags().Bool("json", false, "print the created entry as JSON")

	addEntryFlags(editCmd)

	listCmd.Flags().StringP("month", "m", "", "only this month (2025-03, this, last, +1m, ...)")
	listCmd.Flags().String("domain", "", "only empresa or pessoal")
	listCmd.Flags().StringP("category", "c", "", "only this category")
	listCmd.Flags().Bool("deleted", false, "list the trash instead")
	listCmd.Flags().IntP("limit", "n", 0, "show at most n entries")
	listCmd.Flags().Bool("json", false, "output as JSON")

	showCmd.Flags().Bool("json", false, "output as JSON")

	rootCmd.AddCommand(addCmd, editCmd, listCmd, showCmd, deleteCmd, undeleteCmd, purgeCmd)
}
