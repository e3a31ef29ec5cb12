package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vertexads/finsync/internal/dateparse"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/output"
	"github.com/vertexads/finsync/internal/recurrence"
	"github.com/vertexads/finsync/internal/store"
)

var ruleCmd = &cobra.Command{
	Use:     "rule",
	Aliases: []string{"rules", "recurring"},
	Short:   "Manage recurrence rules",
	GroupID: "rules",
}

var ruleAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a recurrence rule",
	Example: `  finsync rule add "Aluguel" --value 2.000,00 --day 5
  finsync rule add "IPVA" --value 1.200,00 --annual --start 2025-01
  finsync rule add "Curso" --value 300,00 --months 6 --start 2025-03`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		jsonOut, _ := f.GetBool("json")
		var created models.RecurrenceRule
		err := withStore(func(st *store.Store) error {
			ctx := cmd.Context()
			cfg, err := st.Config(ctx)
			if err != nil {
				return err
			}
			r, err := buildRule(cmd, args[0], cfg, time.Now())
			if err != nil {
				return err
			}
			r.UpdatedAt, err = st.PutRules(ctx, []models.RecurrenceRule{r})
			created = r
			return err
		})
		if err != nil {
			return fail(err)
		}
		if jsonOut {
			return output.JSON(created)
		}
		output.Success("ADDED %s", created.ID)
		fmt.Println(output.FormatRuleShort(created))
		return nil
	},
}

// buildRule turns the rule add flags into a validated rule.
func buildRule(cmd *cobra.Command, title string, cfg models.Config, now time.Time) (models.RecurrenceRule, error) {
	f := cmd.Flags()
	r := recurrence.NewRule(cfg, now)
	r.Title = title
	r.Amount = *f.Lookup("value").Value.(*amountValue).amount
	if r.Amount <= 0 {
		return r, fmt.Errorf("value must be positive")
	}
	var err error
	if t, _ := f.GetString("type"); t != "" {
		if r.Type, err = parseDirection(t); err != nil {
			return r, err
		}
	}
	if f.Changed("day") {
		r.DueDay, _ = f.GetInt("day")
	}
	if annual, _ := f.GetBool("annual"); annual {
		r.Frequency = models.FrequencyAnnual
	}
	if months, _ := f.GetInt("months"); months > 0 {
		bounded := false
		r.Indefinite = &bounded
		r.MonthCount = months
	}
	if s, _ := f.GetString("start"); s != "" {
		if r.StartMonth, err = dateparse.ParseMonth(s); err != nil {
			return r, err
		}
	}
	if c, _ := f.GetString("category"); c != "" {
		r.Category = c
	}
	if a, _ := f.GetString("account"); a != "" {
		r.Account = a
	}
	r.Counterparty, _ = f.GetString("client")
	if p, _ := f.GetString("payment"); p != "" {
		if r.PaymentMethod, err = parsePaymentMethod(p); err != nil {
			return r, err
		}
	}
	recurrence.Normalize(&r, now)
	return r, r.Validate()
}

var ruleListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recurrence rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		var rules []models.RecurrenceRule
		err := withStore(func(st *store.Store) error {
			var err error
			rules, err = st.Rules(cmd.Context())
			return err
		})
		if err != nil {
			return fail(err)
		}
		if jsonOut {
			if rules == nil {
				rules = []models.RecurrenceRule{}
			}
			return output.JSON(rules)
		}
		if len(rules) == 0 {
			fmt.Println("No rules.")
			return nil
		}
		for _, r := range rules {
			fmt.Println(output.FormatRuleShort(r))
		}
		return nil
	},
}

// setRuleActive toggles a rule; the change syncs like any edit.
func setRuleActive(ctx context.Context, id string, active bool) error {
	return withStore(func(st *store.Store) error {
		r, err := st.Rule(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("rule not found: %s", id)
		}
		if r.Active == active {
			return nil
		}
		r.Active = active
		_, err = st.PutRules(ctx, []models.RecurrenceRule{*r})
		return err
	})
}

var rulePauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Stop a rule from projecting entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setRuleActive(cmd.Context(), args[0], false); err != nil {
			return fail(err)
		}
		output.Success("PAUSED %s", args[0])
		return nil
	},
}

var ruleResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Let a paused rule project entries again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setRuleActive(cmd.Context(), args[0], true); err != nil {
			return fail(err)
		}
		output.Success("RESUMED %s", args[0])
		return nil
	},
}

var ruleRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a rule from this device",
	Long: `Remove a rule from this device.

Rules have no deletion marker: the server keeps its copy and a full pull
brings it back. Pause the rule to stop it everywhere.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := withStore(func(st *store.Store) error {
			r, err := st.Rule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("rule not found: %s", args[0])
			}
			return st.DeleteRule(cmd.Context(), r.ID)
		})
		if err != nil {
			return fail(err)
		}
		output.Success("REMOVED %s", args[0])
		return nil
	},
}

var projectCmd = &cobra.Command{
	Use:   "project [month]",
	Short: "Generate projected entries from active rules",
	Long: `Generate projected (previsto) entries for month from every active rule.

Running it again for the same month adds nothing.`,
	Example: `  finsync project
  finsync project next
  finsync project 2025-07 --dry-run`,
	GroupID: "rules",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		domainFlag, _ := cmd.Flags().GetString("domain")
		month, err := monthArg(args)
		if err != nil {
			return fail(err)
		}
		domain := app.settings.DefaultDomain
		if domainFlag != "" {
			if domain, err = parseDomain(domainFlag); err != nil {
				return fail(err)
			}
		}

		var generated []models.LedgerEntry
		err = withStore(func(st *store.Store) error {
			ctx := cmd.Context()
			generated, err = projectMonth(ctx, st, month, domain, time.Now(), dryRun)
			return err
		})
		if err != nil {
			return fail(err)
		}
		if len(generated) == 0 {
			fmt.Printf("Nothing to project for %s.\n", month)
			return nil
		}
		verb := "PROJECTED"
		if dryRun {
			verb = "WOULD PROJECT"
		}
		output.Success("%s %d entr%s for %s", verb, len(generated), plural(len(generated), "y", "ies"), month)
		for _, e := range generated {
			fmt.Println(output.FormatEntryShort(e))
		}
		return nil
	},
}

// projectMonth projects the rules of st into month and, unless dryRun,
// stores the generated entries.
func projectMonth(ctx context.Context, st *store.Store, month string, domain models.Domain, now time.Time, dryRun bool) ([]models.LedgerEntry, error) {
	rules, err := st.Rules(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := st.Entries(ctx, true)
	if err != nil {
		return nil, err
	}
	generated, err := recurrence.Project(rules, existing, month, domain, now)
	if err != nil || len(generated) == 0 || dryRun {
		return generated, err
	}
	at, err := st.PutEntries(ctx, generated)
	if err != nil {
		return nil, err
	}
	for i := range generated {
		generated[i].UpdatedAt = at
	}
	return generated, nil
}

// monthArg resolves an optional month argument, defaulting to this month.
func monthArg(args []string) (string, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return time.Now().Format(recurrence.MonthLayout), nil
	}
	return dateparse.ParseMonth(args[0])
}

func init() {
	var value models.Amount
	ruleAddCmd.Flags().Var(newAmountValue(&value), "value", "amount in reais")
	ruleAddCmd.Flags().StringP("type", "t", "", "entrada or saida (default saida)")
	ruleAddCmd.Flags().Int("day", recurrence.DefaultDueDay, "due day of month (1-31, clamped to month length)")
	ruleAddCmd.Flags().Bool("annual", false, "repeat once a year in the start month")
	ruleAddCmd.Flags().Int("months", 0, "repeat for this many months only")
	ruleAddCmd.Flags().String("start", "", "start month (2025-03, next, ...)")
	ruleAddCmd.Flags().StringP("category", "c", "", "category label")
	ruleAddCmd.Flags().StringP("account", "a", "", "account label")
	ruleAddCmd.Flags().String("client", "", "client or supplier name")
	ruleAddCmd.Flags().String("payment", "", "pix, cartao, dinheiro, boleto or transferencia")
	ruleAddCmd.Flags().Bool("json", false, "print the created rule as JSON")
	ruleAddCmd.MarkFlagRequired("value")

	ruleListCmd.Flags().Bool("json", false, "output as JSON")

	projectCmd.Flags().Bool("dry-run", false, "show what would be generated without saving")
	projectCmd.Flags().String("domain", "", "domain of generated entries (default from config)")

	ruleCmd.AddCommand(ruleAddCmd, ruleListCmd, rulePauseCmd, ruleResumeCmd, ruleRemoveCmd)
	rootCmd.AddCommand(ruleCmd, projectCmd)
}
