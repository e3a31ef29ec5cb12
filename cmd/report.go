package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/output"
	"github.com/vertexads/finsync/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report [month]",
	Short: "Summarize a month",
	Example: `  finsync report
  finsync report last --raw`,
	GroupID: "core",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")
		domainFlag, _ := cmd.Flags().GetString("domain")
		month, err := monthArg(args)
		if err != nil {
			return fail(err)
		}
		filter := entryFilter{Month: month}
		if domainFlag != "" {
			if filter.Domain, err = parseDomain(domainFlag); err != nil {
				return fail(err)
			}
		}
		var entries []models.LedgerEntry
		err = withStore(func(st *store.Store) error {
			entries, err = st.Entries(cmd.Context(), false)
			return err
		})
		if err != nil {
			return fail(err)
		}

		md := output.MonthReport(month, filter.apply(entries))
		if raw {
			fmt.Print(md)
			return nil
		}
		rendered, err := output.RenderMarkdown(md)
		if err != nil {
			fmt.Print(md)
			return nil
		}
		fmt.Println(rendered)
		return nil
	},
}

func init() {
	reportCmd.Flags().Bool("raw", false, "print markdown without rendering")
	reportCmd.Flags().String("domain", "", "only empresa or pessoal")
	rootCmd.AddCommand(reportCmd)
}
