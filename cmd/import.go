package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/vertexads/finsync/internal/crypto"
	"github.com/vertexads/finsync/internal/merge"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/output"
	"github.com/vertexads/finsync/internal/store"
	"golang.org/x/term"
)

// importResult counts what an import changed.
type importResult struct {
	Entries int `json:"entries"`
	Rules   int `json:"rules"`
}

// updater is the transactional half of the record store.
type updater interface {
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
}

// importBundle merges b into the local store with the same rules a pull
// uses. Records without a timestamp are stamped now so they travel on the
// next push.
func importBundle(ctx context.Context, st updater, b models.Bundle, now time.Time) (importResult, error) {
	var res importResult
	at := models.Timestamp(now)
	for i := range b.Entries {
		if b.Entries[i].UpdatedAt == "" {
			b.Entries[i].UpdatedAt = at
		}
	}
	for i := range b.Rules {
		if b.Rules[i].UpdatedAt == "" {
			b.Rules[i].UpdatedAt = at
		}
	}

	err := st.Update(ctx, func(tx *store.Tx) error {
		entries, err := tx.Entries(ctx, true)
		if err != nil {
			return err
		}
		mergedEntries := merge.Records(entries, b.Entries)
		if err := merge.CheckLoss("transacoes", len(entries), len(mergedEntries)); err != nil {
			return err
		}
		rules, err := tx.Rules(ctx)
		if err != nil {
			return err
		}
		mergedRules := merge.Records(rules, b.Rules)
		if err := merge.CheckLoss("recorrentes", len(rules), len(mergedRules)); err != nil {
			return err
		}

		res.Entries = countChanged(entries, mergedEntries)
		res.Rules = countChanged(rules, mergedRules)

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
		merge.ApplyConfig(&cfg, b.Config)
		return tx.SetConfig(ctx, cfg.Syncable())
	})
	return res, err
}

// countChanged counts records in after that are new or carry a different
// timestamp than in before.
func countChanged[T merge.Record](before, after []T) int {
	seen := make(map[string]string, len(before))
	for _, r := range before {
		seen[r.RecordID()] = r.Modified()
	}
	n := 0
	for _, r := range after {
		if m, ok := seen[r.RecordID()]; !ok || m != r.Modified() {
			n++
		}
	}
	return n
}

// passphraseFunc supplies the passphrase of a sealed bundle.
type passphraseFunc func() (string, error)

// envPassphrase reads FINSYNC_PASSPHRASE.
func envPassphrase() (string, error) {
	if p := os.Getenv("FINSYNC_PASSPHRASE"); p != "" {
		return p, nil
	}
	return "", errors.New("bundle is encrypted; set FINSYNC_PASSPHRASE")
}

// promptPassphrase falls back to a masked prompt when the environment
// has no passphrase and stdin is a terminal. With confirm set the
// passphrase is asked twice.
func promptPassphrase(confirm bool) passphraseFunc {
	return func() (string, error) {
		if p, err := envPassphrase(); err == nil {
			return p, nil
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return envPassphrase()
		}
		var pass, again string
		fields := []huh.Field{
			huh.NewInput().Title("Passphrase").EchoMode(huh.EchoModePassword).Value(&pass).
				Validate(func(s string) error {
					if len(s) < 8 {
						return errors.New("at least 8 characters")
					}
					return nil
				}),
		}
		if confirm {
			fields = append(fields, huh.NewInput().Title("Repeat passphrase").
				EchoMode(huh.EchoModePassword).Value(&again))
		}
		if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
			return "", err
		}
		if confirm && pass != again {
			return "", errors.New("passphrases do not match")
		}
		return pass, nil
	}
}

// readBundle decodes a bundle from path, or stdin for "-". Sealed bundles
// are opened with the passphrase from pass.
func readBundle(path string, pass passphraseFunc) (models.Bundle, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return models.Bundle{}, err
	}
	if crypto.IsSealed(data) {
		p, err := pass()
		if err != nil {
			return models.Bundle{}, err
		}
		if data, err = crypto.Open(p, data); err != nil {
			return models.Bundle{}, fmt.Errorf("open %s: %w", path, err)
		}
	}
	var b models.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return models.Bundle{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return b, nil
}

var importCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Merge a JSON bundle into the local ledger",
	Long: `Merge a bundle ({"transacoes": [...], "recorrentes": [...], "config": {...}})
into the local ledger. Records are matched by id and the newer updatedAt wins.`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		b, err := readBundle(args[0], promptPassphrase(false))
		if err != nil {
			return fail(err)
		}
		var res importResult
		err = withStore(func(st *store.Store) error {
			var err error
			res, err = importBundle(cmd.Context(), st, b, time.Now())
			return err
		})
		if err != nil {
			return fail(err)
		}
		if jsonOut {
			return output.JSON(res)
		}
		output.Success("IMPORTED %d entries, %d rules", res.Entries, res.Rules)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the local ledger as a JSON bundle",
	Long: `Write the local ledger as a JSON bundle. With --encrypt the bundle is
sealed with a passphrase (FINSYNC_PASSPHRASE or a prompt); import opens it.`,
	GroupID: "core",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		encrypt, _ := cmd.Flags().GetBool("encrypt")
		toStdout := len(args) == 0 || args[0] == "-"
		if encrypt && toStdout {
			return failf("--encrypt needs an output file")
		}
		var b models.Bundle
		err := withStore(func(st *store.Store) error {
			var err error
			if b.Entries, err = st.Entries(ctx, true); err != nil {
				return err
			}
			if b.Rules, err = st.Rules(ctx); err != nil {
				return err
			}
			cfg, err := st.Config(ctx)
			b.Config = cfg.Syncable()
			return err
		})
		if err != nil {
			return fail(err)
		}
		b.Normalize()

		if toStdout {
			return output.JSON(b)
		}
		data, err := json.MarshalIndent(b, "", "  ")
		if err != nil {
			return fail(err)
		}
		data = append(data, '\n')
		if encrypt {
			pass, err := promptPassphrase(true)()
			if err != nil {
				return fail(err)
			}
			if data, err = crypto.Seal(pass, data); err != nil {
				return fail(err)
			}
		}
		if err := os.WriteFile(args[0], data, 0o600); err != nil {
			return fail(err)
		}
		output.Success("EXPORTED %d entries, %d rules to %s", len(b.Entries), len(b.Rules), args[0])
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("json", false, "output counts as JSON")
	exportCmd.Flags().Bool("encrypt", false, "seal the bundle with a passphrase")
	rootCmd.AddCommand(importCmd, exportCmd)
}
