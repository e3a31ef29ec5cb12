package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/vertexads/finsync/internal/models"
)

// Tx is a store view bound to one transaction.
type Tx struct {
	q     querier
	stamp func() string
}

// Entries returns entries inside the transaction.
func (tx *Tx) Entries(ctx context.Context, includeDeleted bool) ([]models.LedgerEntry, error) {
	return listEntries(ctx, tx.q, includeDeleted)
}

// Rules returns rules inside the transaction.
func (tx *Tx) Rules(ctx context.Context) ([]models.RecurrenceRule, error) {
	return listRules(ctx, tx.q)
}

// PutEntries stamps and upserts entries.
func (tx *Tx) PutEntries(ctx context.Context, entries []models.LedgerEntry) (string, error) {
	at := tx.stamp()
	for i := range entries {
		e := entries[i]
		e.UpdatedAt = at
		if err := upsertEntry(ctx, tx.q, e); err != nil {
			return "", err
		}
	}
	return at, nil
}

// PutRules stamps and upserts rules.
func (tx *Tx) PutRules(ctx context.Context, rules []models.RecurrenceRule) (string, error) {
	at := tx.stamp()
	for i := range rules {
		r := rules[i]
		r.UpdatedAt = at
		if err := upsertRule(ctx, tx.q, r); err != nil {
			return "", err
		}
	}
	return at, nil
}

// ReplaceEntries swaps the whole entry table for entries, written verbatim.
func (tx *Tx) ReplaceEntries(ctx context.Context, entries []models.LedgerEntry) error {
	if _, err := tx.q.ExecContext(ctx, `DELETE FROM transacoes`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	for _, e := range entries {
		if err := upsertEntry(ctx, tx.q, e); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceRules swaps the whole rule table for rules, written verbatim.
func (tx *Tx) ReplaceRules(ctx context.Context, rules []models.RecurrenceRule) error {
	if _, err := tx.q.ExecContext(ctx, `DELETE FROM recorrentes`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	for _, r := range rules {
		if err := upsertRule(ctx, tx.q, r); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the configuration with defaults applied.
func (tx *Tx) Config(ctx context.Context) (models.Config, error) {
	return loadConfig(ctx, tx.q)
}

// SetConfig writes the non-nil fields of patch.
func (tx *Tx) SetConfig(ctx context.Context, patch models.Config) error {
	return saveConfig(ctx, tx.q, patch, tx.stamp())
}

// SetLastSyncedAt records a successful sync.
func (tx *Tx) SetLastSyncedAt(ctx context.Context, at string) error {
	return saveConfig(ctx, tx.q, models.Config{LastSyncedAt: at}, tx.stamp())
}

// PendingPush returns the stored payload, or nil.
func (tx *Tx) PendingPush(ctx context.Context) (*models.Bundle, error) {
	return loadPending(ctx, tx.q)
}

// ClearPendingPush drops the stored payload.
func (tx *Tx) ClearPendingPush(ctx context.Context) error {
	return clearPending(ctx, tx.q)
}

func upsertEntry(ctx context.Context, q querier, e models.LedgerEntry) error {
	if e.ID == "" {
		return fmt.Errorf("entry without id")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT OR REPLACE INTO transacoes (id, date, contexto, deleted, updated_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Date, string(e.Domain), e.Deleted, e.UpdatedAt, string(data),
	)
	if err != nil {
		return fmt.Errorf("write entry %s: %w", e.ID, err)
	}
	return nil
}

func upsertRule(ctx context.Context, q querier, r models.RecurrenceRule) error {
	if r.ID == "" {
		return fmt.Errorf("rule without id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", r.ID, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT OR REPLACE INTO recorrentes (id, titulo, updated_at, data) VALUES (?, ?, ?, ?)`,
		r.ID, r.Title, r.UpdatedAt, string(data),
	)
	if err != nil {
		return fmt.Errorf("write rule %s: %w", r.ID, err)
	}
	return nil
}

func listEntries(ctx context.Context, q querier, includeDeleted bool) ([]models.LedgerEntry, error) {
	query := `SELECT data FROM transacoes ORDER BY date DESC, id DESC`
	if !includeDeleted {
		query = `SELECT data FROM transacoes WHERE deleted = 0 ORDER BY date DESC, id DESC`
	}
	return queryEntries(ctx, q, query)
}

func getEntry(ctx context.Context, q querier, id string) (*models.LedgerEntry, error) {
	entries, err := queryEntries(ctx, q, `SELECT data FROM transacoes WHERE id = ?`, id)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	out := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := scanJSON(rows, &e); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func listRules(ctx context.Context, q querier) ([]models.RecurrenceRule, error) {
	return queryRules(ctx, q, `SELECT data FROM recorrentes ORDER BY titulo, id`)
}

func queryRules(ctx context.Context, q querier, query string, args ...any) ([]models.RecurrenceRule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	out := []models.RecurrenceRule{}
	for rows.Next() {
		var r models.RecurrenceRule
		if err := scanJSON(rows, &r); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanJSON(rows *sql.Rows, v any) error {
	var data string
	if err := rows.Scan(&data); err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), v)
}
