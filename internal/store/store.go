// Package store is the client-side record store: ledger entries,
// recurrence rules, configuration and the durable sync slots, kept in a
// local SQLite database owned by a single process.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vertexads/finsync/internal/models"
)

const dbFileName = "finsync.db"

// Store wraps the local database connection.
type Store struct {
	conn *sql.DB
	dir  string
	lock *ownerLock
	now  func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open takes ownership of the store in dir, creating it if needed, and
// runs any pending migrations.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lock := newOwnerLock(dir)
	if err := lock.acquire(defaultTimeout); err != nil {
		return nil, err
	}

	dsn := filepath.Join(dir, dbFileName) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		lock.release()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{conn: conn, dir: dir, lock: lock, now: time.Now}
	if _, err := s.RunMigrations(); err != nil {
		conn.Close()
		lock.release()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database and releases ownership.
func (s *Store) Close() error {
	err := s.conn.Close()
	s.lock.release()
	return err
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// SetClock overrides the time source used for record stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) stamp() string {
	return models.Timestamp(s.now())
}

// RunMigrations applies migrations newer than the recorded version.
func (s *Store) RunMigrations() (int, error) {
	current := s.schemaVersion()
	if current >= SchemaVersion {
		return 0, nil
	}
	ran := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if _, err := s.conn.Exec(m.SQL); err != nil {
			return ran, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := s.setSchemaVersion(m.Version); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, s.setSchemaVersion(SchemaVersion)
}

func (s *Store) schemaVersion() int {
	var v string
	if err := s.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&v); err != nil {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

func (s *Store) setSchemaVersion(v int) error {
	_, err := s.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`, strconv.Itoa(v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// Update runs fn inside a single transaction spanning entries, rules,
// config and sync slots. Readers never observe a partial update.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{q: sqlTx, stamp: s.stamp}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Entries returns ledger entries ordered by date, newest first.
func (s *Store) Entries(ctx context.Context, includeDeleted bool) ([]models.LedgerEntry, error) {
	return listEntries(ctx, s.conn, includeDeleted)
}

// Entry returns one entry by id, or nil if it does not exist.
func (s *Store) Entry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	return getEntry(ctx, s.conn, id)
}

// EntriesSince returns entries modified strictly after since.
func (s *Store) EntriesSince(ctx context.Context, since string) ([]models.LedgerEntry, error) {
	if since == "" {
		return listEntries(ctx, s.conn, true)
	}
	return queryEntries(ctx, s.conn, `SELECT data FROM transacoes WHERE updated_at > ? ORDER BY date DESC, id DESC`, since)
}

// PutEntries stamps every entry with one fresh timestamp and upserts them.
// The stamp is applied even to unchanged entries so local edits win over
// older remote copies. It returns the stamp.
func (s *Store) PutEntries(ctx context.Context, entries []models.LedgerEntry) (string, error) {
	var at string
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		at, err = tx.PutEntries(ctx, entries)
		return err
	})
	return at, err
}

// DeleteEntry permanently removes an entry.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM transacoes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	return nil
}

// Rules returns all recurrence rules ordered by title.
func (s *Store) Rules(ctx context.Context) ([]models.RecurrenceRule, error) {
	return listRules(ctx, s.conn)
}

// Rule returns one rule by id, or nil if it does not exist.
func (s *Store) Rule(ctx context.Context, id string) (*models.RecurrenceRule, error) {
	rules, err := queryRules(ctx, s.conn, `SELECT data FROM recorrentes WHERE id = ?`, id)
	if err != nil || len(rules) == 0 {
		return nil, err
	}
	return &rules[0], nil
}

// RulesSince returns rules modified strictly after since.
func (s *Store) RulesSince(ctx context.Context, since string) ([]models.RecurrenceRule, error) {
	if since == "" {
		return listRules(ctx, s.conn)
	}
	return queryRules(ctx, s.conn, `SELECT data FROM recorrentes WHERE updated_at > ? ORDER BY titulo, id`, since)
}

// PutRules stamps and upserts rules, returning the stamp.
func (s *Store) PutRules(ctx context.Context, rules []models.RecurrenceRule) (string, error) {
	var at string
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		at, err = tx.PutRules(ctx, rules)
		return err
	})
	return at, err
}

// DeleteRule permanently removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM recorrentes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return nil
}

// Config returns the configuration with defaults applied.
func (s *Store) Config(ctx context.Context) (models.Config, error) {
	return loadConfig(ctx, s.conn)
}

// SetConfig writes only the fields present (non-nil) in patch.
func (s *Store) SetConfig(ctx context.Context, patch models.Config) (string, error) {
	at := s.stamp()
	if err := saveConfig(ctx, s.conn, patch, at); err != nil {
		return "", err
	}
	return at, nil
}

// LastSyncedAt returns the last successful sync time, or "" if never synced.
func (s *Store) LastSyncedAt(ctx context.Context) (string, error) {
	cfg, err := loadConfig(ctx, s.conn)
	if err != nil {
		return "", err
	}
	return cfg.LastSyncedAt, nil
}

// SetLastSyncedAt records a successful sync.
func (s *Store) SetLastSyncedAt(ctx context.Context, at string) error {
	return saveConfig(ctx, s.conn, models.Config{LastSyncedAt: at}, s.stamp())
}

// PendingPush returns the stored payload of the last failed push, or nil.
func (s *Store) PendingPush(ctx context.Context) (*models.Bundle, error) {
	return loadPending(ctx, s.conn)
}

// SetPendingPush durably stores a payload for a later retry.
func (s *Store) SetPendingPush(ctx context.Context, b models.Bundle) error {
	return savePending(ctx, s.conn, b, s.stamp())
}

// ClearPendingPush drops the stored payload.
func (s *Store) ClearPendingPush(ctx context.Context) error {
	return clearPending(ctx, s.conn)
}
