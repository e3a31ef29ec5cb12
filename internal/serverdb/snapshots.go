package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vertexads/finsync/internal/merge"
	"github.com/vertexads/finsync/internal/models"
)

// Meta is the per-user sync metadata row.
type Meta struct {
	UserID        string `json:"userId"`
	LastSyncedAt  string `json:"lastSyncedAt,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	SchemaVersion int    `json:"schemaVersion"`
}

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	ID        int64  `json:"id"`
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId,omitempty"`
	UpdatedAt string `json:"updatedAt"`
	CreatedAt string `json:"createdAt"`
	Bytes     int    `json:"bytes"`
}

// PrunedSnapshot is handed to the archive callback before a row is deleted.
type PrunedSnapshot struct {
	ID        int64
	UserID    string
	UpdatedAt string
	Payload   []byte
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReadLatest returns the user's latest snapshot. With a non-empty since,
// only entries and rules whose updatedAt is at or after since are
// included; records without a timestamp are left out of incremental
// results. Config is always complete.
func (db *ServerDB) ReadLatest(ctx context.Context, userID, since string) (models.Bundle, error) {
	b, err := readLatest(ctx, db.conn, userID)
	if err != nil {
		return models.Bundle{}, err
	}
	if since == "" {
		return b, nil
	}
	b.Entries = filterSince(b.Entries, since)
	b.Rules = filterSince(b.Rules, since)
	return b, nil
}

func readLatest(ctx context.Context, q querier, userID string) (models.Bundle, error) {
	var payload, updatedAt string
	err := q.QueryRowContext(ctx,
		`SELECT payload_json, updated_at FROM snapshots WHERE user_id = ? ORDER BY updated_at DESC, id DESC LIMIT 1`,
		userID,
	).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		b := models.Bundle{Config: models.ServerDefaultConfig()}
		b.Normalize()
		return b, nil
	}
	if err != nil {
		return models.Bundle{}, fmt.Errorf("read latest snapshot: %w", err)
	}

	var stored models.Bundle
	if err := json.Unmarshal([]byte(payload), &stored); err != nil {
		return models.Bundle{}, fmt.Errorf("decode snapshot: %w", err)
	}

	b := models.Bundle{
		Entries: stored.Entries,
		Rules:   stored.Rules,
		Config:  overlayConfig(models.ServerDefaultConfig(), stored.Config),
	}
	if b.Config.LastSyncedAt == "" {
		b.Config.LastSyncedAt = updatedAt
	}
	b.Normalize()
	return b, nil
}

// overlayConfig replaces every base field that is present in stored.
func overlayConfig(base, stored models.Config) models.Config {
	if stored.Categories != nil {
		base.Categories = stored.Categories
	}
	if stored.Accounts != nil {
		base.Accounts = stored.Accounts
	}
	if stored.InvestmentAccounts != nil {
		base.InvestmentAccounts = stored.InvestmentAccounts
	}
	if stored.Clients != nil {
		base.Clients = stored.Clients
	}
	if stored.Statuses != nil {
		base.Statuses = stored.Statuses
	}
	if stored.LastSyncedAt != "" {
		base.LastSyncedAt = stored.LastSyncedAt
	}
	return base
}

func filterSince[T merge.Record](records []T, since string) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if m := r.Modified(); m != "" && m >= since {
			out = append(out, r)
		}
	}
	return out
}

// Save merges push into the user's latest snapshot and appends the result
// as the new latest. Saves for the same user are serialized. It returns the
// new snapshot time, which is also written to config.lastSyncedAt.
func (db *ServerDB) Save(ctx context.Context, userID, deviceID string, push models.Bundle) (string, error) {
	unlock := db.users.lock(userID)
	defer unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := readLatest(ctx, tx, userID)
	if err != nil {
		return "", err
	}

	merged := merge.Bundles(existing, push)
	asOf := db.stamp()
	merged.Config.LastSyncedAt = asOf

	payload, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (user_id, device_id, updated_at, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, deviceID, asOf, string(payload), asOf,
	); err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (user_id, last_synced_at, device_id, schema_version) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   last_synced_at = excluded.last_synced_at,
		   device_id = excluded.device_id,
		   schema_version = excluded.schema_version`,
		userID, asOf, nullIfEmpty(deviceID), SnapshotSchemaVersion,
	); err != nil {
		return "", fmt.Errorf("upsert meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return asOf, nil
}

// Meta returns the user's sync metadata. Users that never pushed get a
// zero row with the default schema version.
func (db *ServerDB) Meta(ctx context.Context, userID string) (Meta, error) {
	m := Meta{UserID: userID, SchemaVersion: SnapshotSchemaVersion}
	var last, device sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_synced_at, device_id, schema_version FROM meta WHERE user_id = ?`, userID,
	).Scan(&last, &device, &m.SchemaVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("read meta: %w", err)
	}
	m.LastSyncedAt = last.String
	m.DeviceID = device.String
	return m, nil
}

// SnapshotCount returns how many snapshots are stored for the user.
func (db *ServerDB) SnapshotCount(ctx context.Context, userID string) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// ListSnapshots returns the user's snapshots, newest first.
func (db *ServerDB) ListSnapshots(ctx context.Context, userID string, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, device_id, updated_at, created_at, LENGTH(payload_json)
		 FROM snapshots WHERE user_id = ? ORDER BY updated_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var s SnapshotInfo
		if err := rows.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.UpdatedAt, &s.CreatedAt, &s.Bytes); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes all but the newest keep snapshots of every user.
// The latest snapshot is never removed. When archive is non-nil each row
// is passed to it first, and a failing archive leaves that row in place.
func (db *ServerDB) PruneSnapshots(ctx context.Context, keep int, archive func(context.Context, PrunedSnapshot) error) (int, error) {
	if keep < 1 {
		keep = 1
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, updated_at, payload_json FROM (
		   SELECT id, user_id, updated_at, payload_json,
		          ROW_NUMBER() OVER (PARTITION BY user_id ORDER BY updated_at DESC, id DESC) AS rn
		   FROM snapshots
		 ) WHERE rn > ? ORDER BY user_id, id`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("select prunable snapshots: %w", err)
	}
	var victims []PrunedSnapshot
	for rows.Next() {
		var p PrunedSnapshot
		var payload string
		if err := rows.Scan(&p.ID, &p.UserID, &p.UpdatedAt, &payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan prunable snapshot: %w", err)
		}
		p.Payload = []byte(payload)
		victims = append(victims, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	pruned := 0
	for _, p := range victims {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		if archive != nil {
			if err := archive(ctx, p); err != nil {
				return pruned, fmt.Errorf("archive snapshot %d: %w", p.ID, err)
			}
		}
		if _, err := db.conn.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, p.ID); err != nil {
			return pruned, fmt.Errorf("delete snapshot %d: %w", p.ID, err)
		}
		pruned++
	}
	return pruned, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
