package serverdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vertexads/finsync/internal/models"
)

// Legacy file layout written by the JSON-file server.
const (
	legacyUsersFile   = "auth-users.json"
	legacyStorePrefix = "sync-store-"
	legacyMarker      = ".migrated-to-sqlite"
)

// LegacyReport summarizes an ImportLegacy run.
type LegacyReport struct {
	AlreadyDone bool
	Users       int
	Snapshots   int
	Skipped     []string
}

type legacyUser struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"nome"`
	PasswordHash string `json:"passwordHash"`
	PasswordAlt  string `json:"password_hash"`
}

// ImportLegacy imports auth-users.json and sync-store-<userId>.json from
// dir. It runs once per directory: a marker file is written afterwards and
// later calls return immediately. Files that fail to parse are reported in
// Skipped and do not stop the import.
func (db *ServerDB) ImportLegacy(ctx context.Context, dir string) (LegacyReport, error) {
	var report LegacyReport
	marker := filepath.Join(dir, legacyMarker)
	if _, err := os.Stat(marker); err == nil {
		report.AlreadyDone = true
		return report, nil
	}

	usersPath := filepath.Join(dir, legacyUsersFile)
	data, err := os.ReadFile(usersPath)
	switch {
	case err == nil:
		n, err := db.importLegacyUsers(ctx, data)
		if err != nil {
			report.Skipped = append(report.Skipped, fmt.Sprintf("%s: %v", legacyUsersFile, err))
		}
		report.Users = n
	case !errors.Is(err, os.ErrNotExist):
		return report, fmt.Errorf("read %s: %w", legacyUsersFile, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, legacyStorePrefix+"*.json"))
	if err != nil {
		return report, fmt.Errorf("list legacy stores: %w", err)
	}
	sort.Strings(matches)
	for _, path := range matches {
		name := filepath.Base(path)
		userID := strings.TrimSuffix(strings.TrimPrefix(name, legacyStorePrefix), ".json")
		if userID == "" {
			continue
		}
		if err := db.importLegacyStore(ctx, userID, path); err != nil {
			report.Skipped = append(report.Skipped, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		report.Snapshots++
	}

	if err := os.WriteFile(marker, []byte(db.stamp()), 0644); err != nil {
		return report, fmt.Errorf("write marker: %w", err)
	}
	return report, nil
}

func (db *ServerDB) importLegacyUsers(ctx context.Context, data []byte) (int, error) {
	var users []legacyUser
	if err := json.Unmarshal(data, &users); err != nil {
		return 0, fmt.Errorf("parse: %w", err)
	}
	now := db.stamp()
	n := 0
	for _, u := range users {
		hash := u.PasswordHash
		if hash == "" {
			hash = u.PasswordAlt
		}
		name := u.Name
		if name == "" {
			name = u.Email
		}
		if u.ID == "" || u.Email == "" || hash == "" {
			continue
		}
		res, err := db.conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO users (id, email, nome, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			u.ID, strings.TrimSpace(u.Email), name, hash, now, now,
		)
		if err != nil {
			return n, fmt.Errorf("insert user %s: %w", u.ID, err)
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			n++
		}
	}
	return n, nil
}

func (db *ServerDB) importLegacyStore(ctx context.Context, userID, path string) error {
	user, err := db.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("unknown user %s", userID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var b models.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	b.Normalize()

	updatedAt := b.Config.LastSyncedAt
	if updatedAt == "" {
		updatedAt = db.stamp()
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (user_id, device_id, updated_at, payload_json, created_at) VALUES (?, '', ?, ?, ?)`,
		userID, updatedAt, string(payload), db.stamp(),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (user_id, last_synced_at, device_id, schema_version) VALUES (?, ?, NULL, ?)`,
		userID, nullIfEmpty(b.Config.LastSyncedAt), SnapshotSchemaVersion,
	); err != nil {
		return fmt.Errorf("upsert meta: %w", err)
	}
	return tx.Commit()
}
