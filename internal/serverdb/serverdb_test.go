package serverdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vertexads/finsync/internal/models"
)

func newTestDB(t *testing.T) *ServerDB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestUser(t *testing.T, db *ServerDB, email string) *User {
	t.Helper()
	u, err := db.CreateUser(context.Background(), email, "", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// tickingClock returns a clock that advances one second per call.
func tickingClock(start string) func() time.Time {
	t, _ := models.ParseTimestamp(start)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func entry(id, updatedAt string, value models.Amount) models.LedgerEntry {
	return models.LedgerEntry{ID: id, Date: "2025-01-01", Value: value, UpdatedAt: updatedAt}
}

// --- User tests ---

func TestCreateUser(t *testing.T) {
	db := newTestDB(t)
	u, err := db.CreateUser(context.Background(), " Alice@Example.com ", "Alice", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.Email != "Alice@Example.com" {
		t.Errorf("email not trimmed: %q", u.Email)
	}
	if u.ID == "" || u.ID[:2] != "u_" {
		t.Errorf("unexpected id: %s", u.ID)
	}
}

func TestCreateUserDuplicateIsCaseInsensitive(t *testing.T) {
	db := newTestDB(t)
	newTestUser(t, db, "dup@test.com")
	_, err := db.CreateUser(context.Background(), "DUP@test.com", "", "hash")
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.CreateUser(context.Background(), "", "", "hash"); err == nil {
		t.Error("expected error for empty email")
	}
	if _, err := db.CreateUser(context.Background(), "a@b.com", "", ""); err == nil {
		t.Error("expected error for empty hash")
	}
}

func TestGetUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := newTestUser(t, db, "test@test.com")

	found, err := db.GetUserByID(ctx, u.ID)
	if err != nil || found == nil || found.Email != "test@test.com" {
		t.Fatalf("get by id: %v %+v", err, found)
	}
	found, err = db.GetUserByEmail(ctx, "TEST@test.com")
	if err != nil || found == nil || found.ID != u.ID {
		t.Fatalf("get by email: %v %+v", err, found)
	}
	found, err = db.GetUserByID(ctx, "missing")
	if err != nil || found != nil {
		t.Fatalf("expected nil for missing user, got %+v %v", found, err)
	}
}

func TestDisplayName(t *testing.T) {
	u := &User{Email: "a@b.com"}
	if u.DisplayName() != "a@b.com" {
		t.Errorf("fallback: %s", u.DisplayName())
	}
	u.Name = "Ana"
	if u.DisplayName() != "Ana" {
		t.Errorf("name: %s", u.DisplayName())
	}
}

func TestEnsureSeedUserOnlyOnEmptyDB(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	created, err := db.EnsureSeedUser(ctx, "admin@example.com", "Admin", "hash")
	if err != nil || !created {
		t.Fatalf("first seed: %v %v", created, err)
	}
	created, err = db.EnsureSeedUser(ctx, "other@example.com", "Admin", "hash")
	if err != nil || created {
		t.Fatalf("second seed: %v %v", created, err)
	}
	users, _ := db.ListUsers(ctx)
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
}

func TestSetPasswordHash(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := newTestUser(t, db, "p@test.com")

	if err := db.SetPasswordHash(ctx, u.ID, "new"); err != nil {
		t.Fatal(err)
	}
	found, _ := db.GetUserByID(ctx, u.ID)
	if found.PasswordHash != "new" {
		t.Errorf("hash not updated: %s", found.PasswordHash)
	}
	if err := db.SetPasswordHash(ctx, "missing", "x"); err == nil {
		t.Error("expected error for missing user")
	}
}

// --- Snapshot tests ---

func TestReadLatestEmpty(t *testing.T) {
	db := newTestDB(t)
	b, err := db.ReadLatest(context.Background(), "nobody", "")
	if err != nil {
		t.Fatal(err)
	}
	if b.Entries == nil || b.Rules == nil || len(b.Entries) != 0 || len(b.Rules) != 0 {
		t.Errorf("expected empty non-nil collections: %+v", b)
	}
	if b.Config.Categories == nil || len(b.Config.Categories) != 0 {
		t.Errorf("expected empty categories: %v", b.Config.Categories)
	}
	if len(b.Config.Statuses) != 2 {
		t.Errorf("expected default status catalog: %v", b.Config.Statuses)
	}
}

func TestSaveThenReadLatest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.SetClock(tickingClock("2025-01-01T00:00:00.000Z"))
	u := newTestUser(t, db, "s@test.com")

	asOf, err := db.Save(ctx, u.ID, "dev-1", models.Bundle{
		Entries: []models.LedgerEntry{entry("tx1", "2024-12-31T00:00:00.000Z", 5000)},
		Config:  models.Config{Categories: []string{"Geral"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	b, err := db.ReadLatest(ctx, u.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Entries) != 1 || b.Entries[0].Value != 5000 {
		t.Fatalf("unexpected entries: %+v", b.Entries)
	}
	if b.Config.LastSyncedAt != asOf {
		t.Errorf("lastSyncedAt = %s, want %s", b.Config.LastSyncedAt, asOf)
	}
	if len(b.Config.Categories) != 1 || b.Config.Categories[0] != "Geral" {
		t.Errorf("categories: %v", b.Config.Categories)
	}

	m, err := db.Meta(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.LastSyncedAt != asOf || m.DeviceID != "dev-1" || m.SchemaVersion != SnapshotSchemaVersion {
		t.Errorf("unexpected meta: %+v", m)
	}
}

func TestSaveMergesWithLatest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.SetClock(tickingClock("2025-01-01T00:00:00.000Z"))
	u := newTestUser(t, db, "m@test.com")

	_, err := db.Save(ctx, u.ID, "", models.Bundle{Entries: []models.LedgerEntry{
		entry("a", "2024-01-01T00:00:00.000Z", 1),
		entry("b", "2024-01-01T00:00:00.000Z", 2),
	}})
	if err != nil {
		t.Fatal(err)
	}
	// Second push only knows about a newer "a" and a new "c".
	_, err = db.Save(ctx, u.ID, "", models.Bundle{Entries: []models.LedgerEntry{
		entry("a", "2024-02-01T00:00:00.000Z", 10),
		entry("c", "2024-02-01T00:00:00.000Z", 3),
	}})
	if err != nil {
		t.Fatal(err)
	}

	b, _ := db.ReadLatest(ctx, u.ID, "")
	got := map[string]models.Amount{}
	for _, e := range b.Entries {
		got[e.ID] = e.Value
	}
	want := map[string]models.Amount{"a": 10, "b": 2, "c": 3}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("merged = %v, want %v", got, want)
	}

	n, _ := db.SnapshotCount(ctx, u.ID)
	if n != 2 {
		t.Errorf("expected 2 snapshots, got %d", n)
	}
}

func TestSaveKeepsConfigWhenPushOmitsIt(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.SetClock(tickingClock("2025-01-01T00:00:00.000Z"))
	u := newTestUser(t, db, "c@test.com")

	db.Save(ctx, u.ID, "", models.Bundle{Config: models.Config{
		Accounts: []string{"Inter"},
		Clients:  []models.Client{{ID: "acme", Name: "Acme"}},
	}})
	db.Save(ctx, u.ID, "", models.Bundle{Config: models.Config{
		Accounts: []string{},
		Clients:  []models.Client{},
	}})

	b, _ := db.ReadLatest(ctx, u.ID, "")
	if len(b.Config.Accounts) != 1 {
		t.Errorf("empty accounts must not replace: %v", b.Config.Accounts)
	}
	if b.Config.Clients == nil || len(b.Config.Clients) != 0 {
		t.Errorf("present clients must replace: %v", b.Config.Clients)
	}
}

func TestReadLatestSinceFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.SetClock(tickingClock("2025-01-01T00:00:00.000Z"))
	u := newTestUser(t, db, "f@test.com")

	db.Save(ctx, u.ID, "", models.Bundle{
		Entries: []models.LedgerEntry{
			entry("old", "2024-01-01T00:00:00.000Z", 1),
			entry("edge", "2024-06-01T00:00:00.000Z", 2),
			entry("new", "2024-07-01T00:00:00.000Z", 3),
			entry("nostamp", "", 4),
		},
		Rules: []models.RecurrenceRule{
			{ID: "r-old", Title: "a", UpdatedAt: "2024-01-01T00:00:00.000Z"},
			{ID: "r-new", Title: "b", UpdatedAt: "2024-08-01T00:00:00.000Z"},
		},
	})

	b, err := db.ReadLatest(ctx, u.ID, "2024-06-01T00:00:00.000Z")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, e := range b.Entries {
		ids = append(ids, e.ID)
	}
	if fmt.Sprint(ids) != "[edge new]" {
		t.Errorf("filtered entries = %v", ids)
	}
	if len(b.Rules) != 1 || b.Rules[0].ID != "r-new" {
		t.Errorf("filtered rules = %+v", b.Rules)
	}
	if len(b.Config.Statuses) == 0 {
		t.Error("config must be complete on incremental reads")
	}
}

func TestLatestTieBrokenByID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fixed, _ := models.ParseTimestamp("2025-01-01T00:00:00.000Z")
	db.SetClock(func() time.Time { return fixed })
	u := newTestUser(t, db, "tie@test.com")

	db.Save(ctx, u.ID, "", models.Bundle{Entries: []models.LedgerEntry{entry("a", "2024-01-01T00:00:00.000Z", 1)}})
	db.Save(ctx, u.ID, "", models.Bundle{Entries: []models.LedgerEntry{entry("b", "2024-01-01T00:00:00.000Z", 2)}})

	b, _ := db.ReadLatest(ctx, u.ID, "")
	if len(b.Entries) != 2 {
		t.Errorf("second save with equal stamp must be latest: %+v", b.Entries)
	}
}

func TestConcurrentSavesSameUser(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	db.SetClock(tickingClock("2025-01-01T00:00:00.000Z"))
	u := newTestUser(t, db, "race@test.com")

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("tx-%d", i)
			_, err := db.Save(ctx, u.ID, fmt.Sprintf("dev-%d", i), models.Bundle{
				Entries: []models.LedgerEntry{entry(id, "2024-01-01T00:00:00.000Z", models.Amount(i))},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	b, _ := db.ReadLatest(ctx, u.ID, "")
	if len(b.Entries) != writers {
		t.Fatalf("lost update: latest has %d entries, want %d", len(b.Entries), writers)
	}
}

func TestMetaForUnknownUser(t *testing.T) {
	db := newTestDB(t)
	m, err := db.Meta(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if m.LastSyncedAt != "" || m.DeviceID != "" || m.SchemaVersion != SnapshotSchemaVersion {
		t.Errorf("unexpected meta: %+v", m)
	}
}

func TestListSnapshots(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.SetClock(tickingClock("2025-01-01T00:00:00.000Z"))
	u := newTestUser(t, db, "l@test.com")
	for i := 0; i < 3; i++ {
		db.Save(ctx, u.ID, "dev", models.Bundle{})
	}

	list, err := db.ListSnapshots(ctx, u.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2, got %d", len(list))
	}
	if list[0].UpdatedAt <= list[1].UpdatedAt {
		t.Errorf("expected newest first: %+v", list)
	}
	if list[0].Bytes == 0 || list[0].DeviceID != "dev" {
		t.Errorf("unexpected info: %+v", list[0])
	}
}

func TestPruneSnapshots(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.SetClock(tickingClock("2025-01-01T00:00:00.000Z"))
	a := newTestUser(t, db, "a@test.com")
	b := newTestUser(t, db, "b@test.com")
	for i := 0; i < 4; i++ {
		db.Save(ctx, a.ID, "", models.Bundle{Entries: []models.LedgerEntry{entry(fmt.Sprintf("a%d", i), "2024-01-01T00:00:00.000Z", 1)}})
	}
	db.Save(ctx, b.ID, "", models.Bundle{})

	var archived []PrunedSnapshot
	n, err := db.PruneSnapshots(ctx, 2, func(_ context.Context, p PrunedSnapshot) error {
		archived = append(archived, p)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(archived) != 2 {
		t.Fatalf("pruned %d, archived %d; want 2", n, len(archived))
	}
	for _, p := range archived {
		if p.UserID != a.ID || len(p.Payload) == 0 {
			t.Errorf("unexpected archived row: %+v", p)
		}
	}

	latest, _ := db.ReadLatest(ctx, a.ID, "")
	if len(latest.Entries) != 4 {
		t.Errorf("latest must survive pruning: %d entries", len(latest.Entries))
	}
	if c, _ := db.SnapshotCount(ctx, b.ID); c != 1 {
		t.Errorf("user b lost its only snapshot: %d", c)
	}
}

func TestPruneKeepsRowWhenArchiveFails(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.SetClock(tickingClock("2025-01-01T00:00:00.000Z"))
	u := newTestUser(t, db, "x@test.com")
	db.Save(ctx, u.ID, "", models.Bundle{})
	db.Save(ctx, u.ID, "", models.Bundle{})

	_, err := db.PruneSnapshots(ctx, 0, func(context.Context, PrunedSnapshot) error {
		return errors.New("bucket unavailable")
	})
	if err == nil {
		t.Fatal("expected archive error")
	}
	if c, _ := db.SnapshotCount(ctx, u.ID); c != 2 {
		t.Errorf("expected both rows kept, got %d", c)
	}
}

// --- Migration tests ---

func TestFreshDBIsCurrentVersion(t *testing.T) {
	db := newTestDB(t)
	if v := db.schemaVersion(); v != ServerSchemaVersion {
		t.Errorf("version = %d, want %d", v, ServerSchemaVersion)
	}
	if _, err := db.conn.Exec(`SELECT COUNT(*) FROM auth_events`); err != nil {
		t.Errorf("auth_events missing: %v", err)
	}
}

func TestMigrationsFromV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db.conn.Exec(`DROP TABLE auth_events`)
	db.conn.Exec(`DROP TABLE rate_limit_events`)
	db.setSchemaVersion(1)
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if v := db.schemaVersion(); v != ServerSchemaVersion {
		t.Errorf("version = %d, want %d", v, ServerSchemaVersion)
	}
	if err := db.InsertRateLimitEvent(context.Background(), "1.2.3.4", "auth"); err != nil {
		t.Errorf("rate_limit_events not recreated: %v", err)
	}
}

// --- Legacy import ---

func TestImportLegacy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	dir := t.TempDir()

	users := `[
		{"id":"user-1","email":"admin@example.com","nome":"Admin","passwordHash":"h1"},
		{"id":"user-2","email":"b@example.com","password_hash":"h2"}
	]`
	os.WriteFile(filepath.Join(dir, legacyUsersFile), []byte(users), 0644)

	store, _ := json.Marshal(map[string]any{
		"transacoes":  []map[string]any{{"id": "tx1", "date": "2024-01-01", "value": 12.5, "updatedAt": "2024-01-01T00:00:00.000Z"}},
		"recorrentes": []any{},
		"config":      map[string]any{"categorias": []string{"Geral"}, "lastSyncedAt": "2024-02-01T00:00:00.000Z", "clientes": []string{"Padaria"}},
	})
	os.WriteFile(filepath.Join(dir, "sync-store-user-1.json"), store, 0644)
	os.WriteFile(filepath.Join(dir, "sync-store-ghost.json"), store, 0644)
	os.WriteFile(filepath.Join(dir, "sync-store-user-2.json"), []byte("{broken"), 0644)

	report, err := db.ImportLegacy(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if report.Users != 2 || report.Snapshots != 1 || len(report.Skipped) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	u, _ := db.GetUserByID(ctx, "user-2")
	if u == nil || u.PasswordHash != "h2" || u.Name != "b@example.com" {
		t.Errorf("legacy user not imported: %+v", u)
	}

	b, _ := db.ReadLatest(ctx, "user-1", "")
	if len(b.Entries) != 1 || b.Entries[0].Value != 13 {
		t.Errorf("legacy entries: %+v", b.Entries)
	}
	if len(b.Config.Clients) != 1 || b.Config.Clients[0].Name != "Padaria" {
		t.Errorf("legacy clients not normalized: %+v", b.Config.Clients)
	}
	if b.Config.LastSyncedAt != "2024-02-01T00:00:00.000Z" {
		t.Errorf("lastSyncedAt = %s", b.Config.LastSyncedAt)
	}
	m, _ := db.Meta(ctx, "user-1")
	if m.LastSyncedAt != "2024-02-01T00:00:00.000Z" {
		t.Errorf("meta = %+v", m)
	}

	again, err := db.ImportLegacy(ctx, dir)
	if err != nil || !again.AlreadyDone {
		t.Fatalf("second import should be a no-op: %+v %v", again, err)
	}
}
