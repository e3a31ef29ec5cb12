package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/vertexads/finsync/internal/api"
	"github.com/vertexads/finsync/internal/archive"
	"github.com/vertexads/finsync/internal/logging"
	"github.com/vertexads/finsync/internal/serverdb"
)

func runAdmin(args []string) {
	if len(args) == 0 {
		printAdminUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "users":
		runAdminUsers(args[1:])
	case "create-user":
		runAdminCreateUser(args[1:])
	case "set-password":
		runAdminSetPassword(args[1:])
	case "snapshots":
		runAdminSnapshots(args[1:])
	case "prune":
		runAdminPrune(args[1:])
	case "import-legacy":
		runAdminImportLegacy(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n", args[0])
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Fprintln(os.Stderr, `Usage: finsync-server admin <command> [flags]

Commands:
  users          List registered users
  create-user    Create a user with a password
  set-password   Replace a user's password
  snapshots      List a user's stored snapshots
  prune          Run snapshot retention now
  import-legacy  Import users and stores from the JSON-file layout`)
}

func loadConfig() api.Config {
	cfg, err := api.LoadConfig("")
	if err != nil {
		fail(err)
	}
	return cfg
}

func openDB(dbPath string) *serverdb.ServerDB {
	if dbPath == "" {
		dbPath = loadConfig().ServerDBPath
	}
	store, err := serverdb.Open(dbPath)
	if err != nil {
		fail(fmt.Errorf("open database: %w", err))
	}
	return store
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

const dbFlagUsage = "path to server.db (default: from FINSYNC_DB_PATH or ./data/server.db)"

func runAdminUsers(args []string) {
	fs := flag.NewFlagSet("admin users", flag.ExitOnError)
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	store := openDB(*dbPath)
	defer store.Close()

	users, err := store.ListUsers(context.Background())
	if err != nil {
		fail(err)
	}
	for _, u := range users {
		fmt.Printf("%s  %-30s  %s  %s\n", u.ID, u.Email, u.CreatedAt, u.DisplayName())
	}
	fmt.Printf("%d user(s)\n", len(users))
}

func runAdminCreateUser(args []string) {
	fs := flag.NewFlagSet("admin create-user", flag.ExitOnError)
	email := fs.String("email", "", "user email address")
	password := fs.String("password", "", "initial password (8-72 characters)")
	name := fs.String("name", "", "display name")
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "error: --email and --password are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	hash, err := api.HashPassword(*password, cfg.BcryptCost)
	if err != nil {
		fail(err)
	}

	store := openDB(*dbPath)
	defer store.Close()

	u, err := store.CreateUser(context.Background(), *email, *name, hash)
	if err != nil {
		fail(err)
	}
	fmt.Printf("created user %s (%s)\n", u.Email, u.ID)
}

func runAdminSetPassword(args []string) {
	fs := flag.NewFlagSet("admin set-password", flag.ExitOnError)
	email := fs.String("email", "", "user email address")
	password := fs.String("password", "", "new password (8-72 characters)")
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "error: --email and --password are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	hash, err := api.HashPassword(*password, cfg.BcryptCost)
	if err != nil {
		fail(err)
	}

	store := openDB(*dbPath)
	defer store.Close()

	ctx := context.Background()
	u, err := store.GetUserByEmail(ctx, *email)
	if err != nil {
		fail(err)
	}
	if u == nil {
		fail(fmt.Errorf("user not found: %s", *email))
	}
	if err := store.SetPasswordHash(ctx, u.ID, hash); err != nil {
		fail(err)
	}
	fmt.Printf("password updated for %s\n", strings.ToLower(strings.TrimSpace(*email)))
}

func runAdminSnapshots(args []string) {
	fs := flag.NewFlagSet("admin snapshots", flag.ExitOnError)
	email := fs.String("email", "", "user email address")
	limit := fs.Int("limit", 20, "maximum rows to show")
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	if *email == "" {
		fmt.Fprintln(os.Stderr, "error: --email is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	ctx := context.Background()
	u, err := store.GetUserByEmail(ctx, *email)
	if err != nil {
		fail(err)
	}
	if u == nil {
		fail(fmt.Errorf("user not found: %s", *email))
	}

	meta, err := store.Meta(ctx, u.ID)
	if err != nil {
		fail(err)
	}
	fmt.Printf("last synced: %s  device: %s  schema: %d\n", meta.LastSyncedAt, meta.DeviceID, meta.SchemaVersion)

	snaps, err := store.ListSnapshots(ctx, u.ID, *limit)
	if err != nil {
		fail(err)
	}
	for _, s := range snaps {
		fmt.Printf("#%-6d %s  %-36s  %d bytes\n", s.ID, s.UpdatedAt, s.DeviceID, s.Bytes)
	}
}

func runAdminPrune(args []string) {
	fs := flag.NewFlagSet("admin prune", flag.ExitOnError)
	keep := fs.Int("keep", 0, "snapshots kept per user (default: FINSYNC_RETENTION_KEEP)")
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	cfg := loadConfig()
	if *keep > 0 {
		cfg.RetentionKeep = *keep
	}
	if *dbPath != "" {
		cfg.ServerDBPath = *dbPath
	}

	ctx := context.Background()
	store := openDB(cfg.ServerDBPath)
	defer store.Close()

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		fail(err)
	}
	log, closer := logging.New(logging.Config{Level: cfg.LogLevel, Format: "console"})
	defer closer.Close()

	srv, err := api.NewServer(cfg, store, archiver, log)
	if err != nil {
		fail(err)
	}
	n, err := srv.RunRetention(ctx)
	if err != nil {
		fail(err)
	}
	fmt.Printf("pruned %d snapshot(s), keeping %d per user\n", n, cfg.RetentionKeep)
}

func runAdminImportLegacy(args []string) {
	fs := flag.NewFlagSet("admin import-legacy", flag.ExitOnError)
	dir := fs.String("dir", "", "directory holding auth-users.json and sync-store-*.json")
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "error: --dir is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	rep, err := store.ImportLegacy(context.Background(), *dir)
	if err != nil {
		fail(err)
	}
	if rep.AlreadyDone {
		fmt.Println("legacy data was already imported")
		return
	}
	fmt.Printf("imported %d user(s) and %d snapshot(s)\n", rep.Users, rep.Snapshots)
	for _, s := range rep.Skipped {
		fmt.Printf("  skipped: %s\n", s)
	}
}
