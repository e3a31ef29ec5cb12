package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/vertexads/finsync/internal/api"
	"github.com/vertexads/finsync/internal/archive"
	"github.com/vertexads/finsync/internal/logging"
	"github.com/vertexads/finsync/internal/serverdb"
)

func main() {
	// Route to admin subcommands if present
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		runAdmin(os.Args[2:])
		return
	}

	cfg, err := api.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log, closer := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer closer.Close()
	logging.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func run(cfg api.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.UsingDefaultSecret() {
		log.Warn().Msg("using the development JWT secret; set FINSYNC_JWT_SECRET")
	}

	store, err := serverdb.Open(cfg.ServerDBPath)
	if err != nil {
		return fmt.Errorf("open server db: %w", err)
	}
	defer store.Close()

	if err := bootstrap(ctx, cfg, store, log); err != nil {
		return err
	}

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	srv, err := api.NewServer(cfg, store, archiver, logging.Component(log, "api"))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// bootstrap runs the one-time legacy import and seeds the admin user on an
// empty database.
func bootstrap(ctx context.Context, cfg api.Config, store *serverdb.ServerDB, log zerolog.Logger) error {
	if cfg.LegacyDir != "" {
		rep, err := store.ImportLegacy(ctx, cfg.LegacyDir)
		if err != nil {
			return fmt.Errorf("legacy import: %w", err)
		}
		if !rep.AlreadyDone {
			log.Info().
				Int("users", rep.Users).
				Int("snapshots", rep.Snapshots).
				Strs("skipped", rep.Skipped).
				Msg("legacy data imported")
		}
	}

	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		hash, err := api.HashPassword(cfg.AdminPassword, cfg.BcryptCost)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		created, err := store.EnsureSeedUser(ctx, cfg.AdminEmail, cfg.AdminName, hash)
		if err != nil {
			return fmt.Errorf("seed admin user: %w", err)
		}
		if created {
			log.Info().Str("email", cfg.AdminEmail).Msg("seeded admin user")
		}
	}
	return nil
}
