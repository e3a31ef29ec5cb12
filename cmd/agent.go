package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vertexads/finsync/internal/logging"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/output"
	"github.com/vertexads/finsync/internal/syncconfig"
	"github.com/vertexads/finsync/internal/syncer"
	"github.com/vertexads/finsync/internal/trigger"
	"github.com/vertexads/finsync/internal/webhook"
)

const inboxDir = "inbox"

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Keep the ledger in sync in the background",
	Long: `Run in the foreground and sync on lifecycle events:

  start              pull
  every interval     pull when the last sync is stale
  server reachable   pull when stale; unreachable parks sync offline
  SIGUSR1 / SIGUSR2  pull when stale / push
  SIGINT / SIGTERM   final push, then exit

Bundles renamed into <data-dir>/inbox as *.json are imported and pushed;
write them under another name first so a partial file is never read. Logging in
or out from another terminal takes effect without a restart. With webhook.url
set, every successful sync is reported there as a signed POST.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, closer := logging.New(logging.Config{
			Level:  orDefault(app.settings.LogLevel, "info"),
			Format: "console",
			File:   app.settings.LogFile,
		})
		defer closer.Close()
		app.log = log

		a, err := newAgent(log)
		if err != nil {
			return fail(err)
		}
		return a.run(cmd.Context())
	},
}

// agent wires the scheduler to its event sources.
type agent struct {
	log   zerolog.Logger
	local sharedStore
	sync  *syncer.Syncer
	sched *trigger.Scheduler
	mon   *trigger.Monitor
	inbox string
}

func newAgent(log zerolog.Logger) (*agent, error) {
	local := sharedStore{dir: app.settings.DataDir}
	s, _, err := newSyncer(local)
	if err != nil {
		return nil, err
	}
	a := &agent{
		log:   logging.Component(log, "agent"),
		local: local,
		sync:  s,
		inbox: filepath.Join(app.settings.DataDir, inboxDir),
	}
	var engine trigger.Syncer = s
	if app.settings.WebhookURL != "" {
		deviceID, err := syncconfig.DeviceID(app.cfgDir)
		if err != nil {
			return nil, err
		}
		d := webhook.New(app.settings.WebhookURL, app.settings.WebhookSecret)
		engine = webhook.Wrap(s, d, deviceID, logging.Component(log, "webhook"))
	}
	a.sched = trigger.New(engine, trigger.Options{
		StaleAfter:    app.settings.StaleAfter,
		CheckInterval: app.settings.Interval,
		Log:           logging.Component(log, "trigger"),
	})
	a.mon = trigger.NewMonitor(a.probe, app.settings.HealthInterval, logging.Component(log, "monitor"))
	return a, nil
}

// probe checks server reachability with the current server URL.
func (a *agent) probe(ctx context.Context) error {
	serverURL := app.settings.ServerURL
	if creds, _ := loadCreds(); creds != nil && creds.ServerURL != "" {
		serverURL = creds.ServerURL
	}
	client, err := newClient(serverURL, "")
	if err != nil {
		return err
	}
	client.Retries = 0
	_, err = client.Health(ctx)
	return err
}

func (a *agent) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := os.MkdirAll(a.inbox, 0o755); err != nil {
		return fail(err)
	}
	if last, err := a.local.LastSyncedAt(ctx); err == nil && last != "" {
		if t, err := models.ParseTimestamp(last); err == nil {
			a.sched.SetLastSync(t)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fail(err)
	}
	defer watcher.Close()
	for _, dir := range []string{app.cfgDir, a.inbox} {
		if err := watcher.Add(dir); err != nil {
			return fail(err)
		}
	}
	go a.watch(ctx, watcher)

	if err := app.cfg.Watch(a.reload, func(err error) {
		a.log.Warn().Err(err).Msg("config change ignored")
	}); err != nil {
		a.log.Debug().Err(err).Msg("config file not watched")
	}

	a.sched.Attach(trigger.SignalSource{})
	a.sched.Attach(a.mon)
	if err := a.mon.Start(); err != nil {
		return fail(err)
	}
	defer a.mon.Stop()

	if err := a.sched.Start(ctx); err != nil {
		return fail(err)
	}
	a.importInbox(ctx)
	a.log.Info().Str("data_dir", app.settings.DataDir).Msg("agent running")
	output.Info("finsync agent running; Ctrl-C to stop")

	go a.mon.Check(ctx)

	<-a.sched.Done()
	a.log.Info().Msg("agent stopped")
	return nil
}

// watch routes file events: credential changes swap the remote and new
// inbox files are imported.
func (a *agent) watch(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.sched.Done():
			return
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			a.log.Warn().Err(err).Msg("watch error")
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			switch {
			case filepath.Base(ev.Name) == "auth.json" && filepath.Dir(ev.Name) == filepath.Clean(app.cfgDir):
				a.reloadCredentials()
			case filepath.Dir(ev.Name) == filepath.Clean(a.inbox) && ev.Has(fsnotify.Create) && filepath.Ext(ev.Name) == ".json":
				a.importInbox(ctx)
			}
		}
	}
}

// reloadCredentials points the syncer at the current session.
func (a *agent) reloadCredentials() {
	creds, err := loadCreds()
	if err != nil {
		a.log.Warn().Err(err).Msg("read credentials")
		return
	}
	if creds == nil {
		a.sync.SetRemote(nil)
		a.log.Info().Msg("logged out; sync paused")
		return
	}
	client, err := newClient(creds.ServerURL, creds.Token)
	if err != nil {
		a.log.Warn().Err(err).Msg("build client")
		return
	}
	a.sync.SetRemote(client)
	a.log.Info().Str("email", creds.Email).Msg("session changed")
	a.sched.Request(trigger.EventStart)
}

// importInbox imports every *.json bundle in the inbox, then removes it.
// A bundle that fails to import is renamed to *.json.failed.
func (a *agent) importInbox(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(a.inbox, "*.json"))
	if err != nil || len(matches) == 0 {
		return
	}
	imported := 0
	for _, path := range matches {
		l := a.log.With().Str("file", filepath.Base(path)).Logger()
		b, err := readBundle(path, envPassphrase)
		if err == nil {
			var res importResult
			res, err = importBundle(ctx, a.local, b, time.Now())
			if err == nil {
				l.Info().Int("entries", res.Entries).Int("rules", res.Rules).Msg("bundle imported")
				imported++
				err = os.Remove(path)
			}
		}
		if err != nil {
			l.Warn().Err(err).Msg("bundle import failed")
			if rerr := os.Rename(path, path+".failed"); rerr != nil {
				l.Warn().Err(rerr).Msg("set aside failed bundle")
			}
		}
	}
	if imported > 0 {
		// EventHidden runs a push.
		a.sched.Request(trigger.EventHidden)
	}
}

// reload applies a changed config file. Only the log level takes effect
// without a restart.
func (a *agent) reload(s syncconfig.Settings) {
	zerolog.SetGlobalLevel(logging.ParseLevel(s.LogLevel))
	if s.ServerURL != app.settings.ServerURL || s.Interval != app.settings.Interval {
		a.log.Info().Msg("server or interval changed; restart the agent to apply")
	}
	a.log.Info().Str("log_level", s.LogLevel).Msg("config reloaded")
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
