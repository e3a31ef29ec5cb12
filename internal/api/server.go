package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/vertexads/finsync/internal/archive"
	"github.com/vertexads/finsync/internal/serverdb"
)

// Server is the HTTP API server for finsync.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	archiver    archive.Archiver
	metrics     *Metrics
	rateLimiter *RateLimiter
	cron        *cron.Cron
	log         zerolog.Logger
	addr        net.Addr
}

// NewServer creates a new Server with the given config and store. archiver
// may be nil, in which case pruned snapshots are discarded.
func NewServer(cfg Config, store *serverdb.ServerDB, archiver archive.Archiver, log zerolog.Logger) (*Server, error) {
	s := &Server{
		config:      cfg,
		store:       store,
		archiver:    archiver,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(cfg.RateLimitWindow),
		log:         log,
	}

	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cronLogger{log: log}),
		cron.WithChain(cron.Recover(cronLogger{log: log}), cron.SkipIfStillRunning(cronLogger{log: log})),
	)
	if err := s.scheduleJobs(); err != nil {
		return nil, err
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Metrics returns the server's metrics collector.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Start begins listening for HTTP requests (non-blocking) and starts the
// maintenance scheduler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server")
		}
	}()
	s.cron.Start()

	s.log.Info().Str("addr", s.addr.String()).Msg("listening")
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.addr == nil {
		return s.config.ListenAddr
	}
	return s.addr.String()
}

// Shutdown stops the scheduler, waiting for running jobs, and gracefully
// stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	stopped := s.cron.Stop()
	err := s.http.Shutdown(ctx)
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.recoveryMiddleware, middleware.RequestID, requestIDHeader)
	if s.config.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(
		s.loggerMiddleware,
		metricsMiddleware(s.metrics),
		loggingMiddleware,
		securityHeaders,
		corsMiddleware(s.config.CORSAllowedOrigins),
		maxBytesMiddleware(s.config.MaxBodyBytes),
	)

	// Health & metrics
	r.Get("/health", s.handleHealth)
	r.Get("/metricz", s.handleMetrics)

	// Auth
	r.Route("/auth", func(r chi.Router) {
		authLimit := s.withRateLimit(classAuth, s.config.RateLimitAuth)
		r.With(authLimit).Post("/register", s.handleRegister)
		r.With(authLimit).Post("/login", s.handleLogin)
		r.With(s.requireAuth).Get("/me", s.handleMe)
	})

	// Sync
	r.Route("/sync", func(r chi.Router) {
		r.Use(s.withRateLimit(classSync, s.config.RateLimitSync), s.requireAuth)
		r.Get("/", s.handleSyncPull)
		r.Post("/", s.handleSyncPush)
		r.Get("/status", s.handleSyncStatus)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "not found")
	})
	return r
}

func (s *Server) scheduleJobs() error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"ratelimit-cleanup", "@every 5m", func(context.Context) {
			if n := s.rateLimiter.Cleanup(); n > 0 {
				s.log.Debug().Int("count", n).Msg("dropped rate limit buckets")
			}
		}},
		{"snapshot-retention", s.config.RetentionSchedule, func(ctx context.Context) {
			_, _ = s.RunRetention(ctx)
		}},
		{"event-cleanup", "0 0 4 * * *", s.cleanupEvents},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		fn := j.fn
		if _, err := s.cron.AddFunc(j.spec, func() { fn(context.Background()) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
	}
	return nil
}

// RunRetention prunes old snapshots, archiving each one first when an
// archiver is configured. It returns the number of snapshots removed.
func (s *Server) RunRetention(ctx context.Context) (int, error) {
	var archiveFn func(context.Context, serverdb.PrunedSnapshot) error
	if s.archiver != nil {
		archiveFn = func(ctx context.Context, p serverdb.PrunedSnapshot) error {
			return s.archiver.Archive(ctx, archive.SnapshotKey(p.UserID, p.ID, p.UpdatedAt), p.Payload)
		}
	}
	n, err := s.store.PruneSnapshots(ctx, s.config.RetentionKeep, archiveFn)
	s.metrics.RecordPruned(int64(n))
	if err != nil {
		s.log.Error().Err(err).Int("pruned", n).Msg("snapshot retention")
		return n, err
	}
	if n > 0 {
		s.log.Info().Int("pruned", n).Int("keep", s.config.RetentionKeep).Msg("snapshot retention")
	}
	return n, nil
}

func (s *Server) cleanupEvents(ctx context.Context) {
	if n, err := s.store.CleanupAuthEvents(ctx, s.config.AuthEventRetention); err != nil {
		s.log.Error().Err(err).Msg("cleanup auth events")
	} else if n > 0 {
		s.log.Info().Int64("count", n).Msg("cleaned up auth events")
	}
	if n, err := s.store.CleanupRateLimitEvents(ctx, s.config.RateLimitEventRetention); err != nil {
		s.log.Error().Err(err).Msg("cleanup rate limit events")
	} else if n > 0 {
		s.log.Info().Int64("count", n).Msg("cleaned up rate limit events")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
