package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ahutanu/sandbooks.space-sub000/internal/config"
	"github.com/ahutanu/sandbooks.space-sub000/internal/observability"
	"github.com/ahutanu/sandbooks.space-sub000/internal/sandbox"
	"github.com/ahutanu/sandbooks.space-sub000/internal/scheduler"
	"github.com/ahutanu/sandbooks.space-sub000/internal/storage"
	pgstore "github.com/ahutanu/sandbooks.space-sub000/internal/storage/postgres"
	sqlitestore "github.com/ahutanu/sandbooks.space-sub000/internal/storage/sqlite"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

// SharedComponents holds the subsystems both serve and mcp modes need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Provider sandbox.Provider
	Store    storage.Store // nil when storage.driver=none.
	Manager  *terminal.Manager

	SchedMetrics *scheduler.Metrics

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// initShared performs the initialization shared between serve and mcp modes.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Sandbox provider.
	provider, err := initProvider(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	backend := cfg.Sandbox.SandboxType()
	logger.Debug("sandbox initialized",
		slog.String("type", backend),
		slog.Int("max_memory_mb", cfg.Sandbox.MaxMemoryMB),
		slog.Int("max_cpu_seconds", cfg.Sandbox.MaxCPUSeconds),
	)
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		provider = observability.NewInstrumentedProvider(provider, backend, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Provider = provider

	// Journal storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if store != nil {
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Debug("journal initialized", slog.String("driver", store.Driver()))
	}

	// Session manager.
	sc.SchedMetrics = scheduler.NewMetrics(obs.Registry())
	mgr := terminal.NewManager(terminalConfig(cfg), provider, logger).
		WithMetrics(terminal.NewMetrics(obs.Registry()), sc.SchedMetrics)
	if sc.Store != nil {
		mgr.WithJournal(sc.Store)
	}
	sc.Manager = mgr
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		mgr.Shutdown(shutdownCtx)
	})

	registerHealthChecks(sc, backend)
	return sc, nil
}

// terminalConfig converts config types to manager types.
func terminalConfig(cfg *config.Config) terminal.Config {
	t := &cfg.Terminal
	return terminal.Config{
		InactivityTimeout: t.InactivityTimeout(),
		CleanupInterval:   t.CleanupInterval(),
		HeartbeatInterval: t.HeartbeatInterval(),
		MaxHistory:        t.HistoryLimit(),
		MaxSessions:       t.SessionLimit(),
		DefaultTimeout:    t.DefaultTimeout(),
		MinTimeout:        t.MinTimeout(),
		MaxTimeout:        t.MaxTimeout(),
		HomeDir:           t.HomeDir,
		SubscriberBuffer:  t.SubscriberBuffer,
	}
}

// initProvider creates the sandbox provider based on config type.
func initProvider(cfg *config.Config, logger *slog.Logger) (sandbox.Provider, error) {
	sb := &cfg.Sandbox
	switch sb.SandboxType() {
	case "docker":
		if sb.Docker.Image == "" {
			return nil, fmt.Errorf("sandbox.docker.image is required when type is \"docker\"")
		}
		return sandbox.NewDockerProvider(sandbox.DockerConfig{
			Image:          sb.Docker.Image,
			HomeDir:        cfg.Terminal.HomeDir,
			DefaultTimeout: cfg.Terminal.DefaultTimeout(),
			MemoryMB:       sb.MaxMemoryMB,
			CPUCores:       sb.Docker.CPUCores,
			PIDsLimit:      sb.Docker.PIDsLimit,
			NetworkAllowed: sb.NetworkAllowed,
		}, logger), nil
	case "process":
		return sandbox.NewProcessProvider(sandbox.ProcessConfig{
			RootDir:        sb.RootDir,
			DefaultTimeout: cfg.Terminal.DefaultTimeout(),
			DefaultLimits: sandbox.ResourceLimits{
				MaxCPUSeconds: sb.MaxCPUSeconds,
				MaxMemoryMB:   sb.MaxMemoryMB,
			},
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: process, docker)", sb.Type)
	}
}

// initStore creates the journal backend from config. It returns nil for
// driver "none".
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case storage.DriverNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or SANDBOOKS_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// registerHealthChecks wires readiness probes for the sandbox backend and
// the journal database.
func registerHealthChecks(sc *SharedComponents, backend string) {
	health := sc.Obs.Health
	includeDB, includeSandbox := true, true
	if o := sc.Config.Observability; o != nil && o.Health != nil {
		includeDB, includeSandbox = o.Health.IncludeDB, o.Health.IncludeSandbox
	}

	if includeSandbox {
		if p, ok := sc.Provider.(sandbox.Pinger); ok {
			health.AddCheck("sandbox", p.Ping)
		}
	}
	if includeDB && sc.Store != nil {
		health.AddCheck("database", sc.Store.Ping)
	}
	if anomaly := sc.Obs.Anomaly; anomaly != nil {
		op := "sandbox_" + backend + "_create"
		health.AddCheck("sandbox_errors", func(context.Context) error {
			if anomaly.Alerting(op) {
				return fmt.Errorf("%s error rate above threshold", op)
			}
			return nil
		})
	}
}

// parseAPIKeys reads "key:user,key:user" pairs.
func parseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for pair := range strings.SplitSeq(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, user, ok := strings.Cut(pair, ":")
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("invalid api key entry %q (want key:user)", pair)
		}
		keys[key] = user
	}
	return keys, nil
}
