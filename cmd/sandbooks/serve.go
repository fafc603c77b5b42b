package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahutanu/sandbooks.space-sub000/internal/config"
	"github.com/ahutanu/sandbooks.space-sub000/internal/gateway"
	"github.com/ahutanu/sandbooks.space-sub000/internal/gateway/httpapi"
	"github.com/ahutanu/sandbooks.space-sub000/internal/gateway/mcpserver"
	"github.com/ahutanu/sandbooks.space-sub000/internal/gateway/ws"
	"github.com/ahutanu/sandbooks.space-sub000/internal/ratelimit"
	"github.com/ahutanu/sandbooks.space-sub000/internal/scheduler"
	goutils "github.com/jkaninda/go-utils"
)

var (
	configPath string
	listenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (REST, SSE, WebSocket, MCP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sandbooks --config path` and `sandbooks serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&listenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

// loadConfig reads the config file named by SANDBOOKS_CONFIG or the flag value.
func loadConfig(path string) (*config.Config, error) {
	return config.Load(goutils.Env("SANDBOOKS_CONFIG", path))
}

// runServe starts the session manager behind the HTTP gateway.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	// Apply CLI overrides.
	if listenAddr != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = listenAddr
	}
	httpCfg := cfg.HTTPGateway()
	if !httpCfg.Enabled {
		return fmt.Errorf("no gateways enabled in config")
	}

	apiKeys := httpCfg.APIKeyUserMapping
	if raw := os.Getenv("SANDBOOKS_API_KEYS"); raw != "" {
		envKeys, err := parseAPIKeys(raw)
		if err != nil {
			return fmt.Errorf("SANDBOOKS_API_KEYS: %w", err)
		}
		if apiKeys == nil {
			apiKeys = make(map[string]string, len(envKeys))
		}
		for k, u := range envKeys {
			apiKeys[k] = u
		}
	}
	if len(apiKeys) == 0 {
		logger.Warn("no API keys configured, the HTTP API is unauthenticated")
	}

	logger.Info("starting sandbooks", slog.String("config", configPath), slog.String("version", version))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Inactivity sweep and heartbeats.
	stopManager := sc.Manager.Start(ctx)
	defer stopManager()

	// Journal retention.
	if retention := cfg.Storage.Retention(); retention > 0 && sc.Store != nil {
		stopPrune := scheduler.New(sc.SchedMetrics, logger).
			Add(scheduler.Job{
				Name: "journal_prune",
				Spec: "@hourly",
				Run: func(ctx context.Context) {
					n, err := sc.Store.PruneBefore(ctx, time.Now().Add(-retention))
					if err != nil {
						logger.Error("journal prune failed", slog.String("error", err.Error()))
						return
					}
					if n > 0 {
						logger.Info("journal pruned", slog.Int64("sessions", n))
					}
				},
			}).
			Start(ctx)
		defer stopPrune()
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
		BurstSize:         httpCfg.RateLimit.BurstSize,
	})

	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.Addr(),
		EnableDocs:     httpCfg.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: httpCfg.MaxRequestSizeBytes,
		HealthChecker:  sc.Obs.Health,
	}
	if m := sc.Obs.Metrics; m != nil {
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.Metrics = m
		if o := cfg.Observability; o != nil && o.Metrics != nil {
			gwCfg.MetricsPath = o.Metrics.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	httpGW := httpapi.NewGateway(gwCfg, sc.Manager, limiter, logger).
		WithSSE(httpCfg.SSEEnabled())
	if sc.Store != nil {
		httpGW.WithJournal(sc.Store)
	}

	if wsCfg := cfg.Gateways.WebSocket; wsCfg != nil && wsCfg.Enabled {
		wsServer := ws.NewServer(sc.Manager, wsCfg, logger).
			WithAuth(httpGW.Authenticate).
			WithRateLimit(limiter)
		// The upgrade handler authenticates on its own so that it can
		// answer before the handshake.
		httpGW.WithPublicHandler("/v1/sessions/{id}/ws", wsServer.Handler())
		logger.Debug("websocket transport mounted", slog.String("path", "/v1/sessions/{id}/ws"))
	}

	if mcpCfg := cfg.Gateways.MCP; mcpCfg != nil && mcpCfg.Enabled {
		mcpServer := mcpserver.New(sc.Manager, mcpCfg, version, logger)
		httpGW.WithHandler(mcpCfg.MCPPath(), mcpServer.Handler(), http.MethodGet, http.MethodPost, http.MethodDelete)
		logger.Debug("mcp server mounted", slog.String("path", mcpCfg.MCPPath()))
	}

	gateways := []gateway.Gateway{httpGW}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}
