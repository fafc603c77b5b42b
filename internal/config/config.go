// Package config handles loading and validating Sandbooks configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sandbooks.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sandbooks/data. Override: SANDBOOKS_DATA_DIR.
	Log           LogConfig            `json:"log" yaml:"log"`
	Terminal      TerminalConfig       `json:"terminal" yaml:"terminal"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite journal under data_dir
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error. Override: SANDBOOKS_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // json (default) or text.
}

// TerminalConfig tunes the session manager.
type TerminalConfig struct {
	InactivityTimeoutSeconds int    `json:"inactivity_timeout_seconds" yaml:"inactivity_timeout_seconds"` // Default: 1800.
	CleanupIntervalSeconds   int    `json:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds"`     // Default: 300.
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
	MaxHistory               int    `json:"max_history" yaml:"max_history"`                               // Default: 100.
	MaxSessions              int    `json:"max_sessions" yaml:"max_sessions"`                             // Default: 50. Override: SANDBOOKS_MAX_SESSIONS.
	DefaultTimeoutMs         int    `json:"default_timeout_ms" yaml:"default_timeout_ms"`                 // Default: 30000.
	MinTimeoutMs             int    `json:"min_timeout_ms" yaml:"min_timeout_ms"`                         // Default: 1000.
	MaxTimeoutMs             int    `json:"max_timeout_ms" yaml:"max_timeout_ms"`                         // Default: 300000.
	HomeDir                  string `json:"home_dir" yaml:"home_dir"`                                     // Default: /home/sandbox.
	SubscriberBuffer         int    `json:"subscriber_buffer" yaml:"subscriber_buffer"`                   // Default: 256.
}

// InactivityTimeout returns the idle timeout with a default of 30m.
func (t *TerminalConfig) InactivityTimeout() time.Duration {
	if t.InactivityTimeoutSeconds > 0 {
		return time.Duration(t.InactivityTimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// CleanupInterval returns the sweep interval with a default of 5m.
func (t *TerminalConfig) CleanupInterval() time.Duration {
	if t.CleanupIntervalSeconds > 0 {
		return time.Duration(t.CleanupIntervalSeconds) * time.Second
	}
	return 5 * time.Minute
}

// HeartbeatInterval returns the keep-alive interval with a default of 30s.
func (t *TerminalConfig) HeartbeatInterval() time.Duration {
	if t.HeartbeatIntervalSeconds > 0 {
		return time.Duration(t.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// HistoryLimit returns the per-session history cap with a default of 100.
func (t *TerminalConfig) HistoryLimit() int {
	if t.MaxHistory > 0 {
		return t.MaxHistory
	}
	return 100
}

// SessionLimit returns the concurrent session ceiling with a default of 50.
func (t *TerminalConfig) SessionLimit() int {
	if t.MaxSessions > 0 {
		return t.MaxSessions
	}
	return 50
}

// DefaultTimeout returns the command timeout used when a request has none.
func (t *TerminalConfig) DefaultTimeout() time.Duration {
	if t.DefaultTimeoutMs > 0 {
		return time.Duration(t.DefaultTimeoutMs) * time.Millisecond
	}
	return 30 * time.Second
}

// MinTimeout returns the smallest accepted command timeout.
func (t *TerminalConfig) MinTimeout() time.Duration {
	if t.MinTimeoutMs > 0 {
		return time.Duration(t.MinTimeoutMs) * time.Millisecond
	}
	return time.Second
}

// MaxTimeout returns the largest accepted command timeout.
func (t *TerminalConfig) MaxTimeout() time.Duration {
	if t.MaxTimeoutMs > 0 {
		return time.Duration(t.MaxTimeoutMs) * time.Millisecond
	}
	return 300 * time.Second
}

// SandboxConfig selects and tunes the sandbox backend.
type SandboxConfig struct {
	Type           string              `json:"type" yaml:"type"` // "process" (default) or "docker". Override: SANDBOOKS_SANDBOX_TYPE.
	RootDir        string              `json:"root_dir,omitempty" yaml:"root_dir,omitempty"`
	MaxCPUSeconds  int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`
	MaxMemoryMB    int                 `json:"max_memory_mb" yaml:"max_memory_mb"`
	NetworkAllowed bool                `json:"network_allowed" yaml:"network_allowed"`
	Docker         DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// SandboxType returns the backend name, defaulting to "process".
func (s *SandboxConfig) SandboxType() string {
	if s.Type != "" {
		return s.Type
	}
	return "process"
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image     string  `json:"image" yaml:"image"`           // Container image. Override: SANDBOOKS_DOCKER_IMAGE.
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`   // Docker --cpus flag (e.g. 0.5). 0 = 1.0 default.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"` // Docker --pids-limit flag. 0 = 64 default.
}

// StorageConfig configures the session journal backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "none".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
	// RetentionDays prunes destroyed sessions older than this many days. 0 = keep forever.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`
}

// Retention returns the journal retention window, or 0 when pruning is off.
func (s *StorageConfig) Retention() time.Duration {
	if s == nil || s.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/sandbooks.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: SANDBOOKS_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// GatewaysConfig defines which gateways are enabled. When the section is
// absent the HTTP gateway is enabled on :8080.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
	MCP       *MCPGatewayConfig       `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Override: SANDBOOKS_LISTEN_ADDR.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID. Empty = no auth.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	SSE                 *bool             `json:"sse,omitempty" yaml:"sse,omitempty"` // Stream endpoint. Default: enabled.
}

// SSEEnabled reports whether the event stream endpoint is mounted.
func (h *HTTPGatewayConfig) SSEEnabled() bool {
	return h.SSE == nil || *h.SSE
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the WebSocket subscriber transport.
type WebSocketGatewayConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"` // Origin patterns accepted on upgrade. Empty = same origin only.
	ReadLimitBytes int64    `json:"read_limit_bytes" yaml:"read_limit_bytes"`
}

// ReadLimit returns the inbound frame limit with a default of 64 KiB.
func (w *WebSocketGatewayConfig) ReadLimit() int64 {
	if w != nil && w.ReadLimitBytes > 0 {
		return w.ReadLimitBytes
	}
	return 64 << 10
}

// MCPGatewayConfig configures the MCP server mounted on the HTTP gateway.
type MCPGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/mcp".
	// RunWaitSeconds bounds how long the run tool waits for a command. Default: 120.
	RunWaitSeconds int `json:"run_wait_seconds" yaml:"run_wait_seconds"`
}

// MCPPath returns the mount path with a default of "/mcp".
func (m *MCPGatewayConfig) MCPPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/mcp"
}

// RunWait returns the run tool wait limit with a default of 120s.
func (m *MCPGatewayConfig) RunWait() time.Duration {
	if m != nil && m.RunWaitSeconds > 0 {
		return time.Duration(m.RunWaitSeconds) * time.Second
	}
	return 120 * time.Second
}

// RateLimitConfig configures per-key rate limiting for command submission.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sandbooks"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based detection of sandbox failures.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// DefaultConfigPath returns the default config file path (~/.sandbooks/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sandbooks.yaml"
	}
	return filepath.Join(home, ".sandbooks", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path, or a missing file at the default path, yields the defaults.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		switch {
		case err == nil:
			if err := decode(resolved, data, &cfg); err != nil {
				return nil, err
			}
		case os.IsNotExist(err) && path == DefaultConfigPath():
		default:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".sandbooks", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DataDir = goutils.Env("SANDBOOKS_DATA_DIR", c.DataDir)
	c.Log.Level = goutils.Env("SANDBOOKS_LOG_LEVEL", c.Log.Level)
	c.Sandbox.Type = goutils.Env("SANDBOOKS_SANDBOX_TYPE", c.Sandbox.Type)
	c.Sandbox.Docker.Image = goutils.Env("SANDBOOKS_DOCKER_IMAGE", c.Sandbox.Docker.Image)

	if v := os.Getenv("SANDBOOKS_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SANDBOOKS_MAX_SESSIONS: %w", err)
		}
		c.Terminal.MaxSessions = n
	}
	if addr := os.Getenv("SANDBOOKS_LISTEN_ADDR"); addr != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		c.Gateways.HTTP.ListenAddr = addr
	}
	if dsn := os.Getenv("SANDBOOKS_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// HTTPGateway returns the HTTP gateway settings. When no gateway is
// configured at all, HTTP is enabled with defaults.
func (c *Config) HTTPGateway() *HTTPGatewayConfig {
	if c.Gateways.HTTP != nil {
		return c.Gateways.HTTP
	}
	if c.Gateways.WebSocket == nil && c.Gateways.MCP == nil {
		return &HTTPGatewayConfig{Enabled: true}
	}
	return &HTTPGatewayConfig{}
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "sandbooks.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported (use debug, info, warn or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q is not supported (use json or text)", c.Log.Format)
	}

	t := &c.Terminal
	if t.InactivityTimeoutSeconds < 0 || t.CleanupIntervalSeconds < 0 || t.HeartbeatIntervalSeconds < 0 {
		return fmt.Errorf("terminal intervals must not be negative")
	}
	if t.MaxHistory < 0 {
		return fmt.Errorf("terminal.max_history must not be negative")
	}
	if t.MaxSessions < 0 {
		return fmt.Errorf("terminal.max_sessions must not be negative")
	}
	if t.CleanupInterval() >= t.InactivityTimeout() {
		return fmt.Errorf("terminal.cleanup_interval_seconds must be shorter than the inactivity timeout")
	}
	if t.MinTimeout() > t.MaxTimeout() {
		return fmt.Errorf("terminal.min_timeout_ms must not exceed max_timeout_ms")
	}
	if d := t.DefaultTimeout(); d < t.MinTimeout() || d > t.MaxTimeout() {
		return fmt.Errorf("terminal.default_timeout_ms must be within [min_timeout_ms, max_timeout_ms]")
	}

	switch c.Sandbox.SandboxType() {
	case "process", "docker":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}

	if c.Storage != nil && c.Storage.RetentionDays < 0 {
		return fmt.Errorf("storage.retention_days must not be negative")
	}
	switch c.StorageDriverName() {
	case "sqlite", "none":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
	}

	if ws := c.Gateways.WebSocket; ws != nil && ws.Enabled && !c.HTTPGateway().Enabled {
		return fmt.Errorf("gateways.websocket requires the http gateway")
	}
	if mcp := c.Gateways.MCP; mcp != nil && mcp.Enabled && !c.HTTPGateway().Enabled {
		return fmt.Errorf("gateways.mcp requires the http gateway")
	}
	if tr := c.tracing(); tr != nil && tr.Enabled {
		switch tr.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", tr.Protocol)
		}
		if tr.SampleRate < 0 || tr.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be within [0, 1]")
		}
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}
