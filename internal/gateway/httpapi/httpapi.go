// Package httpapi implements the HTTP API gateway for Sandbooks.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison),
//     via the Authorization header or a token query parameter for EventSource clients
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting of command submission via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahutanu/sandbooks.space-sub000/internal/observability"
	"github.com/ahutanu/sandbooks.space-sub000/internal/ratelimit"
	"github.com/ahutanu/sandbooks.space-sub000/internal/storage"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
	"github.com/jkaninda/okapi"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	anonymousUser         = "anonymous"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping. Empty = authentication disabled.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Sessions is the session manager surface the gateway exposes.
type Sessions interface {
	CreateSession(ctx context.Context) (*terminal.Session, error)
	GetSession(id string) (*terminal.Session, error)
	ListSessions() []terminal.Session
	DestroySession(ctx context.Context, id string) error
	SubmitCommand(ctx context.Context, id string, req terminal.CommandRequest) (string, error)
	Subscribe(id string, sink terminal.Sink) (*terminal.Subscriber, error)
	CleanupInactiveSessions(ctx context.Context) terminal.CleanupResult
	Stats() terminal.Stats
	Config() terminal.Config
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	sessions Sessions
	journal  storage.Store // nil = journal endpoint disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server
	now      func() time.Time

	// Streaming support.
	sseEnabled bool

	// Extra handlers mounted on the HTTP mux (WebSocket, MCP).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	methods []string
	handler http.Handler
	public  bool
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sessions Sessions, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:     cfg,
		sessions:   sessions,
		limiter:    rl,
		logger:     logger,
		now:        time.Now,
		sseEnabled: true,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// WithJournal exposes the session journal at /v1/sessions/{id}/journal.
func (g *Gateway) WithJournal(store storage.Store) *Gateway {
	g.journal = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sandbooks Terminal",
			Version: "v1",
		},
	)
	return g
}

// WithSSE toggles the event stream endpoint. Enabled by default.
func (g *Gateway) WithSSE(enabled bool) *Gateway {
	g.sseEnabled = enabled
	return g
}

// WithHandler mounts an authenticated handler at pattern for the given
// methods (GET when none are given).
func (g *Gateway) WithHandler(pattern string, handler http.Handler, methods ...string) *Gateway {
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, methods: methods, handler: handler})
	return g
}

// WithPublicHandler mounts a handler that performs its own authentication.
func (g *Gateway) WithPublicHandler(pattern string, handler http.Handler, methods ...string) *Gateway {
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, methods: methods, handler: handler, public: true})
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	maxBody := g.config.maxRequestSize()
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBody)
			}
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.registerRoutes()

	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams clear their own write deadline.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

func (g *Gateway) registerRoutes() {
	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/sessions", g.handleCreateSession,
		okapi.DocSummary("Create a terminal session with a dedicated sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(http.StatusCreated, CreateSessionResponse{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleListSessions,
		okapi.DocSummary("List live sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]SessionResponse{}),
	)
	g.group.Get("/sessions/{id}", g.handleGetSession,
		okapi.DocSummary("Get a session with its command history"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleDestroySession,
		okapi.DocSummary("Destroy a session and its sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(DestroySessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/commands", g.handleSubmitCommand,
		okapi.DocSummary("Submit a command; output arrives on the event stream"),
		okapi.DocTags("Commands"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(terminal.CommandRequest{}),
		okapi.DocResponse(http.StatusAccepted, SubmitCommandResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/stats", g.handleStats,
		okapi.DocSummary("Session manager statistics"),
		okapi.DocTags("Admin"),
		okapi.DocResponse(terminal.Stats{}),
	)
	g.group.Post("/cleanup", g.handleCleanup,
		okapi.DocSummary("Destroy sessions idle past the inactivity timeout"),
		okapi.DocTags("Admin"),
		okapi.DocResponse(terminal.CleanupResult{}),
	)
	if g.journal != nil {
		g.group.Get("/sessions/{id}/journal", g.handleJournal,
			okapi.DocSummary("Read the persisted journal of a session, live or destroyed"),
			okapi.DocTags("Sessions"),
			okapi.DocPathParam("id", "string", "Session ID"),
			okapi.DocResponse(JournalResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// The event stream writes to the raw ResponseWriter.
	if g.sseEnabled {
		g.okapi.HandleStd(http.MethodGet, "/v1/sessions/{id}/stream", g.requireAuth(http.HandlerFunc(g.handleStream)).ServeHTTP)
	}

	for _, er := range g.extraRoutes {
		h := er.handler
		if !er.public {
			h = g.requireAuth(h)
		}
		for _, method := range er.methods {
			g.okapi.HandleStd(method, er.pattern, h.ServeHTTP)
		}
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd(http.MethodGet, path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// Authenticate resolves the user for r from a bearer token or the token
// query parameter. With no API keys configured every caller is anonymous.
func (g *Gateway) Authenticate(r *http.Request) (string, bool) {
	if len(g.config.APIKeys) == 0 {
		return anonymousUser, true
	}
	apiKey, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		apiKey = r.URL.Query().Get("token")
	}
	if apiKey == "" {
		return "", false
	}

	userID := ""
	for key, user := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

// authenticate is the okapi middleware for the /v1 group.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, ok := g.Authenticate(c.Request())
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// requireAuth guards raw handlers mounted outside the okapi group.
func (g *Gateway) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.Authenticate(r); !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "missing or invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
