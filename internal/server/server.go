// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/preflight/internal/apierror"
	"github.com/mbd888/preflight/internal/circuitbreaker"
	"github.com/mbd888/preflight/internal/config"
	"github.com/mbd888/preflight/internal/health"
	"github.com/mbd888/preflight/internal/logging"
	"github.com/mbd888/preflight/internal/metrics"
	"github.com/mbd888/preflight/internal/netmon"
	"github.com/mbd888/preflight/internal/preflight"
	"github.com/mbd888/preflight/internal/ratelimit"
	"github.com/mbd888/preflight/internal/rules"
	"github.com/mbd888/preflight/internal/security"
	"github.com/mbd888/preflight/internal/simulate"
	"github.com/mbd888/preflight/internal/snapshots"
	"github.com/mbd888/preflight/internal/solrpc"
	"github.com/mbd888/preflight/internal/validation"
	"github.com/mbd888/preflight/migrations"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        snapshots.Store
	storeName    string
	ping         func(ctx context.Context) error
	closeStore   func() error
	db           *sql.DB // nil when using in-memory
	dialer       solrpc.Dialer
	service      *preflight.Service
	worker       *netmon.Worker
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore injects a store instead of opening one from config (for testing)
func WithStore(store snapshots.Store) Option {
	return func(s *Server) {
		s.store = store
		s.storeName = "injected"
	}
}

// WithDialer replaces the Solana RPC dialer used by the simulator and worker
func WithDialer(d solrpc.Dialer) Option {
	return func(s *Server) {
		s.dialer = d
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing the listener
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		dialer:     solrpc.DefaultDialer,
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}
	if s.ping == nil {
		s.ping = func(context.Context) error { return nil }
	}

	endpoints := cfg.RPCURLs()
	// Observation only: endpoints are always walked in configured order.
	breaker := circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration)
	sim := simulate.New(endpoints, logging.Component(s.logger, "simulate"),
		simulate.WithDialer(s.dialer),
		simulate.WithBreaker(breaker),
	)
	engine := rules.NewEngine(thresholds(cfg))
	s.service = preflight.NewService(sim, s.store, engine, cfg.StaleAfter(), logging.Component(s.logger, "preflight"))
	s.worker = netmon.NewWorker(s.store, endpoints, cfg.WorkerInterval,
		logging.Component(s.logger, "netmon"), netmon.WithDialer(s.dialer), netmon.WithBreaker(breaker))

	s.health = health.NewRegistry()
	s.health.Register("store", health.PingChecker("store", s.ping))
	s.health.Register("worker", health.WorkerChecker(s.worker.Running))
	s.health.Register("snapshot", health.SnapshotChecker(s.store, cfg.StaleAfter(), time.Now))
	s.health.Register("rpc_circuits", health.CircuitChecker(func() []string {
		return breaker.OpenEndpoints(endpoints)
	}))

	s.logger.Info("rule engine configured",
		"rule_set_version", rules.RuleSetVersion,
		"endpoints", len(endpoints),
		"blacklist_size", len(cfg.ProgramBlacklist),
		"stale_after", cfg.StaleAfter(),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStore selects PostgreSQL when DATABASE_URL is set, SQLite when
// SQLITE_PATH is set, and memory otherwise.
func (s *Server) openStore(ctx context.Context) error {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if s.cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				s.logger.Warn("failed to apply migrations", "error", err)
			}
		}

		s.db = db
		s.store = snapshots.NewPostgresStore(db)
		s.storeName = "postgres"
		s.ping = db.PingContext
		s.closeStore = db.Close
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	case s.cfg.SQLitePath != "":
		store, err := snapshots.OpenSQLite(ctx, s.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite: %w", err)
		}
		s.db = store.DB()
		s.store = store
		s.storeName = "sqlite"
		s.ping = store.Ping
		s.closeStore = store.Close
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath)

	default:
		s.store = snapshots.NewMemoryStore()
		s.storeName = "memory"
		s.logger.Warn("using in-memory storage; snapshots and logs are lost on restart")
	}
	return nil
}

func thresholds(cfg *config.Config) rules.Thresholds {
	return rules.Thresholds{
		MinSOLBuffer:        cfg.MinSOLBuffer,
		FeeSpikeMultiplier:  cfg.FeeSpikeMultiplier,
		RPCErrorRateMax:     cfg.RPCErrorRateMax,
		RPCP95MsMax:         cfg.RPCP95MsMax,
		TrendRatioThreshold: cfg.TrendRatioThreshold,
		ProgramBlacklist:    cfg.ProgramBlacklist,
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		ctx := c.Request.Context()
		logging.L(ctx).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		apierror.Abort(c, apierror.New(apierror.CodeInternal, "An unexpected error occurred", logging.RequestID(ctx)))
	}))

	// Request ID and logging come first so every later rejection is traced
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (64KiB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	preflight.NewHandler(s.service, s.cfg.InternalSecret).RegisterRoutes(s.router.Group(""))

	s.router.NoRoute(func(c *gin.Context) {
		apierror.Abort(c, apierror.New(apierror.CodeNotFound, "Route not found", logging.RequestID(c.Request.Context())))
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Store     string          `json:"store"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// healthHandler always answers 200; degraded subsystems are reported, not
// failed, so uptime probes keep working while the worker warms up.
func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "ok"
	if !healthy {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:    status,
		Version:   Version,
		Store:     s.storeName,
		Checks:    checks,
		Timestamp: snapshots.FormatTime(time.Now()),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), health.DefaultCheckTimeout)
	defer cancel()
	if err := s.ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the health worker with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.Network,
			"store", s.storeName,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.worker.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.worker.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.closeStore != nil {
		if err := s.closeStore(); err != nil {
			s.logger.Error("store close error", "error", err)
		} else {
			s.logger.Info("store closed", "store", s.storeName)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the preflight service
func (s *Server) Service() *preflight.Service {
	return s.service
}

// Worker returns the health worker
func (s *Server) Worker() *netmon.Worker {
	return s.worker
}
