// Package server wires the brokerage services into an HTTP server
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/authorityx/internal/auth"
	"github.com/mbd888/authorityx/internal/circuitbreaker"
	"github.com/mbd888/authorityx/internal/clock"
	"github.com/mbd888/authorityx/internal/config"
	"github.com/mbd888/authorityx/internal/disputes"
	"github.com/mbd888/authorityx/internal/escrow"
	"github.com/mbd888/authorityx/internal/gateway"
	"github.com/mbd888/authorityx/internal/health"
	"github.com/mbd888/authorityx/internal/ledger"
	"github.com/mbd888/authorityx/internal/logging"
	"github.com/mbd888/authorityx/internal/metrics"
	"github.com/mbd888/authorityx/internal/notify"
	"github.com/mbd888/authorityx/internal/offers"
	"github.com/mbd888/authorityx/internal/premium"
	"github.com/mbd888/authorityx/internal/ratelimit"
	"github.com/mbd888/authorityx/internal/security"
	"github.com/mbd888/authorityx/internal/sessions"
	"github.com/mbd888/authorityx/internal/store"
	"github.com/mbd888/authorityx/internal/store/memory"
	"github.com/mbd888/authorityx/internal/store/postgres"
	"github.com/mbd888/authorityx/internal/traces"
)

// Version is reported by the health endpoint and trace resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *slog.Logger

	store    store.Store
	db       *sql.DB       // nil if using in-memory
	redis    *redis.Client // nil without REDIS_URL
	queue    *asynq.Client
	sessions sessions.Store

	dispatcher *notify.Dispatcher
	hub        *notify.Hub

	ledger   *ledger.Ledger
	escrow   *escrow.Engine
	offers   *offers.Service
	premium  *premium.Service
	disputes *disputes.Service
	sweeper  *disputes.Sweeper

	limiter *ratelimit.Limiter
	checks  *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownDelay time.Duration

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

// WithClock sets the clock used by every service (for testing)
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithStore sets the storage backend, bypassing DATABASE_URL (for testing)
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithSessions sets the session store, bypassing REDIS_URL (for testing)
func WithSessions(st sessions.Store) Option {
	return func(s *Server) {
		s.sessions = st
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		clock:         clock.Real{},
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:        health.NewRegistry(),
		shutdownDelay: 5 * time.Second,
	}

	// Apply options first (may set logger/store/sessions)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.setupStorage(ctx); err != nil {
		s.close()
		return nil, err
	}
	if err := s.setupRedis(ctx); err != nil {
		s.close()
		return nil, err
	}
	s.setupNotifications()
	s.setupServices()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage selects Postgres when DATABASE_URL is set, otherwise the
// in-memory store.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.store != nil {
		s.logger.Info("using injected storage")
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = memory.New()
		s.logger.Warn("using in-memory storage; data is lost on restart")
		return nil
	}

	db, err := postgres.Open(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db

	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.store = postgres.New(db)
	s.checks.Register("database", db.PingContext)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupRedis connects Redis for sessions and notifications when REDIS_URL
// is set.
func (s *Server) setupRedis(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		if s.sessions == nil {
			s.sessions = sessions.NewMemoryStore()
			s.logger.Warn("using in-memory session tracking; revocation is local to this instance")
		}
		return nil
	}

	client, err := sessions.Connect(ctx, s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.checks.Register("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})

	if s.sessions == nil {
		s.sessions = sessions.NewRedisStore(client, sessions.DefaultTTL)
	}
	s.logger.Info("using Redis", "url", maskDSN(s.cfg.RedisURL))
	return nil
}

// setupNotifications builds the post-commit delivery path. Without Redis
// notifications go straight to the local hub. With Redis they are queued
// for the worker, or published for every instance when queueing is off.
func (s *Server) setupNotifications() {
	s.hub = notify.NewHub(s.logger)
	breaker := circuitbreaker.New(5, 30*time.Second, s.clock)

	var sinks []notify.Sink
	switch {
	case s.redis == nil:
		sinks = append(sinks, notify.LogSink{Logger: s.logger}, s.hub)
	case s.cfg.NotifyQueue:
		s.queue = asynq.NewClient(notify.RedisOpt(s.redis))
		sinks = append(sinks, notify.Guard(notify.NewQueueSink(s.queue), breaker))
		s.logger.Info("notifications queued for worker", "queue", notify.QueueName)
	default:
		sinks = append(sinks,
			notify.LogSink{Logger: s.logger},
			notify.Guard(notify.NewPubSubSink(s.redis, notify.DefaultChannel), breaker))
	}
	s.dispatcher = notify.NewDispatcher(s.logger, sinks...)
}

func (s *Server) setupServices() {
	s.ledger = ledger.New(s.store, s.clock)

	s.escrow = escrow.NewEngine(s.store, escrow.Config{
		DepositPct: s.cfg.DepositPct,
		MinDeposit: s.cfg.MinDeposit,
		MaxDeposit: s.cfg.MaxDeposit,
		FeePct:     s.cfg.PlatformFeePct,
	}, s.clock).WithNotifier(s.dispatcher)

	s.offers = offers.NewService(s.store, s.escrow, s.clock).WithNotifier(s.dispatcher)

	s.premium = premium.NewService(s.store, s.ledger, premium.Config{
		FastTiers:    s.cfg.PremiumFastTiers,
		BlockedTiers: s.cfg.PremiumBlockedTiers,
	}, s.clock).WithNotifier(s.dispatcher)

	s.disputes = disputes.NewService(s.store, s.sessions, s.clock, s.cfg.DisputeAutoUnblock).
		WithNotifier(s.dispatcher)
	s.sweeper = disputes.NewSweeper(s.disputes, s.cfg.DisputeSweepInterval, s.logger)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
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
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.BodyLimitMiddleware(security.MaxBodyBytes))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Identity, then per-caller rate limits
	s.router.Use(auth.Middleware(s.cfg.AdminSecret))
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		Burst:             s.cfg.RateLimitPerMinute / 4,
	})
	s.router.Use(s.limiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Payment provider webhooks authenticate by signature, not user identity
	gateway.NewHandler(s.escrow, s.cfg.StripeWebhookSecret).RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrow)
	offersHandler := offers.NewHandler(s.offers)
	premiumHandler := premium.NewHandler(s.premium)
	disputesHandler := disputes.NewHandler(s.disputes)
	ledgerHandler := ledger.NewHandler(s.ledger)

	user := v1.Group("")
	user.Use(auth.RequireAuth(), sessions.Middleware(s.sessions))
	{
		offersHandler.RegisterRoutes(user)
		escrowHandler.RegisterRoutes(user)
		premiumHandler.RegisterRoutes(user)
		disputesHandler.RegisterRoutes(user)
		ledgerHandler.RegisterRoutes(user)
		user.GET("/ws", s.hub.HandleWebSocket)
	}

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(), sessions.Middleware(s.sessions))
	{
		escrowHandler.RegisterAdminRoutes(admin)
		premiumHandler.RegisterAdminRoutes(admin)
		disputesHandler.RegisterAdminRoutes(admin)
		ledgerHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks,omitempty"`
	Sweeper   bool            `json:"sweeperRunning"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
		Checks:    statuses,
		Sweeper:   s.sweeper.Running(),
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
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
	if healthy, statuses := s.checks.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// startBackground launches the hub, the dispute sweeper, the Redis relay
// and the pool stats collector.
func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.sweeper.Start(ctx)

	// Queued or published notifications come back over pub/sub for the
	// users connected to this instance.
	if s.redis != nil {
		go notify.Relay(ctx, s.redis, notify.DefaultChannel, s.hub, s.logger)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel the context for all background goroutines (hub, sweeper, relay)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()
	s.logger.Info("dispute sweeper stopped")

	// In-flight notifications are delivered before their sinks close
	s.dispatcher.Wait()

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Warn("tracing shutdown error", "error", err)
	}

	s.close()
	s.logger.Info("server stopped")
	return shutdownErr
}

// close releases connections opened by New.
func (s *Server) close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Error("queue client close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
