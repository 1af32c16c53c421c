// Package server sets up the HTTP server with all routes
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
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pactline/pactline/internal/circuitbreaker"
	"github.com/pactline/pactline/internal/config"
	"github.com/pactline/pactline/internal/engagements"
	"github.com/pactline/pactline/internal/fees"
	"github.com/pactline/pactline/internal/logging"
	"github.com/pactline/pactline/internal/metrics"
	"github.com/pactline/pactline/internal/notify"
	"github.com/pactline/pactline/internal/offers"
	"github.com/pactline/pactline/internal/payments"
	"github.com/pactline/pactline/internal/ratelimit"
	"github.com/pactline/pactline/internal/realtime"
	"github.com/pactline/pactline/internal/security"
	"github.com/pactline/pactline/internal/traces"
	"github.com/pactline/pactline/internal/validation"
	"github.com/pactline/pactline/internal/webhooks"
)

// Circuit breaker defaults for the payment provider.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	offerService   *offers.Service
	sweeper        *offers.Sweeper
	engagements    *engagements.Service
	coordinator    *payments.Coordinator
	provider       payments.ProviderClient
	processor      *webhooks.Processor
	notifyStore    notify.Store
	dispatcher     *notify.Dispatcher
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithProvider sets a custom payment provider (for testing)
func WithProvider(p payments.ProviderClient) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	tracesShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesShutdown = tracesShutdown

	calc, err := fees.NewCalculator(cfg.PlatformFeeRatePercent)
	if err != nil {
		return nil, fmt.Errorf("invalid platform fee rate: %w", err)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		offerStore      offers.Store
		engagementStore engagements.Store
		paymentStore    payments.Store
		dedupStore      webhooks.DedupStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		offerStore = offers.NewPostgresStore(db)
		engagementStore = engagements.NewPostgresStore(db)
		paymentStore = payments.NewPostgresStore(db)
		dedupStore = webhooks.NewPostgresDedupStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		offerStore = offers.NewMemoryStore()
		engagementStore = engagements.NewMemoryStore()
		paymentStore = payments.NewMemoryStore()
		dedupStore = webhooks.NewMemoryDedupStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create payment provider if not injected
	if s.provider == nil {
		if cfg.StripeSecretKey == "" {
			s.logger.Warn("STRIPE_SECRET_KEY not set, provider calls will fail")
		}
		s.provider = payments.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	}

	// Outbound notifications
	s.dispatcher = notify.NewDispatcher(s.notifyStore).
		WithDefaultSecret(cfg.NotifySigningSecret)
	s.logger.Info("outbound notifications enabled")

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Engagements
	s.engagements = engagements.NewService(engagementStore, calc)

	// Escrow payment coordinator
	s.coordinator = payments.NewCoordinator(paymentStore, s.provider, s.engagements, calc).
		WithBreaker(circuitbreaker.New(breakerThreshold, breakerCooldown)).
		WithNotifier(s.dispatcher).
		WithEvents(s.realtimeHub).
		WithTimeout(time.Duration(cfg.ProviderTimeoutMs) * time.Millisecond).
		WithRetryMax(cfg.ProviderRetryMax)
	s.logger.Info("escrow payments enabled",
		"feeRatePercent", cfg.PlatformFeeRatePercent,
		"providerTimeoutMs", cfg.ProviderTimeoutMs,
	)

	// Offer lifecycle
	s.offerService = offers.NewService(offerStore, calc).
		WithEngagements(s.engagements).
		WithEscrow(s.coordinator).
		WithNotifier(s.dispatcher).
		WithEvents(s.realtimeHub).
		WithExpiration(time.Duration(cfg.OfferExpirationHours) * time.Hour).
		WithMaxCounterDepth(cfg.MaxCounterDepth)
	s.sweeper = offers.NewSweeper(s.offerService,
		time.Duration(cfg.SweepIntervalSeconds)*time.Second, s.logger)
	s.logger.Info("offer lifecycle enabled",
		"expirationHours", cfg.OfferExpirationHours,
		"maxCounterDepth", cfg.MaxCounterDepth,
	)

	// Inbound provider webhooks
	s.processor = webhooks.NewProcessor(s.provider, dedupStore, paymentStore, s.engagements).
		WithEvents(s.realtimeHub)

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting (Redis-backed when REDIS_URL is set)
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerWindow = s.cfg.RateLimitRPS
	var counters ratelimit.CounterStore
	if s.cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			s.logger.Warn("invalid REDIS_URL, rate limiting falls back to in-memory", "error", err)
			counters = ratelimit.NewMemoryStore()
		} else {
			counters = ratelimit.NewRedisStore(redis.NewClient(redisOpts))
			s.logger.Info("rate limiting backed by Redis")
		}
	} else {
		counters = ratelimit.NewMemoryStore()
	}
	s.rateLimiter = ratelimit.New(rlCfg, counters)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Provider webhooks live outside /v1: the signature is the
	// authentication, and providers do not send actor headers.
	webhooks.NewHandler(s.processor).RegisterRoutes(s.router)

	// V1 API group
	v1 := s.router.Group("/v1")
	offers.NewHandler(s.offerService).RegisterRoutes(v1)
	engagements.NewHandler(s.engagements).RegisterRoutes(v1)
	payments.NewHandler(s.coordinator).RegisterRoutes(v1)
	notify.NewHandler(s.notifyStore, s.dispatcher).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start offer expiration sweeper
	go s.sweeper.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop offer sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("offer sweeper stopped")
	}

	// Flush any buffered trace spans
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
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
