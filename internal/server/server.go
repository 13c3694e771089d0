// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sessionguard/internal/config"
	"github.com/mbd888/sessionguard/internal/enforce"
	"github.com/mbd888/sessionguard/internal/kv"
	"github.com/mbd888/sessionguard/internal/logging"
	"github.com/mbd888/sessionguard/internal/metrics"
	"github.com/mbd888/sessionguard/internal/policy"
	"github.com/mbd888/sessionguard/internal/ratelimit"
	"github.com/mbd888/sessionguard/internal/realtime"
	"github.com/mbd888/sessionguard/internal/risk"
	"github.com/mbd888/sessionguard/internal/security"
	"github.com/mbd888/sessionguard/internal/session"
	"github.com/mbd888/sessionguard/internal/token"
	"github.com/mbd888/sessionguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        kv.Store
	registry     *session.Registry
	scorer       *risk.Scorer
	grace        *policy.Grace
	decider      *policy.Decider
	issuer       *token.JWTIssuer
	guard        *token.Guard
	enforcer     *enforce.Service
	hub          *realtime.Hub
	verifier     enforce.PasswordVerifier
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithPasswordVerifier swaps the re-auth credential check (for testing, or
// to delegate to an external identity provider)
func WithPasswordVerifier(v enforce.PasswordVerifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithStore sets a custom backing store (for testing)
func WithStore(store kv.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set store/verifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		s.store = kv.NewMemoryStore().WithSessionTTL(cfg.SessionTTL)
		s.logger.Info("using in-memory ephemeral store", "session_ttl", cfg.SessionTTL)
	}
	if s.verifier == nil {
		s.verifier = &configVerifier{users: cfg.Users(), permissive: cfg.IsDevelopment()}
	}

	s.registry = session.NewRegistry(s.store, s.logger)
	s.scorer = risk.NewScorer(s.store, s.registry, s.logger).WithHomeCountry(cfg.HomeCountry)
	s.grace = policy.NewGrace(s.store)
	s.decider = policy.NewDecider(s.grace, s.logger)
	s.issuer = token.NewJWTIssuer([]byte(cfg.JWTSecret)).WithTTLs(cfg.AccessTTL, cfg.RefreshTTL)
	s.guard = token.NewGuard(s.store, s.issuer, s.decider, s.scorer, s.logger)
	s.hub = realtime.NewHub(s.logger)
	s.enforcer = enforce.NewService(
		s.registry, s.scorer, s.decider, s.grace,
		s.guard, s.hub, s.verifier, s.store, s.logger,
	)

	// Close the loops: client messages reach enforcement, replays escalate.
	s.hub.SetHandler(s.enforcer)
	s.guard.WithReplayListener(s.enforcer)

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

// configVerifier checks passwords against the config user table. In
// development with no table configured, any non-empty password passes.
type configVerifier struct {
	users      map[string]string
	permissive bool
}

func (v *configVerifier) VerifyPassword(userID, password string) bool {
	if password == "" {
		return false
	}
	expected, ok := v.users[userID]
	if !ok {
		return v.permissive && len(v.users) == 0
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
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

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket endpoints: one for end-user applications, one for the
	// observer dashboard feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/observer", func(c *gin.Context) {
		s.hub.HandleObserver(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :user_id/:session_id URL params on all v1 routes (no-op when absent)
	v1.Use(validation.IDParamsMiddleware())

	// Auth lifecycle
	v1.POST("/auth/login", s.loginHandler)
	v1.POST("/auth/refresh", s.refreshHandler)
	v1.POST("/auth/revoke", s.revokeHandler)
	v1.POST("/auth/global-revoke", s.globalRevokeHandler)

	// Session inspection
	sessionHandler := session.NewHandler(s.registry)
	v1.GET("/users/:user_id/sessions", sessionHandler.List)

	// Operator risk override
	riskHandler := risk.NewHandler(s.scorer)
	v1.POST("/users/:user_id/sessions/:session_id/risk", riskHandler.Override)

	// Hub statistics (observability)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
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

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	// Round-trip the backing store
	if err := s.store.Set(ctx, "health:ping", "1", time.Second); err != nil {
		checks["store"] = "unhealthy"
	} else if _, err := s.store.Get(ctx, "health:ping"); err != nil {
		checks["store"] = "unhealthy"
	} else {
		checks["store"] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Sessionguard",
		"description": "Continuous session trust evaluation and enforcement",
		"version":     "0.1.0",
	})
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
	go s.hub.Run(runCtx)

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

	// Cancel the context for background goroutines (hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the realtime hub for testing
func (s *Server) Hub() *realtime.Hub {
	return s.hub
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
