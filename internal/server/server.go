// Package server wires the escrow, its ledgers and its collaborators behind
// one gin router.
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
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/steamtrader/internal/admin"
	"github.com/mbd888/steamtrader/internal/auth"
	"github.com/mbd888/steamtrader/internal/balance"
	"github.com/mbd888/steamtrader/internal/chain"
	"github.com/mbd888/steamtrader/internal/config"
	"github.com/mbd888/steamtrader/internal/events"
	"github.com/mbd888/steamtrader/internal/health"
	"github.com/mbd888/steamtrader/internal/logging"
	"github.com/mbd888/steamtrader/internal/metrics"
	"github.com/mbd888/steamtrader/internal/oracle"
	"github.com/mbd888/steamtrader/internal/ratelimit"
	"github.com/mbd888/steamtrader/internal/reconciliation"
	"github.com/mbd888/steamtrader/internal/requests"
	"github.com/mbd888/steamtrader/internal/security"
	"github.com/mbd888/steamtrader/internal/traces"
	"github.com/mbd888/steamtrader/internal/trade"
	"github.com/mbd888/steamtrader/internal/validation"
	"github.com/mbd888/steamtrader/internal/webhooks"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	logger *slog.Logger

	chain    *chain.Client // nil in dry-run mode
	loopback *oracle.Loopback
	bus      *events.RedisBus
	hub      *events.Hub
	webhooks *webhooks.Dispatcher
	hookRepo webhooks.Store

	trades   *trade.Service
	requests *requests.Ledger
	sweeper  *requests.Sweeper
	balances *balance.Ledger
	fees     *balance.FeeAccount
	authMgr  *auth.Manager

	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer

	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	loopbackDelay   time.Duration
	rateLimit       ratelimit.Config
	shutdownTracing func(context.Context) error

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

// WithLoopbackDelay sets how long the development oracle waits before
// answering. Ignored when ORACLE_URL is set.
func WithLoopbackDelay(d time.Duration) Option {
	return func(s *Server) {
		s.loopbackDelay = d
	}
}

// WithRateLimit overrides the per-client request budget.
func WithRateLimit(cfg ratelimit.Config) Option {
	return func(s *Server) {
		s.rateLimit = cfg
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		loopbackDelay: 2 * time.Second,
		rateLimit:     ratelimit.DefaultConfig(),
		health:        health.NewRegistry(3 * time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	var (
		tradeStore   trade.Store
		requestStore requests.Store
		balanceStore balance.Store
		authStore    auth.Store
		hookStore    webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		tradeStore = trade.NewPostgresStore(db)
		requestStore = requests.NewPostgresStore(db)
		balanceStore = balance.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		hookStore = webhooks.NewPostgresStore(db)
		s.health.Register(health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		tradeStore = trade.NewMemoryStore()
		requestStore = requests.NewMemoryStore()
		balanceStore = balance.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		hookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain: a signing wallet when configured, otherwise log-only transfers.
	var (
		payer  trade.MonetaryTransfer
		tokens balance.TokenLedger
	)
	if cfg.ChainEnabled() {
		c, err := chain.New(chain.Config{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
		}, chain.WithConfirmation(cfg.ConfirmTimeout, chain.ConfirmationPollInterval))
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chain = c
		payer, tokens = c, c
		s.health.Register(health.Ping("rpc", c))
		s.logger.Info("chain enabled", "escrow", c.Address(), "chainId", cfg.ChainID)
	} else {
		dry := chain.NewDryRun(s.logger)
		payer, tokens = dry, dry
		s.logger.Warn("no PRIVATE_KEY set, transfers are logged only")
	}

	// Events: the websocket hub and party webhooks always, redis when configured.
	s.hub = events.NewHub(s.logger)
	s.hookRepo = hookStore
	s.webhooks = webhooks.NewDispatcher(hookStore, s.logger)
	emitters := events.Fanout{s.hub, s.webhooks}
	if cfg.RedisURL != "" {
		bus, err := events.NewRedisBus(ctx, cfg.RedisURL, s.logger)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.bus = bus
		emitters = append(emitters, bus)
		s.health.Register(health.Ping("redis", bus))
		s.logger.Info("redis event bus enabled", "channel", events.DefaultChannel)
	}

	s.requests = requests.NewLedger(requestStore, cfg.RequestExpiry)
	s.sweeper = requests.NewSweeper(s.requests, cfg.SweepInterval, s.logger)
	s.balances = balance.NewLedger(balanceStore, tokens, s.logger)
	s.fees = balance.NewFeeAccount(balanceStore, cfg.PlatformOwner, payer, s.logger)
	s.authMgr = auth.NewManager(authStore)

	// Oracle: the external adapter when configured, otherwise answer locally.
	var orc trade.Oracle
	if cfg.OracleURL != "" {
		client := oracle.NewClient(cfg.OracleURL, cfg.OracleSecret, s.logger)
		orc = client
		s.health.Register(health.Ping("oracle", client))
		s.logger.Info("external oracle enabled", "url", cfg.OracleURL)
	} else {
		s.loopback = oracle.NewLoopback(cfg.OracleAuthority, s.loopbackDelay, s.logger)
		orc = s.loopback
		s.logger.Warn("no ORACLE_URL set, using loopback oracle (every item reported found)")
	}

	s.trades = trade.NewService(tradeStore, s.requests, s.balances, s.fees, orc, payer, trade.Config{
		FeePercent:      cfg.FeePercent,
		QueryCost:       cfg.QueryCost,
		OracleAuthority: cfg.OracleAuthority,
	}).WithEvents(emitters)
	if s.chain != nil {
		s.trades.WithVerifier(s.chain)
	}
	if s.loopback != nil {
		s.loopback.Bind(s.trades)
	}

	// Solvency is only checkable with a real wallet and a token to read.
	var tokenBalances reconciliation.TokenBalances
	escrowAddr := ""
	if s.chain != nil && cfg.TokenContract != "" {
		tokenBalances = s.chain
		escrowAddr = s.chain.Address()
	}
	s.reconciler = reconciliation.NewRunner(s.balances, tokenBalances, escrowAddr, s.requests)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, reconciliation.DefaultInterval, s.logger)

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
	// Request ID and logger first so everything after can log with them
	s.router.Use(s.requestIDMiddleware())

	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())

	// API keys resolve before rate limiting so parties are limited per key
	s.router.Use(auth.Middleware(s.authMgr))
	s.rateLimiter = ratelimit.New(s.rateLimit)
	s.router.Use(s.rateLimiter.Middleware())
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

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
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
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	tradeHandler := trade.NewHandler(s.trades, s.logger)
	balanceHandler := balance.NewHandler(s.balances, s.fees, s.logger)
	authHandler := auth.NewHandler(s.authMgr)

	tradeHandler.RegisterRoutes(v1)
	balanceHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	tradeHandler.RegisterProtectedRoutes(protected)
	balanceHandler.RegisterProtectedRoutes(protected)
	authHandler.RegisterRoutes(protected)
	webhooks.NewHandler(s.hookRepo, s.logger).RegisterRoutes(protected)

	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	authHandler.RegisterAdminRoutes(adminGroup)
	admin.NewHandler(s.requests, s.reconciler).RegisterRoutes(adminGroup)

	// Only the external adapter calls back; the loopback answers in-process.
	if s.cfg.OracleSecret != "" {
		oracle.NewHandler(s.trades, s.cfg.OracleAuthority, s.cfg.OracleSecret, s.logger).RegisterRoutes(v1)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
	s.health.Handler()(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	escrow := s.cfg.EscrowAddress
	if s.chain != nil {
		escrow = s.chain.Address()
	}
	oracleMode := "loopback"
	if s.cfg.OracleURL != "" {
		oracleMode = "external"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":           "steamtrader",
		"version":        Version,
		"chainId":        s.cfg.ChainID,
		"escrowAddress":  escrow,
		"tokenContract":  s.cfg.TokenContract,
		"feePercent":     s.cfg.FeePercent,
		"queryCost":      s.cfg.QueryCost,
		"requestExpiry":  int64(s.requests.Expiry().Seconds()),
		"oracle":         oracleMode,
		"realtime":       s.hub.Stats(),
		"platformOwner":  s.fees.Owner(),
		"dryRunTransfer": s.chain == nil,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves until ctx is cancelled or a component fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.sweeper.Run(gctx)
	})
	g.Go(func() error {
		return s.reconcileTimer.Run(gctx)
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the server. Safe to call once Run's context is
// done; Run calls it itself.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// Let in-flight loopback answers land before the stores go away
	if s.loopback != nil {
		s.loopback.Wait()
	}
	if s.webhooks != nil {
		s.webhooks.Wait()
	}
	if s.hub != nil {
		s.hub.Wait()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.chain != nil {
		if err := s.chain.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
	}
	s.closeDB()
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Trades exposes the escrow service for in-process callers and tests.
func (s *Server) Trades() *trade.Service {
	return s.trades
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
