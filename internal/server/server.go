// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"

	"github.com/mbd888/reservo/internal/arbitration"
	"github.com/mbd888/reservo/internal/auth"
	"github.com/mbd888/reservo/internal/circuitbreaker"
	"github.com/mbd888/reservo/internal/config"
	"github.com/mbd888/reservo/internal/health"
	"github.com/mbd888/reservo/internal/idgen"
	"github.com/mbd888/reservo/internal/listing"
	"github.com/mbd888/reservo/internal/logging"
	"github.com/mbd888/reservo/internal/metrics"
	"github.com/mbd888/reservo/internal/oracle"
	"github.com/mbd888/reservo/internal/ratelimit"
	"github.com/mbd888/reservo/internal/realtime"
	"github.com/mbd888/reservo/internal/reservation"
	"github.com/mbd888/reservo/internal/security"
	"github.com/mbd888/reservo/internal/traces"
	"github.com/mbd888/reservo/internal/validation"
	"github.com/mbd888/reservo/internal/vault"
)

// Version is reported by /health and the root info endpoint; cmd/server
// overrides it from ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	authMgr      *auth.Manager
	listings     *listing.Registry
	vault        *vault.Vault
	arbitrator   *arbitration.Arbitrator
	reservations *reservation.Service
	sweeper      *reservation.Timer
	feed         oracle.Feed // guarded: stale answers are errors
	ethClient    *ethclient.Client
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPriceFeed injects the upstream price feed instead of building one from
// config. It is still cached and guarded for staleness.
func WithPriceFeed(f oracle.Feed) Option {
	return func(s *Server) {
		s.feed = f
	}
}

// New wires storage, services and routes. Nothing listens until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	var (
		listingStore     listing.Store
		vaultStore       vault.Store
		disputeStore     arbitration.Store
		reservationStore reservation.Store
		authStore        auth.Store
	)

	// Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrate(ctx, db, cfg.MigrationsDir); err != nil {
				return nil, err
			}
			s.logger.Info("database migrations applied", "dir", cfg.MigrationsDir)
		}

		listingStore = listing.NewPostgresStore(db)
		vaultStore = vault.NewPostgresStore(db)
		disputeStore = arbitration.NewPostgresStore(db)
		reservationStore = reservation.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		listingStore = listing.NewMemoryStore()
		vaultStore = vault.NewMemoryStore()
		disputeStore = arbitration.NewMemoryStore()
		reservationStore = reservation.NewMemoryStore()
		authStore = auth.NewMemoryStore()
	}

	feed, err := s.buildPriceFeed(ctx)
	if err != nil {
		return nil, err
	}
	s.feed = feed

	s.authMgr = auth.NewManager(authStore)
	s.listings = listing.NewRegistry(listingStore)
	s.vault = vault.New(vaultStore)
	s.arbitrator = arbitration.New(disputeStore, cfg.ArbitratorAddress)
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.AllowedOrigins))

	s.reservations = reservation.NewService(reservationStore, s.listings, s.vault, s.arbitrator, reservation.Config{
		BillingUnit:        cfg.BillingUnit,
		DurationPolicy:     reservation.DurationPolicy(cfg.DurationPolicy),
		EnforceMaxDuration: cfg.EnforceMaxDuration,
	}).WithPriceFeed(s.feed).WithEvents(s.realtimeHub)

	if cfg.SettlementInterval > 0 {
		s.sweeper = reservation.NewTimer(s.reservations, cfg.SettlementInterval, s.logger)
	}

	s.logger.Info("reservation engine ready",
		"billing_unit", cfg.BillingUnit.String(),
		"duration_policy", cfg.DurationPolicy,
		"arbitrator", cfg.ArbitratorAddress,
		"settlement_interval", cfg.SettlementInterval.String(),
	)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("price_feed", health.PriceFeed(s.feed))
	if s.sweeper != nil {
		s.health.Register("settlement_sweeper", health.Sweeper(s.sweeper.Running))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// buildPriceFeed picks the upstream (injected, Chainlink, or static), then
// layers a TTL cache behind a circuit breaker and a staleness guard on top.
func (s *Server) buildPriceFeed(ctx context.Context) (oracle.Feed, error) {
	upstream := s.feed
	switch {
	case upstream != nil:
		s.logger.Info("using injected price feed")
	case s.cfg.PriceFeedAddress != "":
		client, err := ethclient.DialContext(ctx, s.cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial RPC: %w", err)
		}
		s.ethClient = client
		upstream = oracle.NewChainlinkFeed(client, common.HexToAddress(s.cfg.PriceFeedAddress)).
			WithRetry(3, 250*time.Millisecond)
		s.logger.Info("using Chainlink price feed", "aggregator", s.cfg.PriceFeedAddress)
	default:
		answer, ok := new(big.Int).SetString(s.cfg.StaticPrice, 10)
		if !ok {
			return nil, fmt.Errorf("invalid STATIC_PRICE %q", s.cfg.StaticPrice)
		}
		upstream = oracle.NewStaticFeed(answer, s.cfg.StaticPriceDecimals)
		s.logger.Info("using static price feed", "answer", s.cfg.StaticPrice, "decimals", s.cfg.StaticPriceDecimals)
	}

	breaker := circuitbreaker.New(5, 30*time.Second)
	cached := oracle.NewCachedFeed(upstream, s.cfg.PriceCacheTTL, breaker)
	return oracle.NewGuard(cached, s.cfg.MaxPriceAge), nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(security.RequestSizeMiddleware(security.DefaultMaxBodyBytes))

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(traces.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())

	// Resolve the caller before rate limiting so limits are per party.
	s.router.Use(auth.Middleware(s.authMgr))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream id (load balancer, client) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.WithPrefix("req_")
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
		if party := auth.GetAuthenticatedParty(c); party != "" {
			attrs = append(attrs, "party", party)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.health.Handler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	authHandler := auth.NewHandler(s.authMgr)
	listingHandler := listing.NewHandler(s.listings)
	reservationHandler := reservation.NewHandler(s.reservations)
	vaultHandler := vault.NewHandler(s.vault)
	arbitrationHandler := arbitration.NewHandler(s.arbitrator)
	oracleHandler := oracle.NewHandler(s.feed)

	authHandler.RegisterRoutes(v1)
	listingHandler.RegisterRoutes(v1)
	reservationHandler.RegisterRoutes(v1)
	vaultHandler.RegisterRoutes(v1)
	arbitrationHandler.RegisterRoutes(v1)
	oracleHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)
	listingHandler.RegisterProtectedRoutes(protected)
	reservationHandler.RegisterProtectedRoutes(protected)
	vaultHandler.RegisterProtectedRoutes(protected)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
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
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":           "reservo",
		"version":        Version,
		"storage":        storage,
		"arbitrator":     s.arbitrator.Address(),
		"billingUnit":    int64(s.cfg.BillingUnit / time.Second),
		"durationPolicy": s.cfg.DurationPolicy,
		"realtime":       s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, then blocks until a
// signal, ctx cancellation or a listener error.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.sweeper != nil {
		go s.sweeper.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("settlement sweeper stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace flush failed", "error", err)
		}
	}

	if s.ethClient != nil {
		s.ethClient.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, err)
		}
	}

	s.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Router returns the gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}
