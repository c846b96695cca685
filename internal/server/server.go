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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/kverko/fiatswap/internal/arbitration"
	"github.com/kverko/fiatswap/internal/auth"
	"github.com/kverko/fiatswap/internal/config"
	"github.com/kverko/fiatswap/internal/custody"
	"github.com/kverko/fiatswap/internal/fees"
	"github.com/kverko/fiatswap/internal/health"
	"github.com/kverko/fiatswap/internal/logging"
	"github.com/kverko/fiatswap/internal/metrics"
	"github.com/kverko/fiatswap/internal/offer"
	"github.com/kverko/fiatswap/internal/oracle"
	"github.com/kverko/fiatswap/internal/ratelimit"
	"github.com/kverko/fiatswap/internal/realtime"
	"github.com/kverko/fiatswap/internal/reputation"
	"github.com/kverko/fiatswap/internal/security"
	"github.com/kverko/fiatswap/internal/traces"
	"github.com/kverko/fiatswap/internal/trade"
	"github.com/kverko/fiatswap/internal/transport"
	"github.com/kverko/fiatswap/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	authMgr      *auth.Manager
	offers       *offer.Service
	ledger       *custody.Ledger
	arbitrators  *arbitration.Service
	trades       *trade.Service
	sweeper      *trade.Sweeper
	dispatcher   *transport.Dispatcher
	quotes       *oracle.StaticSource
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	shutdownOTel func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		offerStore   offer.Store
		tradeStore   trade.Store
		custodyStore custody.Store
		arbRegistry  arbitration.Registry
		seenStore    transport.SeenStore
		authStore    auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		offerStore = offer.NewPostgresStore(db)
		tradeStore = trade.NewPostgresStore(db)
		custodyStore = custody.NewPostgresStore(db)
		arbRegistry = arbitration.NewPostgresRegistry(db)
		seenStore = transport.NewPostgresSeen(db)

		pgAuth := auth.NewPostgresStore(db)
		if err := pgAuth.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate auth schema: %w", err)
		}
		authStore = pgAuth

		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		offerStore = offer.NewMemoryStore()
		tradeStore = trade.NewMemoryStore()
		custodyStore = custody.NewMemoryStore()
		arbRegistry = arbitration.NewMemoryRegistry()
		seenStore = transport.NewMemorySeen()
		authStore = auth.NewMemoryStore()
		s.logger.Warn("using in-memory storage, data will not persist")
	}

	s.authMgr = auth.NewManager(authStore)
	s.offers = offer.NewService(offerStore)
	s.ledger = custody.NewLedger(custodyStore, nil, s.logger)

	// Arbitrator selection: verifiable draws when a VRF key is configured,
	// pseudo-random fallback otherwise.
	var source arbitration.RandomSource
	if cfg.VRFPrivateKey != "" {
		vrf, err := arbitration.NewVRFSource(cfg.VRFPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid VRF key: %w", err)
		}
		source = vrf
		s.logger.Info("verifiable arbitrator selection enabled", "pubKey", vrf.PublicKeyHex())
	} else {
		s.logger.Warn("no VRF key configured, arbitrator selection uses fallback randomness")
	}
	s.arbitrators = arbitration.NewService(arbRegistry, source, s.logger)

	s.quotes = oracle.NewStaticSource()
	s.realtimeHub = realtime.NewHub(s.logger)

	feeCfg := fees.Config{
		BurnBps:        cfg.BurnFeeBps,
		ChainBps:       cfg.ChainFeeBps,
		WarchestBps:    cfg.WarchestFeeBps,
		ConversionBps:  cfg.ConversionFeeBps,
		ArbitrationBps: cfg.ArbitrationFeeBps,
		MaxTotalBps:    cfg.MaxTotalFeeBps,
	}
	if err := feeCfg.Validate(); err != nil {
		return nil, fmt.Errorf("fee configuration: %w", err)
	}

	s.trades = trade.NewService(trade.Config{
		Fees: feeCfg,
		FeeRecipients: trade.FeeRecipients{
			Burn:       cfg.BurnAddress,
			Chain:      cfg.ChainFeeAddress,
			Warchest:   cfg.WarchestAddress,
			Conversion: cfg.ConversionAddress,
		},
		DefaultExpiry: cfg.TradeExpiry,
		MinExpiry:     cfg.MinExpiry,
		MaxExpiry:     cfg.MaxExpiry,
		DisputeWindow: cfg.DisputeWindow,
		QuoteMaxAge:   cfg.QuoteMaxAge,
	}, tradeStore, s.offers, s.ledger, s.arbitrators, s.quotes, s.logger).
		WithNotifier(reputation.NewRecorder()).
		WithEvents(realtime.NewTradeEvents(s.realtimeHub))

	s.sweeper = trade.NewSweeper(s.trades, tradeStore, s.logger).WithInterval(cfg.SweepInterval)
	s.dispatcher = transport.NewDispatcher(s.trades, seenStore, s.logger)

	s.checks = health.NewRegistry()
	s.checks.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})
	// A stopped sweeper is reported but not fatal: expiry is evaluated
	// lazily on every transition, the sweeper only tidies up.
	s.checks.Register("sweeper", func(ctx context.Context) health.Status {
		if s.sweeper != nil && s.sweeper.Running() {
			return health.Status{Name: "sweeper", Healthy: true}
		}
		return health.Status{Name: "sweeper", Healthy: true, Detail: "stopped"}
	})

	// Tracing (no-op when OTLP_ENDPOINT is unset)
	shutdownOTel, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownOTel = shutdownOTel

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

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

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	offerHandler := offer.NewHandler(s.offers)
	tradeHandler := trade.NewHandler(s.trades)
	custodyHandler := custody.NewHandler(s.ledger)
	arbHandler := arbitration.NewHandler(s.arbitrators)
	authHandler := auth.NewHandler(s.authMgr)

	// Public API
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr)) // attaches identity when a key is present
	{
		v1.POST("/parties/register", s.registerPartyWithAPIKey)
		v1.GET("/auth/info", authHandler.Info)

		offerHandler.RegisterRoutes(v1)
		tradeHandler.RegisterRoutes(v1)
		custodyHandler.RegisterRoutes(v1)
		arbHandler.RegisterRoutes(v1)
	}

	// Protected API
	protected := s.router.Group("/v1")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		offerHandler.RegisterProtectedRoutes(protected)
		tradeHandler.RegisterProtectedRoutes(protected)
		custodyHandler.RegisterProtectedRoutes(protected)
		arbHandler.RegisterProtectedRoutes(protected)

		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.GET("/auth/me", authHandler.GetCurrentParty)
	}
}

// registerPartyWithAPIKey handles POST /v1/parties/register. A party
// declares its address once and receives the API key used for every
// authenticated call afterwards.
func (s *Server) registerPartyWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Address string `json:"address" binding:"required"`
		Name    string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}
	req.Name = validation.SanitizeString(req.Name, 200)
	if req.Name == "" {
		req.Name = "Primary key"
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, req.Address, req.Name)
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register party",
		})
		return
	}

	s.logger.Info("party registered with API key",
		"address", req.Address,
		"keyId", keyInfo.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"address": keyInfo.PartyAddr,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	if !s.healthy.Load() {
		healthy = false
	}

	status := http.StatusOK
	statusText := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusText = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":    statusText,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if s.healthy.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dead"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if s.ready.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
	go s.sweeper.Start(runCtx)

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("expiry sweeper stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

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

// Router returns the gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Quotes returns the in-process quote source so operators can seed prices.
func (s *Server) Quotes() *oracle.StaticSource {
	return s.quotes
}

// Dispatcher returns the inbound cross-chain message dispatcher.
func (s *Server) Dispatcher() *transport.Dispatcher {
	return s.dispatcher
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
