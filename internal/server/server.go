// Package server sets up the HTTP server with all routes.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/crewledger/crewledger/internal/catalog"
	"github.com/crewledger/crewledger/internal/config"
	"github.com/crewledger/crewledger/internal/escrow"
	"github.com/crewledger/crewledger/internal/health"
	"github.com/crewledger/crewledger/internal/idgen"
	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/logging"
	"github.com/crewledger/crewledger/internal/metrics"
	"github.com/crewledger/crewledger/internal/notify"
	"github.com/crewledger/crewledger/internal/payments"
	"github.com/crewledger/crewledger/internal/realtime"
	"github.com/crewledger/crewledger/internal/recharge"
	"github.com/crewledger/crewledger/internal/traces"
	"github.com/crewledger/crewledger/internal/unlock"
	"github.com/crewledger/crewledger/internal/validation"
	"github.com/crewledger/crewledger/internal/withdrawal"
)

// DefaultUnlockTokens is the token cost of one contact unlock.
const DefaultUnlockTokens = 2

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg *config.Config

	db           *sql.DB // nil in demo mode
	ledgerStore  ledger.Store
	catalogStore catalog.Store
	gateway      payments.Authority

	ledgerSvc     *ledger.Service
	rechargeSvc   *recharge.Service
	escrowSvc     *escrow.Service
	withdrawalSvc *withdrawal.Service
	unlockSvc     *unlock.Service
	emitter       *notify.Emitter
	hub           *realtime.Hub
	healthReg     *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment authority (for testing).
func WithGateway(g payments.Authority) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance. With DATABASE_URL set the server uses
// PostgreSQL; otherwise everything runs in-memory for demo mode.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

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
		s.ledgerStore = ledger.NewPostgresStore(db)
		s.catalogStore = catalog.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		mem := ledger.NewMemoryStore()
		s.ledgerStore = mem
		s.catalogStore = catalog.NewMemoryStore()
		s.seedDemoData(ctx, mem)
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (demo mode)")
	}

	if s.gateway == nil {
		if cfg.PaymentKeyID != "" {
			s.gateway = payments.NewGateway(cfg.PaymentBaseURL, cfg.PaymentKeyID, cfg.PaymentKeySecret, cfg.PaymentWebhookSecret)
		} else {
			s.logger.Warn("PAYMENT_KEY_ID not set, using mock payment gateway")
			s.gateway = payments.NewMock()
		}
	}

	trial := s.loadTrial(ctx)

	s.emitter = notify.NewEmitter(cfg.NotifyURL, cfg.NotifySecret, s.logger)
	s.hub = realtime.NewHub(s.logger)
	notifier := &fanoutNotifier{targets: []engineNotifier{s.emitter, s.hub}}

	s.ledgerSvc = ledger.NewService(s.ledgerStore, cfg.Currency, s.logger).WithTrial(trial)
	s.rechargeSvc = recharge.NewService(s.ledgerStore, s.catalogStore, s.gateway, cfg.Currency, s.logger).
		WithTrial(trial).WithNotifier(notifier)
	s.escrowSvc = escrow.NewService(s.ledgerStore, s.gateway, cfg.Currency, s.logger).WithNotifier(notifier)

	var accountStore withdrawal.AccountStore
	var unlockStore unlock.Store
	if s.db != nil {
		accountStore = withdrawal.NewPostgresAccountStore(s.db)
		unlockStore = unlock.NewPostgresStore(s.db)
	} else {
		accountStore = withdrawal.NewMemoryAccountStore()
		unlockStore = unlock.NewMemoryStore(s.ledgerStore)
	}
	s.withdrawalSvc = withdrawal.NewService(s.ledgerStore, accountStore, cfg.MinWithdrawal, s.logger).WithNotifier(notifier)
	s.unlockSvc = unlock.NewService(unlockStore, DefaultUnlockTokens, s.logger)

	s.healthReg = health.NewRegistry()
	s.healthReg.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// seedDemoData registers a brand and a small catalogue so demo mode is
// exercisable without a brand registry or catalogue import.
func (s *Server) seedDemoData(ctx context.Context, mem *ledger.MemoryStore) {
	mem.RegisterBrand("brand-demo-0001")

	packages := []*catalog.Package{
		{ID: "pkg-starter-01", Name: "Starter", TokensIncluded: 50, Price: 4999,
			CampaignTokenCost: 5, ReportTokenCost: 2, ValidityDays: 30,
			Type: catalog.TypeSubscription, Active: true, CreatedAt: time.Now().UTC()},
		{ID: "pkg-topup-0100", Name: "Top-up 100", TokensIncluded: 100, Price: 8999,
			CampaignTokenCost: 5, ReportTokenCost: 2,
			Type: catalog.TypeTopup, Active: true, CreatedAt: time.Now().UTC()},
	}
	for _, p := range packages {
		if err := s.catalogStore.Create(ctx, p); err != nil {
			s.logger.Warn("demo seed failed", "package", p.ID, "error", err)
		}
	}
}

// loadTrial resolves the configured trial package into a credit snapshot.
func (s *Server) loadTrial(ctx context.Context) *ledger.TrialCredit {
	if s.cfg.TrialPackageID == "" {
		return nil
	}
	pkg, err := s.catalogStore.Get(ctx, s.cfg.TrialPackageID)
	if err != nil {
		s.logger.Warn("trial package not found, trial disabled",
			"package", s.cfg.TrialPackageID, "error", err)
		return nil
	}
	return &ledger.TrialCredit{
		Snapshot: ledger.PackageSnapshot{
			Version:      ledger.SnapshotVersion,
			PackageID:    pkg.ID,
			Name:         pkg.Name,
			Tokens:       pkg.TokensIncluded,
			PackageType:  string(pkg.Type),
			ValidityDays: pkg.ValidityDays,
		},
		Tokens: pkg.TokensIncluded,
	}
}

// engineNotifier matches the Notifier interfaces of the engine packages.
type engineNotifier interface {
	Emit(ctx context.Context, event string, payload any)
}

// fanoutNotifier delivers each event to the outbound webhook emitter and
// the realtime hub.
type fanoutNotifier struct {
	targets []engineNotifier
}

func (f *fanoutNotifier) Emit(ctx context.Context, event string, payload any) {
	for _, t := range f.targets {
		t.Emit(ctx, event, payload)
	}
}

// maskDSN hides the password in a connection string for logging. The mask is
// spliced in after rendering; url.UserPassword would percent-encode the
// asterisks.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User == nil {
		return u.String()
	}
	if _, hasPassword := u.User.Password(); !hasPassword {
		return u.String()
	}
	name := u.User.Username()
	u.User = url.User(name)
	return strings.Replace(u.String(), name+"@", name+":***@", 1)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds(), "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		}
	}
}

// adminMiddleware gates admin routes on the shared operator secret. With no
// secret configured the admin surface is disabled outright.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Not found",
			})
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
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

	ledgerHandler := ledger.NewHandler(s.ledgerSvc, s.logger)
	rechargeHandler := recharge.NewHandler(s.rechargeSvc, s.catalogStore, s.cfg.PaymentKeyID, s.logger)
	escrowHandler := escrow.NewHandler(s.escrowSvc, s.cfg.PaymentKeyID, s.logger)
	withdrawalHandler := withdrawal.NewHandler(s.withdrawalSvc, s.logger)
	unlockHandler := unlock.NewHandler(s.unlockSvc, s.logger)

	ledgerHandler.RegisterRoutes(v1)
	rechargeHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRoutes(v1)
	withdrawalHandler.RegisterRoutes(v1)
	unlockHandler.RegisterRoutes(v1)

	// Gateway server-to-server callback. Unauthenticated; each flow verifies
	// the webhook HMAC itself.
	v1.POST("/webhooks/payment", s.paymentWebhook)

	admin := v1.Group("")
	admin.Use(s.adminMiddleware())
	ledgerHandler.RegisterAdminRoutes(admin)
	withdrawalHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// paymentWebhook dispatches a gateway callback to both payment flows; each
// one acts only on its own events. The gateway retries on non-2xx, so
// processing errors still acknowledge with 200 and an internal status.
func (s *Server) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_error", "message": "Failed to read body"})
		return
	}
	signature := c.GetHeader("X-Webhook-Signature")

	ctx := c.Request.Context()
	if err := s.rechargeSvc.HandleWebhook(ctx, body, signature); err != nil {
		if errors.Is(err, recharge.ErrInvalidSignature) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
			return
		}
		s.logger.Error("recharge webhook processing failed", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "error_logged"})
		return
	}
	if err := s.escrowSvc.HandleWebhook(ctx, body, signature); err != nil {
		s.logger.Error("escrow webhook processing failed", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "error_logged"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy || !s.healthy.Load() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy": healthy && s.healthy.Load(),
		"checks":  statuses,
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

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing init failed", "error", err)
		} else {
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				_ = shutdown(sctx)
			}()
		}
	}

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

	go s.hub.Run(runCtx)
	go metrics.CollectRuntime(runCtx, s.db, 15*time.Second)

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
