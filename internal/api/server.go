package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coindeck/coindeck-api/internal/app_interfaces"
	"github.com/coindeck/coindeck-api/internal/config"
	"github.com/coindeck/coindeck-api/internal/middleware"
	"github.com/coindeck/coindeck-api/internal/ratelimit"
	"github.com/coindeck/coindeck-api/internal/services"
)

// ServerDeps bundles everything the HTTP layer needs.
type ServerDeps struct {
	PostgresDB  app_interfaces.PostgresService
	LogStore    app_interfaces.RequestLogStore
	RedisClient app_interfaces.RedisService
	KeyStore    app_interfaces.KeyStore
	SubStore    app_interfaces.SubscriptionStore

	KeySvc     *services.APIKeyService
	QuotaSvc   *services.QuotaService
	EntSvc     *services.EntitlementService
	BillingSvc *services.BillingService
	Recorder   *services.UsageRecorder
	Limiter    ratelimit.Limiter
}

type Server struct {
	serverConfig *config.ServerCfg
	cfg          *config.Config

	postgresDB  app_interfaces.PostgresService
	logStore    app_interfaces.RequestLogStore
	redisClient app_interfaces.RedisService
	keyStore    app_interfaces.KeyStore
	subStore    app_interfaces.SubscriptionStore

	keySvc     *services.APIKeyService
	quotaSvc   *services.QuotaService
	billingSvc *services.BillingService

	webhookHandler *BillingWebhookHandler
	gate           *middleware.APIKeyGate

	router *gin.Engine
	srv    *http.Server
}

func NewServer(cfg *config.Config, deps ServerDeps) *Server {
	if cfg.Environment == "production" || cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	webhookHandler := NewBillingWebhookHandler(
		deps.EntSvc,
		cfg.Billing.WebhookSecret,
		time.Duration(cfg.Billing.SignatureToleranceS)*time.Second,
	)

	gate := middleware.NewAPIKeyGate(deps.KeySvc, deps.Limiter, deps.QuotaSvc, deps.Recorder)

	server := &Server{
		serverConfig:   &cfg.Server,
		cfg:            cfg,
		postgresDB:     deps.PostgresDB,
		logStore:       deps.LogStore,
		redisClient:    deps.RedisClient,
		keyStore:       deps.KeyStore,
		subStore:       deps.SubStore,
		keySvc:         deps.KeySvc,
		quotaSvc:       deps.QuotaSvc,
		billingSvc:     deps.BillingSvc,
		webhookHandler: webhookHandler,
		gate:           gate,
		router:         router,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware())
	s.router.Use(CORSMiddleware(s.serverConfig.CORSOrigins))
	s.router.Use(EdgeRateLimitMiddleware(s.serverConfig.EdgeRequestsPerMin))
}

func (s *Server) setupRoutes() {
	// ===========================================
	// PUBLIC ROUTES (no authentication required)
	// ===========================================

	s.router.GET("/v1/health", s.healthCheckHandler())

	// Payment processor webhooks (verified by signature)
	s.router.POST("/webhooks/billing", s.webhookHandler.HandleWebhook)

	// ===========================================
	// MANAGEMENT ROUTES (dashboard backend only)
	// ===========================================

	mgmt := s.router.Group("/v1")
	mgmt.Use(middleware.RequireManagementToken(s.cfg.Security.ManagementToken))
	{
		mgmt.POST("/keys", s.makeCreateAPIKeyHandler())
		mgmt.GET("/keys", s.makeListAPIKeysHandler())
		mgmt.POST("/keys/:id/revoke", s.makeRevokeAPIKeyHandler())
		mgmt.GET("/keys/:id/usage", s.makeKeyUsageHandler())

		mgmt.GET("/billing/subscription", s.makeSubscriptionHandler())
		mgmt.POST("/billing/checkout", s.makeCheckoutHandler())
		mgmt.POST("/billing/portal", s.makeBillingPortalHandler())
	}

	// ===========================================
	// DATA ROUTES (API key authentication)
	// ===========================================

	data := s.router.Group("/v1")
	data.Use(s.gate.Handler())
	{
		data.GET("/market/ticker/:symbol", middleware.RequireScope("market:read"), s.makeTickerHandler())
		data.GET("/portfolio", middleware.RequireScope("portfolio:read"), s.makePortfolioHandler())
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%s", s.serverConfig.Host, s.serverConfig.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.serverConfig.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.serverConfig.WriteTimeoutSeconds) * time.Second,
	}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
