package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/coindeck/coindeck-api/internal/api"
	"github.com/coindeck/coindeck-api/internal/config"
	"github.com/coindeck/coindeck-api/internal/db"
	"github.com/coindeck/coindeck-api/internal/ratelimit"
	"github.com/coindeck/coindeck-api/internal/services"
)

func main() {
	_ = godotenv.Load() // load .env file if exists

	environment := os.Getenv("ENVIRONMENT")
	if environment == "production" || environment == "prod" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetLevel(logrus.DebugLevel)
	}

	confFile := "./conf/server-dev.yaml"
	if environment == "production" || environment == "prod" {
		confFile = "/app/conf/server-prod.yaml"
		if _, err := os.Stat(confFile); os.IsNotExist(err) {
			confFile = "./conf/server-prod.yaml"
		}
	}
	if override := os.Getenv("CONFIG_FILE"); override != "" {
		confFile = override
	}

	logrus.WithField("path", confFile).Info("Loading config")
	cfg, err := config.LoadConfigFromPath(confFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	// postgres - DATABASE_URL overrides config
	postgresDSN := cfg.Postgres.DSN
	if url := os.Getenv("DATABASE_URL"); url != "" {
		postgresDSN = url
		logrus.Info("Using DATABASE_URL from environment")
	}
	postgresDB, err := db.InitPostgres(postgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("postgres init err")
	}
	if err := postgresDB.AutoMigrate(); err != nil {
		logrus.WithError(err).Fatal("postgres migrate err")
	}
	logrus.Info("✓ PostgreSQL connected")

	// request log store - falls back to the main database when not split out
	logDSN := cfg.LogStore.DSN
	if url := os.Getenv("LOG_STORE_URL"); url != "" {
		logDSN = url
	}
	if logDSN == "" {
		logDSN = postgresDSN
	}
	logStore, err := db.InitLogStore(logDSN)
	if err != nil {
		logrus.WithError(err).Fatal("log store init err")
	}
	logrus.Info("✓ Request log store connected")

	// redis is optional; without it the rate limiter runs in-process
	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to parse REDIS_URL")
		}
		rdb = redis.NewClient(redisOpts)
	} else if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var limiter ratelimit.Limiter
	if rdb != nil {
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logrus.WithError(err).Fatal("redis ping err")
		}
		logrus.Info("✓ Redis connected, using shared rate limit counters")
		limiter = ratelimit.NewRedisLimiter(rdb)
	} else {
		logrus.Info("Redis not configured, using in-process rate limit counters")
		limiter = ratelimit.NewMemoryLimiter()
	}

	// stores
	gormDB := postgresDB.GetPostgresDB()
	keyStore := db.NewKeyStore(gormDB)
	subStore := db.NewSubscriptionStore(gormDB)
	usageStore := db.NewUsageStore(gormDB)

	// services
	keySvc := services.NewAPIKeyService(keyStore, cfg.Security.BcryptCost, cfg.Limits.MaxActiveKeysPerOwner)
	quotaSvc := services.NewQuotaService(usageStore)
	entSvc := services.NewEntitlementService(keyStore, subStore)
	billingSvc := services.NewBillingService(cfg.Billing.APIBaseURL, cfg.Billing.APIKey, cfg.Billing.PortalReturnURL)
	recorder := services.NewUsageRecorder(logStore, []byte(cfg.Security.IPHashPepper))

	deps := api.ServerDeps{
		PostgresDB: postgresDB,
		LogStore:   logStore,
		KeyStore:   keyStore,
		SubStore:   subStore,
		KeySvc:     keySvc,
		QuotaSvc:   quotaSvc,
		EntSvc:     entSvc,
		BillingSvc: billingSvc,
		Recorder:   recorder,
		Limiter:    limiter,
	}
	if rdb != nil {
		deps.RedisClient = rdb
	}
	apiServer := api.NewServer(cfg, deps)

	go func() {
		if err := apiServer.Run(); err != nil {
			logrus.WithError(err).Fatal("server start err")
		}
	}()
	logrus.WithFields(logrus.Fields{"host": cfg.Server.Host, "port": cfg.Server.Port}).Info("✓ Server started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Server forced to shutdown")
	}

	postgresDB.CloseDB()
	logStore.CloseDB()
	logrus.Info("Server exited")
}
