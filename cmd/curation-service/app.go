package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	_ "github.com/lib/pq" // PostgreSQL driver

	"curator/internal/agents"
	"curator/internal/application"
	"curator/internal/config"
	"curator/internal/consolidation"
	"curator/internal/constants"
	"curator/internal/entitystore"
	"curator/internal/intake"
	"curator/internal/keylock"
	"curator/internal/logger"
	"curator/internal/proposal"
	"curator/internal/review"
	"curator/internal/scheduler"
	"curator/pkg/bootstrap"
	"curator/pkg/health"
	"curator/pkg/metrics"
	"curator/pkg/middleware"
	"curator/pkg/migrations"
	"curator/pkg/ratelimit"
)

type App struct {
	config      *config.Config
	logger      logger.Logger
	base        *bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	redisClient *redis.Client
	mongoClient *mongo.Client

	intakeService *intake.Service
	scheduler     *scheduler.Scheduler
	statsStore    scheduler.StatsStore

	server *http.Server
	router *gin.Engine
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config:      cfg,
		logger:      log,
		base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.base.InitBroker("curation-service"); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initDomain(ctx); err != nil {
		return fmt.Errorf("failed to initialize domain: %w", err)
	}

	if err := a.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	if a.config.Database.RunMigrations {
		if err := migrations.RunPostgres(a.db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		a.logger.InfowCtx(ctx, "Database migrations applied")
	}

	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.logger.WarnwCtx(ctx, "Redis connection failed, falling back to in-process locking", "error", err)
	} else {
		a.redisClient = redisClient
	}

	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		a.logger.WarnwCtx(ctx, "MongoDB connection failed, continuing without agent registry", "error", err)
	} else if mongoClient != nil {
		a.mongoClient = mongoClient

		dbName := a.config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		if err := migrations.EnsureAgentCollection(ctx, mongoClient.Database(dbName)); err != nil {
			a.logger.WarnwCtx(ctx, "Failed to ensure agent collection indexes", "error", err)
		}
	}

	return nil
}

func (a *App) initDomain(ctx context.Context) error {
	metrics.RegisterCurationMetrics()
	metrics.RegisterSchedulerMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterAPIMetrics()

	repo := proposal.NewRepository(a.db)

	engine := consolidation.NewEngine(a.logger,
		consolidation.WithOrderSensitiveArrays(a.config.Consolidation.OrderSensitiveArrays))

	writeTimeout := a.config.EntityStore.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = constants.DefaultStoreTimeout
	}
	entities := entitystore.NewPostgresStore(a.db, writeTimeout)
	if a.config.CircuitBreaker.Enabled {
		entities = entitystore.NewCircuitBreakerStore(entities, a.config.CircuitBreaker, a.logger)
	}

	var locker keylock.Locker
	if a.redisClient != nil {
		locker = keylock.NewRedisLocker(a.redisClient, constants.DefaultLockTTL)
	} else {
		locker = keylock.NewLocalLocker()
	}

	notifier := application.NewKafkaNotifier(a.base.Producer, a.config.Broker.Kafka.ApplicationsTopic, a.logger)
	executor := application.NewExecutor(repo, entities, notifier, a.logger)

	rules, err := scheduler.NewRuleEngine(a.config.AutoApply.ExclusionRules, a.logger)
	if err != nil {
		return fmt.Errorf("failed to compile exclusion rules: %w", err)
	}

	a.statsStore = scheduler.NewStatsRepository(a.db, a.logger)
	a.scheduler = scheduler.New(a.config.AutoApply, repo, engine, executor, rules, a.statsStore, locker, a.logger)

	a.intakeService = intake.NewService(repo, a.logger)

	var registry agents.Registry
	if a.mongoClient != nil {
		dbName := a.config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		registry = agents.NewRegistry(a.mongoClient.Database(dbName))
	}

	reviewService := review.NewService(repo, engine, executor, registry, locker, a.logger)
	reviewHandler := review.NewHandler(reviewService, a.scheduler, a.statsStore, a.logger)

	a.initRouter(reviewHandler, entities)
	return nil
}

func (a *App) initRouter(reviewHandler *review.Handler, entities entitystore.Store) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.API.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.API.RateLimit.RPS,
			Burst:           a.config.API.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.API.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.API.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.Infow("Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	reviewHandler.RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redisClient != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redisClient))
	}
	if a.mongoClient != nil {
		healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	}
	healthRegistry.Register(health.NewFuncChecker("entity_store", entities.HealthCheck))

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
}

func (a *App) initServer() error {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  time.Duration(a.config.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(a.config.Server.WriteTimeoutSeconds) * time.Second,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 3)

	go func() {
		a.logger.InfowCtx(ctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	go func() {
		topic := a.config.Broker.Kafka.ProposalTopic
		a.logger.InfowCtx(ctx, "Starting proposal intake", "topic", topic)
		if err := a.intakeService.Start(ctx, a.base.Consumer, topic); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("intake error: %w", err)
		}
	}()

	go func() {
		if err := a.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("scheduler error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(ctx)
	case err := <-errChan:
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	errs = append(errs, a.base.ShutdownBroker()...)

	dbErrs := a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db, a.mongoClient)
	errs = append(errs, dbErrs...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}
