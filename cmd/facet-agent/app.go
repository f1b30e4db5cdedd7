package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // PostgreSQL driver

	"facet/internal/agent"
	"facet/internal/changefeed"
	"facet/internal/config"
	"facet/internal/constants"
	"facet/internal/fanout"
	"facet/internal/logger"
	"facet/internal/master"
	"facet/internal/registry"
	"facet/pkg/bootstrap"
	"facet/pkg/cel"
	"facet/pkg/health"
	"facet/pkg/metrics"
	"facet/pkg/middleware"
	"facet/pkg/migrations"
	"facet/pkg/ratelimit"
	"facet/pkg/tracing"
)

const serviceName = "facet-agent"

type App struct {
	config         *config.Config
	logger         logger.Logger
	base           *bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redisClient    *redis.Client
	registry       *registry.Registry
	agent          *agent.Agent
	hub            *fanout.Hub
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
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

	if err := a.base.InitBroker(serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initAgent(); err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	if err := a.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	tp, err := tracing.Init(a.config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	if a.config.Database.RunMigrations {
		path := os.Getenv("MIGRATIONS_PATH")
		if path == "" {
			path = "migrations/postgres"
		}
		if err := migrations.RunPostgres(a.db, path); err != nil {
			return err
		}
		a.logger.Info("Migrations applied")
	}

	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.logger.Warnw("Redis connection failed, continuing without option cache", "error", err)
	} else {
		a.redisClient = redisClient
	}

	return nil
}

func (a *App) initAgent() error {
	a.registry = registry.NewRegistry()
	for _, spec := range a.config.Dimensions {
		if err := a.registry.Add(registry.FromSpec(spec)); err != nil {
			return fmt.Errorf("dimension %s: %w", spec.Name, err)
		}
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return err
	}
	for _, spec := range a.config.Dimensions {
		if spec.ValueFilter == "" {
			continue
		}
		if err := evaluator.ValidateExpression(spec.ValueFilter); err != nil {
			return fmt.Errorf("dimension %s: %w", spec.Name, err)
		}
	}

	var repo master.Repository = master.NewRepository(a.db)
	repo = master.NewCircuitBreakerRepository(repo, a.config.CircuitBreaker)

	var cached *master.CachedRepository
	if a.redisClient != nil {
		cached = master.NewCachedRepository(repo, a.redisClient, a.config.Database.Redis.TTLSeconds, a.logger)
		repo = cached
	}

	a.hub = fanout.NewHub(a.logger)

	sinks := []fanout.EventSink{a.hub, fanout.NewLogSink(a.logger)}
	if a.base.Producer != nil && a.config.Broker.Kafka.EventTopic != "" {
		sinks = append(sinks, fanout.NewKafkaSink(a.base.Producer, a.config.Broker.Kafka.EventTopic, a.logger))
		a.logger.Infow("Broker event sink enabled", "topic", a.config.Broker.Kafka.EventTopic)
	}
	if cached != nil {
		sinks = append(sinks, fanout.NewInvalidator(cached, func(dimension string) (string, bool) {
			dim, err := a.registry.Get(dimension)
			if err != nil {
				return "", false
			}
			return dim.MasterTable, true
		}, a.logger))
	}
	sink := fanout.NewMultiSink(sinks...)

	engine := agent.NewEngine(repo, sink, evaluator, a.config.Agent, a.logger)
	a.agent = agent.New(a.config, a.registry, engine, a.logger)

	source, err := changefeed.NewSource(a.config, changefeed.FactoryDeps{
		DSN:      bootstrap.PostgresDSN(a.config.Database.Postgres),
		Repo:     repo,
		Consumer: a.base.Consumer,
		Columns:  a.agent.SourceColumns,
		OnResync: a.agent.OnSourceResync,
	}, a.logger)
	if err != nil {
		return err
	}
	a.agent.AttachSource(source)

	return nil
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.RateLimit.RPS,
			Burst:           a.config.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.Infow("Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	handler := agent.NewHandler(a.agent, a.hub, a.logger)
	handler.RegisterRoutes(router)

	metrics.RegisterAgentMetrics()
	metrics.RegisterCircuitBreakerMetrics()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redisClient != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redisClient))
	}

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
	return nil
}

func (a *App) initServer() error {
	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Server.Port),
		Handler: a.router,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	if err := a.agent.Start(ctx); err != nil {
		return fmt.Errorf("agent start failed: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		a.logger.InfowCtx(ctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(ctx)
	case err := <-errChan:
		_ = a.agent.Stop()
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if err := a.agent.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("agent stop error: %w", err))
	}

	if a.hub != nil {
		a.hub.Shutdown()
	}

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	errs = append(errs, a.base.ShutdownBroker()...)
	errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}
