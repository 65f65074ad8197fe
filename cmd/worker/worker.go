package main

import (
	"context"
	"time"

	"github.com/septivank/meter-reconciliation/internal/anomaly"
	"github.com/septivank/meter-reconciliation/internal/api"
	"github.com/septivank/meter-reconciliation/internal/clock"
	"github.com/septivank/meter-reconciliation/internal/config"
	"github.com/septivank/meter-reconciliation/internal/consumption"
	"github.com/septivank/meter-reconciliation/internal/db"
	"github.com/septivank/meter-reconciliation/internal/mq"
	"github.com/septivank/meter-reconciliation/internal/repository"
	"github.com/septivank/meter-reconciliation/internal/retry"
	"github.com/septivank/meter-reconciliation/internal/service"
	"github.com/septivank/meter-reconciliation/internal/validator"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting import consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("import consumer stopped")
			return nil
		},
	})

	return consumer, nil
}

func startHTTPServer(lc fx.Lifecycle, server *api.Server, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Start(cfg.HTTP.Addr()); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	})
}

// ProvideDBPool creates the PostgreSQL pool
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, db.PoolConfig{
		URL:         cfg.Database.URL,
		MaxConns:    int32(cfg.Database.MaxConns),
		ApplySchema: cfg.Database.ApplySchema,
	})
}

// ProvideRepository creates the repository
func ProvideRepository(pool *db.Pool, logger *zap.Logger) *repository.Repository {
	return repository.NewRepository(pool, logger)
}

// ProvideRulesEngine creates the anomaly rules engine over the repository
func ProvideRulesEngine(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *anomaly.Engine {
	return anomaly.NewEngine(repo, repo, anomaly.EngineConfig{
		CacheTTL:     cfg.Anomaly.RuleCacheTTL,
		HistoryLimit: cfg.Anomaly.HistoryLimit,
	}, logger)
}

// ProvideNormalcyDetector creates the historical normalcy detector
func ProvideNormalcyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.NormalcyBandWidth, cfg.Anomaly.MinDataPoints, cfg.Anomaly.NormalcyWindow)
}

// ProvideCalculator creates the consumption calculator
func ProvideCalculator(cfg *config.Config) *consumption.Calculator {
	p := cfg.Processing
	return consumption.NewCalculator(consumption.Thresholds{
		TamperingDrop:       decimal.NewFromFloat(p.TamperingDrop),
		ZeroConsumptionDays: p.ZeroConsumptionDays,
		HighDailyUsage:      decimal.NewFromFloat(p.HighDailyUsage),
		LeakDailyUsage:      decimal.NewFromFloat(p.LeakDailyUsage),
		LeakMinDays:         p.LeakMinDays,
		LargeIncreasePct:    decimal.NewFromFloat(p.LargeIncreasePct),
	})
}

// ProvideValidator creates the reading validator
func ProvideValidator() *validator.Validator {
	return validator.NewValidator(clock.Real{})
}

// ProvideMQConnection creates the RabbitMQ connection
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the reading event publisher
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.RabbitMQ.PublishAttempts
	policy.InitialDelay = 200 * time.Millisecond
	policy.MaxDelay = 5 * time.Second

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, cfg.RabbitMQ.AcceptedRoutingKey, policy, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideProcessorService creates the reading processor
func ProvideProcessorService(
	repo *repository.Repository,
	engine *anomaly.Engine,
	detector *anomaly.Detector,
	calculator *consumption.Calculator,
	v *validator.Validator,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(repo, engine, detector, calculator, v, publisher, service.Config{
		NormalcyWindow: cfg.Anomaly.NormalcyWindow,
		Concurrency:    cfg.Processing.Concurrency,
	}, logger)
}

// ProvideAPIServer creates the HTTP API
func ProvideAPIServer(
	processor *service.ProcessorService,
	repo *repository.Repository,
	engine *anomaly.Engine,
	v *validator.Validator,
	pool *db.Pool,
	cfg *config.Config,
	logger *zap.Logger,
) *api.Server {
	deps := api.Deps{
		Processor: processor,
		Readings:  repo,
		Rules:     repo,
		Cache:     engine,
		Validator: v,
		Health:    pool,
		Logger:    logger,
	}
	if len(cfg.HTTP.APITokens) > 0 {
		deps.Verifier = api.NewStaticTokenVerifier(cfg.HTTP.APITokens...)
	} else {
		logger.Warn("no API_TOKENS set, API requests are not authenticated")
	}
	return api.NewServer(deps)
}
