package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/irfndi/optiroute/internal/affinity"
	"github.com/irfndi/optiroute/internal/ai/llm"
	"github.com/irfndi/optiroute/internal/cache"
	"github.com/irfndi/optiroute/internal/catalog"
	"github.com/irfndi/optiroute/internal/complexity"
	"github.com/irfndi/optiroute/internal/config"
	"github.com/irfndi/optiroute/internal/database"
	"github.com/irfndi/optiroute/internal/logging"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/observability"
	"github.com/irfndi/optiroute/internal/prompt"
	"github.com/irfndi/optiroute/internal/routing"
	"github.com/irfndi/optiroute/internal/services"
	"github.com/irfndi/optiroute/internal/services/jobqueue"
	"github.com/irfndi/optiroute/internal/services/pubsub"
	"github.com/irfndi/optiroute/internal/services/workerpool"
	"github.com/irfndi/optiroute/internal/utils"
)

const affinityKeyPrefix = "optiroute:session"

// application holds every long-lived collaborator of the router. serve and
// the CLI subcommands share it so both run the same pipeline.
type application struct {
	cfg    *config.Config
	logger *logging.StandardLogger

	registry *prometheus.Registry
	metrics  *observability.Metrics

	db    database.Database
	redis *database.RedisClient

	catalog  *catalog.CachedCatalog
	cache    *cache.ComplexityCache
	pool     *workerpool.Pool
	analyzer complexity.Analyzer
	affinity *affinity.Manager
	engine   *routing.Engine
	usage    *database.UsageRepository

	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	queue      *jobqueue.Queue
	worker     *jobqueue.Worker

	orchestrator *services.Orchestrator

	closers []func()
}

// buildApplication connects storage and assembles the routing pipeline.
// Redis is optional: without it the cache, sessions and rate limiting stay
// process-local and events and jobs are disabled.
func buildApplication(ctx context.Context, cfg *config.Config, logger *logging.StandardLogger) (_ *application, err error) {
	app := &application{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = observability.MustNewMetrics(app.registry)

	db, err := database.NewDatabaseConnection(ctx, &cfg.Database, logger.WithComponent("database"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.closers = append(app.closers, func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	})

	if _, err := database.Migrate(ctx, db, logger.WithComponent("migrations")); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if cfg.Redis.Enabled {
		redisConn, err := database.NewRedisConnection(ctx, cfg.Redis, logger.WithComponent("redis"))
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to Redis, continuing without cache and events")
		} else {
			app.redis = redisConn
			app.closers = append(app.closers, redisConn.Close)
		}
	}

	source, err := catalogSource(cfg, db)
	if err != nil {
		return nil, err
	}
	app.catalog = catalog.NewCachedCatalog(source,
		catalog.WithTTL(cfg.Routing.CatalogTTL),
		catalog.WithLoadTimeout(cfg.Catalog.LoadTimeout),
		catalog.WithLogger(logger.WithComponent("catalog")),
	)

	tokens := utils.NewTokenCounter()
	if cfg.Analyzer.UseTiktoken {
		if err := tokens.EnableTiktoken(); err != nil {
			logger.WithError(err).Warn("tiktoken unavailable, using heuristic token estimates")
		}
	}

	if err := app.buildAnalyzer(tokens); err != nil {
		return nil, err
	}
	if err := app.buildAffinity(tokens); err != nil {
		return nil, err
	}
	if err := app.buildEngine(); err != nil {
		return nil, err
	}

	app.usage = database.NewUsageRepository(db)
	var recorder services.UsageRecorder = app.usage
	if cfg.Jobs.Enabled && app.redisClient() != nil {
		app.queue = jobqueue.New(app.redisClient(), jobqueue.Config{
			Namespace:    cfg.Jobs.Namespace,
			MaxAttempts:  cfg.Jobs.MaxAttempts,
			RetryBackoff: cfg.Jobs.RetryBackoff,
		})
		workerCfg := jobqueue.DefaultWorkerConfig()
		workerCfg.Concurrency = cfg.Jobs.Concurrency
		workerCfg.PollInterval = cfg.Jobs.PollInterval
		app.worker = jobqueue.NewWorker(app.queue, workerCfg, logger.WithComponent("jobs"))
		app.worker.Register(services.JobTypeUsageRecord, services.UsageRecordHandler(app.usage))
		app.worker.OnResult(app.metrics.JobProcessed)
		recorder = services.NewQueuedUsageRecorder(app.queue, app.usage)
	}

	preparer, err := prompt.NewContextBuilder(app.catalog, 0,
		prompt.WithTokenCounter(tokens),
		prompt.WithDefaultMaxTokens(cfg.Routing.DefaultMaxTokens),
		prompt.WithLogger(logger.WithComponent("context")),
	)
	if err != nil {
		return nil, err
	}

	opts := []services.OrchestratorOption{
		services.WithAffinity(app.affinity),
		services.WithContextPreparer(preparer),
		services.WithExecutor(llm.NewProviderExecutor(
			llm.NewRegistryFromConfig(cfg.Providers, llm.WithRegistryLogger(logger.WithComponent("llm"))),
			logger.WithComponent("executor"),
		)),
		services.WithUsageRecorder(recorder),
		services.WithLogger(logger),
		services.WithMetrics(app.metrics),
		services.WithExecutionTimeout(cfg.Routing.ExecutionTimeout),
		services.WithMaxTokens(cfg.Routing.DefaultMaxTokens),
	}
	if cfg.Events.Enabled && app.redisClient() != nil {
		app.publisher = pubsub.NewPublisher(app.redisClient(), logger.WithComponent("events"), cfg.Events.Source)
		app.subscriber = pubsub.NewSubscriber(app.redisClient(), logger.WithComponent("events"))
		app.subscriber.Handle(pubsub.ChannelCatalogInvalidate,
			pubsub.CatalogInvalidationHandler(app.catalog, logger.WithComponent("catalog")))
		app.closers = append(app.closers, func() { _ = app.subscriber.Close() })
		opts = append(opts, services.WithDecisionPublisher(app.publisher))
	}

	app.orchestrator = services.NewOrchestrator(app.analyzer, app.engine, app.catalog, opts...)
	return app, nil
}

func catalogSource(cfg *config.Config, db database.DBPool) (catalog.Source, error) {
	if cfg.Catalog.Source == "file" {
		static, err := catalog.LoadStaticCatalog(cfg.Catalog.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog file: %w", err)
		}
		return static, nil
	}
	return database.NewCatalogRepository(db), nil
}

func (a *application) redisClient() *redis.Client {
	if a.redis == nil {
		return nil
	}
	return a.redis.Client
}

func (a *application) buildAnalyzer(tokens *utils.TokenCounter) error {
	cfg := a.cfg

	var resultCache complexity.ResultCache
	if cfg.Cache.Enabled {
		c, err := cache.NewComplexityCache(a.redisClient(), cache.Config{
			Prefix:     cfg.Cache.Prefix,
			LocalSize:  cfg.Cache.LocalSize,
			LongTTL:    cfg.Cache.LongTTL,
			DefaultTTL: cfg.Cache.DefaultTTL,
			ShortTTL:   cfg.Cache.ShortTTL,
		}, cache.WithLogger(a.logger.WithComponent("complexity_cache")))
		if err != nil {
			return err
		}
		a.cache = c
		resultCache = c
	}

	var escalator complexity.Escalator
	if cfg.Escalation.Enabled {
		if e := a.buildEscalator(); e != nil {
			escalator = e
		}
	}

	if cfg.Analyzer.Mode == "serial" {
		criteria := complexity.NewEscalationCriteria(a.catalog, complexity.CallPricing{
			InputPer1K:  decimal.NewFromFloat(cfg.Escalation.InputPricePer1K),
			OutputPer1K: decimal.NewFromFloat(cfg.Escalation.OutputPricePer1K),
			MaxTokens:   cfg.Escalation.MaxTokens,
		}, complexity.WithCriteriaLogger(a.logger.WithComponent("escalation")), complexity.WithTokenCounter(tokens))
		a.analyzer = complexity.NewSerialAnalyzer(criteria, escalator, resultCache, a.metrics, a.logger.WithComponent("analyzer"))
		return nil
	}

	pool := workerpool.New(workerpool.Config{Workers: cfg.Analyzer.Workers, QueueSize: cfg.Analyzer.QueueSize})
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start analyzer pool: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() { _ = pool.Stop() })

	opts := []complexity.ParallelOption{
		complexity.WithOrganizations(a.catalog),
		complexity.WithMetrics(a.metrics),
		complexity.WithLogger(a.logger.WithComponent("analyzer")),
	}
	if resultCache != nil {
		opts = append(opts, complexity.WithCache(resultCache))
	}
	if escalator != nil {
		opts = append(opts, complexity.WithEscalator(escalator))
	}
	a.analyzer = complexity.NewParallelAnalyzer(complexity.ParallelConfig{
		ComponentTimeout:    cfg.Analyzer.ComponentTimeout,
		ConflictThreshold:   cfg.Analyzer.ConflictThreshold,
		ConflictPenalty:     cfg.Analyzer.ConflictPenalty,
		ConsensusBonus:      cfg.Analyzer.ConsensusBonus,
		EscalationThreshold: cfg.Analyzer.EscalationThreshold,
	}, pool, opts...)
	return nil
}

// buildEscalator returns nil when the classification provider has no key;
// analysis then stays rule-based.
func (a *application) buildEscalator() *complexity.LLMEscalator {
	cfg := a.cfg.Escalation
	registry := llm.NewRegistryFromConfig(a.cfg.Providers, llm.WithRegistryLogger(a.logger.WithComponent("llm")))
	client, err := registry.Client(llm.Provider(cfg.Provider), models.APITypeChat, "", &llm.Pricing{
		InputPer1K:  decimal.NewFromFloat(cfg.InputPricePer1K),
		OutputPer1K: decimal.NewFromFloat(cfg.OutputPricePer1K),
	})
	if err != nil {
		a.logger.Logger().Warn("LLM escalation disabled", zap.String("provider", cfg.Provider), zap.Error(err))
		return nil
	}
	return complexity.NewLLMEscalator(client, complexity.LLMEscalatorConfig{
		Model:         cfg.Model,
		Timeout:       cfg.Timeout,
		MaxConcurrent: cfg.MaxConcurrent,
		MaxTokens:     cfg.MaxTokens,
	}, a.metrics, a.logger.WithComponent("escalation"))
}

func (a *application) buildAffinity(tokens *utils.TokenCounter) error {
	var store affinity.Store
	if a.cfg.Affinity.Store == "redis" && a.redisClient() != nil {
		store = affinity.NewRedisStore(a.redisClient(), affinityKeyPrefix)
	} else {
		mem, err := affinity.NewMemoryStore(a.cfg.Affinity.LocalSize)
		if err != nil {
			return err
		}
		store = mem
	}
	a.affinity = affinity.NewManager(store,
		affinity.WithCatalog(a.catalog),
		affinity.WithTokenCounter(tokens),
		affinity.WithLogger(a.logger.WithComponent("affinity")),
		affinity.WithMetrics(a.metrics),
		affinity.WithDefaultMaxTokens(a.cfg.Routing.DefaultMaxTokens),
	)
	return nil
}

func (a *application) buildEngine() error {
	opts := []routing.Option{
		routing.WithLogger(a.logger.WithComponent("routing")),
		routing.WithMetrics(a.metrics),
		routing.WithDefaultMaxTokens(a.cfg.Routing.DefaultMaxTokens),
		routing.WithEmergencyModel(a.cfg.Routing.EmergencyProvider, a.cfg.Routing.EmergencyModel),
		routing.WithDefaultStrategy(models.Strategy(a.cfg.Routing.DefaultStrategy)),
	}
	if a.cfg.Routing.Seed != 0 {
		opts = append(opts, routing.WithSeed(a.cfg.Routing.Seed))
	}
	if a.cfg.Security.EncryptionKey != "" {
		box, err := utils.NewSecretBoxFromConfig(a.cfg.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("invalid security.encryption_key: %w", err)
		}
		opts = append(opts, routing.WithSecretBox(box))
	}
	a.engine = routing.NewEngine(a.catalog, opts...)
	return nil
}

// start launches background work: catalog refresh, the usage worker and the
// invalidation subscriber. All of it stops when ctx is canceled.
func (a *application) start(ctx context.Context) error {
	if err := a.catalog.Start(ctx, a.cfg.Routing.CatalogTTL); err != nil {
		return fmt.Errorf("failed to start catalog refresh: %w", err)
	}
	a.closers = append(a.closers, a.catalog.Stop)

	if a.worker != nil {
		go func() {
			if err := a.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.WithError(err).Error("Usage worker stopped")
			}
		}()
	}

	if a.subscriber != nil {
		if err := a.subscriber.Subscribe(ctx, pubsub.ChannelCatalogInvalidate); err != nil {
			a.logger.WithError(err).Warn("Failed to subscribe to catalog invalidations")
		}
	}
	return nil
}

// stats lists the named snapshots exposed on /health and the admin API.
func (a *application) stats() map[string]func(context.Context) any {
	out := map[string]func(context.Context) any{
		"orchestrator": func(context.Context) any { return a.orchestrator.GetStats() },
		"analyzer":     func(context.Context) any { return a.analyzer.Stats() },
		"routing":      func(context.Context) any { return a.engine.GetMetrics() },
		"affinity":     func(context.Context) any { return a.affinity.Stats() },
		"catalog":      func(context.Context) any { return a.catalog.Metrics() },
	}
	if a.cache != nil {
		out["complexity_cache"] = func(context.Context) any { return a.cache.GetStats() }
	}
	if a.pool != nil {
		out["worker_pool"] = func(context.Context) any { return a.pool.Stats() }
	}
	if a.worker != nil {
		out["jobs"] = func(context.Context) any { return a.worker.Stats() }
	}
	if a.publisher != nil {
		out["events"] = func(context.Context) any { return a.publisher.Stats() }
	}
	if a.subscriber != nil {
		out["subscriber"] = func(context.Context) any { return a.subscriber.Stats() }
	}
	return out
}

// close releases resources in reverse order of acquisition.
func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
