package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dealscope/riskengine/internal/adaptive"
	"github.com/dealscope/riskengine/internal/api"
	"github.com/dealscope/riskengine/internal/audit"
	"github.com/dealscope/riskengine/internal/auth"
	"github.com/dealscope/riskengine/internal/cache"
	"github.com/dealscope/riskengine/internal/catalog"
	"github.com/dealscope/riskengine/internal/config"
	"github.com/dealscope/riskengine/internal/detect"
	"github.com/dealscope/riskengine/internal/engine"
	"github.com/dealscope/riskengine/internal/gather"
	"github.com/dealscope/riskengine/internal/graph"
	"github.com/dealscope/riskengine/internal/insight"
	"github.com/dealscope/riskengine/internal/notifications"
	"github.com/dealscope/riskengine/internal/reports"
	"github.com/dealscope/riskengine/internal/scheduler"
	"github.com/dealscope/riskengine/internal/search"
	"github.com/dealscope/riskengine/internal/store"
	"github.com/dealscope/riskengine/internal/tasks"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Optional collaborators degrade to unavailable rather than blocking
	// startup: the rule detector alone still yields an evaluation.
	var relGraph gather.RelationGraph
	if g, err := graph.New(graph.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
	}); err != nil {
		logger.Warn("neo4j unavailable, related entities disabled", "error", err)
	} else {
		relGraph = g
		defer g.Close(context.Background())
	}

	var searcher search.Searcher
	if ws, err := search.NewWeaviateSearcher(search.WeaviateConfig{
		Host:   cfg.Weaviate.Host,
		Scheme: cfg.Weaviate.Scheme,
		APIKey: cfg.Weaviate.APIKey,
	}, logger); err != nil {
		logger.Warn("weaviate unavailable, historical and semantic detection disabled", "error", err)
	} else {
		searcher = ws
	}

	var generator insight.Generator
	if gen, err := insight.NewOpenAIGenerator(insight.Config{
		APIKey:  cfg.OpenAI.APIKey,
		Model:   cfg.OpenAI.Model,
		BaseURL: cfg.OpenAI.BaseURL,
		Timeout: cfg.OpenAI.Timeout,
	}, logger); err != nil {
		logger.Warn("openai unavailable, ai detection disabled", "error", err)
	} else {
		generator = gen
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	var evalCache cache.Cache
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unavailable, using in-memory cache", "error", err)
		evalCache = cache.NewMemory()
	} else {
		evalCache = cache.NewRedis(redisClient)
	}

	catalogProvider := catalog.NewProvider(catalog.NewPostgresStore(st.DB()), 5*time.Minute)
	learner := adaptive.NewLearner(st, logger)
	gatherer := gather.New(st, relGraph, logger,
		gather.WithBlockBelowCompleteness(cfg.Engine.BlockBelowCompleteness))

	calibration := detect.Calibration{
		MarkdownPenalty:   cfg.Engine.MarkdownPenalty,
		RegexPenalty:      cfg.Engine.RegexPenalty,
		ValidationPenalty: cfg.Engine.ValidationPenalty,
		NameMatchPenalty:  cfg.Engine.NameMatchPenalty,
		Floor:             cfg.Engine.ConfidenceFloor,
	}
	detectors := []detect.Detector{
		detect.NewRuleDetector(logger),
		detect.NewHistoricalDetector(searcher, cfg.Engine.HistoricalMinScore, logger),
		detect.NewSemanticDetector(searcher, cfg.Engine.SemanticMinScore, cfg.Engine.SemanticMatchScore, logger),
		detect.NewAIDetector(generator, calibration, nil, logger),
	}

	notifier := notifications.NewService(notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:  cfg.Notifications.Slack.WebhookURL,
			Channel:     cfg.Notifications.Slack.Channel,
			Username:    "Risk Engine",
			IconEmoji:   ":chart_with_downwards_trend:",
			Enabled:     cfg.Notifications.Slack.Enabled,
			MinSeverity: notifications.SeverityForScore(cfg.Notifications.MinScore),
		},
		Email: notifications.EmailConfig{
			SMTPHost:    cfg.Notifications.Email.SMTPHost,
			SMTPPort:    cfg.Notifications.Email.SMTPPort,
			Username:    cfg.Notifications.Email.Username,
			Password:    cfg.Notifications.Email.Password,
			From:        cfg.Notifications.Email.From,
			To:          cfg.Notifications.Email.To,
			Enabled:     cfg.Notifications.Email.Enabled,
			MinSeverity: notifications.SeverityForScore(cfg.Notifications.MinScore),
		},
	}, logger)

	eng := engine.New(engine.Deps{
		Gatherer:  gatherer,
		Catalog:   catalogProvider,
		Detectors: detectors,
		Learner:   learner,
		Cache:     evalCache,
		Store:     st,
		Recorder:  audit.NewRecorder(st, logger),
		Notifier:  notifier,
		Config:    cfg.Engine,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	var queue *tasks.Queue
	var workers []*tasks.Worker
	if q, err := tasks.NewQueue(redisClient); err != nil {
		logger.Warn("job queue unavailable, background evaluation disabled", "error", err)
	} else {
		queue = q
		for i := 0; i < cfg.Engine.Workers; i++ {
			w := tasks.NewWorker(queue, eng, logger)
			if err := w.Start(ctx); err != nil {
				logger.Warn("failed to start worker", "error", err)
				continue
			}
			workers = append(workers, w)
		}
	}

	schedStore := scheduler.NewPostgresStore(st.DB())
	sched := scheduler.NewScheduler(schedStore, logger)
	handlers := &scheduler.DefaultHandlers{
		PruneFunc: func(ctx context.Context, olderThan time.Duration) (int64, error) {
			return st.PruneSnapshots(ctx, time.Now().Add(-olderThan))
		},
		DigestFunc: func(ctx context.Context, tenantID string) error {
			digest, err := st.GetSnapshotDigest(ctx, tenantID, time.Now().Add(-24*time.Hour), cfg.Engine.AlertThreshold)
			if err != nil {
				return err
			}
			return notifier.NotifyDailyDigest(ctx, notifications.DigestStats{
				Period:             "24h",
				TenantID:           tenantID,
				Evaluations:        digest.Evaluations,
				HighRiskDeals:      digest.HighRiskDeals,
				TotalRevenueAtRisk: digest.TotalRevenueAtRisk,
				AvgGlobalScore:     digest.AvgGlobalScore,
			})
		},
	}
	if queue != nil {
		sweeper := scheduler.NewSweeper(st, queue, logger)
		handlers.ReevaluateTenantFunc = sweeper.SweepTenant
		handlers.ReevaluateAllFunc = sweeper.SweepAll
	}
	handlers.Register(sched)

	userStore := auth.NewPostgresUserStore(st.DB())
	authService := auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, userStore)

	server := api.NewServer(cfg, api.Deps{
		Evaluator:      eng,
		Entities:       st,
		Catalog:        catalogProvider,
		Reports:        reports.NewGenerator(),
		Queue:          queue,
		Scheduler:      sched,
		SchedulerStore: schedStore,
		AuthService:    authService,
		UserStore:      userStore,
	}, api.WithLogger(logger))

	logger.Info("starting risk engine", "host", cfg.Server.Host, "port", cfg.Server.Port)
	if err := server.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	for _, w := range workers {
		w.Stop()
	}
}
