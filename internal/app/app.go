package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/config"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/db"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/detection"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/evidencepack"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/extractor"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/llm"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/normalizer"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/notify"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/router"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/services"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/storage"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// App is the wired process: database, queue, pipeline and API services.
type App struct {
	Config    *config.Config
	DB        *sqlx.DB
	Repos     *repository.Repositories
	Storage   storage.Storage
	Queue     queue.Queue
	Ledger    queue.Ledger
	Detector  detection.Engine
	Documents services.DocumentService
	Findings  services.FindingService
	Actions   services.ActionService

	memory *queue.MemoryQueue
	broker *queue.AMQPQueue
	redis  *redis.Client
	logger *utils.Logger
}

// New connects every backing service named by cfg. Redis and the AMQP
// broker are optional; without them jobs run in-process.
func New(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	database, err := db.Open(cfg.DBDriver, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.DB = database
	a.Repos = repository.NewRepositories(database)

	if a.Storage, err = storage.New(ctx, cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var locker queue.Locker = queue.NewLocalLocker()
	if cfg.RedisAddr != "" {
		if a.redis, err = queue.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
			a.Close()
			return nil, err
		}
		locker = queue.NewRedisLocker(a.redis)
	}

	defaults := queue.DefaultOptions()
	defaults.Attempts = cfg.QueueAttempts
	defaults.Backoff = cfg.QueueBackoff
	defaults.RemoveOnComplete = cfg.QueueKeepCompleted
	defaults.RemoveOnFail = cfg.QueueKeepFailed

	a.Ledger = queue.NewSQLLedger(database)
	dispatcher := queue.NewDispatcher(a.Ledger, locker, cfg.JobLockTTL, defaults, logger)

	if cfg.AMQPURL != "" {
		if a.broker, err = queue.NewAMQPQueue(cfg.AMQPURL, cfg.AMQPQueue, dispatcher, a.Ledger, defaults, logger); err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = a.broker
	} else {
		a.memory = queue.NewMemoryQueue(dispatcher, a.Ledger, defaults)
		a.Queue = a.memory
	}

	provider := llm.NewOpenRouterProvider(llm.OpenRouterOptions{
		APIKey:         cfg.OpenRouterAPIKey,
		BaseURL:        cfg.OpenRouterBaseURL,
		Model:          cfg.OpenRouterModel,
		VisionModel:    cfg.OpenRouterVisionModel,
		RequestTimeout: cfg.LLMRequestTimeout,
		Retry: llm.RetryPolicy{
			MaxAttempts: cfg.LLMMaxAttempts,
			BaseBackoff: cfg.LLMBaseBackoff,
			MaxElapsed:  cfg.LLMMaxElapsed,
		},
	}, logger)
	cached := llm.NewCachedProvider(provider, a.Repos.LLMCache, cfg.OpenRouterModel, cfg.OpenRouterVisionModel, cfg.LLMCacheTTL, logger)

	var mailer notify.Mailer
	if cfg.MailgunConfigured() {
		mailer = notify.NewMailgunMailer(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailgunAPIBase, logger)
	} else {
		logger.Warn("Mailgun is not configured, approved emails will fail")
	}

	a.Detector = detection.NewEngine(a.Repos.Invoices, a.Repos.Actions, a.Repos.Findings, cfg.DetectionWindowDays, logger)

	pipeline := services.NewPipeline(services.Deps{
		Repos:   a.Repos,
		Storage: a.Storage,
		Queue:   a.Queue,
		Extractor: extractor.NewService(extractor.Options{
			Rasterizer:        extractor.NewPdftoppmRasterizer(cfg.PdftoppmPath, cfg.RasterDPI),
			Vision:            cached,
			VisionConcurrency: cfg.VisionConcurrency,
			MaxImageDimension: cfg.MaxImageDimension,
		}, logger),
		LLM:      cached,
		Schema:   normalizer.NewSchema(),
		Detector: a.Detector,
		Packs:    evidencepack.NewBuilder(a.Storage, logger),
		Mailer:   mailer,
		MailFrom: cfg.MailgunFrom,
	}, logger)
	pipeline.Register(dispatcher)

	a.Documents = services.NewDocumentService(a.Repos, a.Storage, a.Queue, logger)
	a.Findings = services.NewFindingService(a.Repos, logger)
	a.Actions = services.NewActionService(a.Repos, a.Queue, logger)
	return a, nil
}

// Router returns the HTTP API.
func (a *App) Router() http.Handler {
	return router.NewRouter(router.Services{
		Documents:   a.Documents,
		Findings:    a.Findings,
		Actions:     a.Actions,
		MaxFileSize: a.Config.MaxFileSize,
	}, a.logger)
}

// RunWorkers processes jobs until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	if a.broker != nil {
		err := a.broker.Consume(ctx, a.Config.WorkerConcurrency)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	a.logger.Info("Processing jobs in-process", "workers", a.Config.WorkerConcurrency)
	a.memory.Run(ctx, a.Config.WorkerConcurrency)
	return nil
}

// Drain processes every queued in-process job and returns. With a broker
// configured the jobs belong to the consumers and Drain is a no-op.
func (a *App) Drain(ctx context.Context) error {
	if a.memory == nil {
		return nil
	}
	return a.memory.Drain(ctx)
}

// PurgeCache drops expired LLM cache entries every interval until ctx is done.
func (a *App) PurgeCache(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Repos.LLMCache.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				a.logger.Error("Failed to purge LLM cache", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("Purged expired LLM cache entries", "count", n)
			}
		}
	}
}

func (a *App) Close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Error("Failed to close broker connection", "error", err)
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
