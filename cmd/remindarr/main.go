package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/api"
	"github.com/lalithlochan/remindarr/internal/circuitbreaker"
	"github.com/lalithlochan/remindarr/internal/command"
	"github.com/lalithlochan/remindarr/internal/config"
	"github.com/lalithlochan/remindarr/internal/db"
	"github.com/lalithlochan/remindarr/internal/metrics"
	"github.com/lalithlochan/remindarr/internal/observ"
	"github.com/lalithlochan/remindarr/internal/redis"
	"github.com/lalithlochan/remindarr/internal/reminder"
	"github.com/lalithlochan/remindarr/internal/scheduler"
	"github.com/lalithlochan/remindarr/internal/sns"
	"github.com/lalithlochan/remindarr/internal/sqs"
	"github.com/lalithlochan/remindarr/internal/telegram"
	"github.com/lalithlochan/remindarr/internal/worker"
)

const version = "v0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting remindarr",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("version", version),
	)

	ctx := context.Background()
	var handlerOpts []api.Option

	// Store
	var store reminder.Store
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := db.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		defer s.Close()
		store = s
		handlerOpts = append(handlerOpts, api.WithHealthCheck("database", s.Health))

	default:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.Int("port", cfg.DBPort),
			zap.String("database", cfg.DBName),
		)
		store = db.NewRepository(database, logger)
		handlerOpts = append(handlerOpts, api.WithHealthCheck("database", database.Health))
	}

	// Redis backs idempotency keys, webhook dedup and rate limiting
	var rateLimiter *redis.RateLimiter
	if cfg.RedisHost != "" {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  100,
				Window: time.Minute,
			})
			handlerOpts = append(handlerOpts,
				api.WithIdempotency(redis.NewIdempotencyService(redisClient, logger)),
				api.WithUpdateDedup(redis.NewUpdateDeduper(redisClient, redis.UpdateTTL)),
				api.WithHealthCheck("redis", redisClient.Ping),
			)
		}
	}

	// Delivery: owner -> chat -> Telegram, behind a breaker
	var bot *telegram.Client
	var sender worker.Sender
	if cfg.BotToken != "" {
		bot, err = telegram.New(telegram.Config{
			Token:      cfg.BotToken,
			APIURL:     cfg.TelegramAPIURL,
			RatePerSec: cfg.TelegramRatePerSec,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram client: %w", err)
		}
		resolver := worker.NewChatResolver(cfg.ChatMap, cfg.ChatID)
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("telegram"), logger)
		tgLogger := observ.Component(logger, "telegram")
		sender = circuitbreaker.NewProtectedSender(worker.NewTelegramSender(bot, resolver, tgLogger), breaker, tgLogger)
		handlerOpts = append(handlerOpts,
			api.WithHealthDetail("breaker", func() any { return breaker.Stats() }),
		)
	} else {
		logger.Warn("BOT_TOKEN not set, reminders will only be logged")
		sender = worker.NewLogSender(logger)
	}

	// Scheduler
	var schedOpts []scheduler.Option
	if cfg.SNSTopicARN != "" {
		snsClient, err := sns.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			logger.Warn("sns unavailable, lifecycle events disabled", zap.Error(err))
		} else {
			schedOpts = append(schedOpts,
				scheduler.WithEventPublisher(sns.NewPublisher(snsClient, cfg.SNSTopicARN, logger)))
		}
	}

	sched := scheduler.New(store, scheduler.Config{
		LeaseDuration: cfg.LeaseDuration,
		BatchSize:     cfg.BatchSize,
		MaxAttempts:   cfg.MaxAttempts,
	}, observ.Component(logger, "scheduler"), schedOpts...)

	// Worker, optionally handing claimed reminders to SQS
	workerCfg := worker.Config{
		PollInterval: cfg.PollInterval,
		Concurrency:  cfg.WorkerConcurrency,
	}
	var queueConsumer *sqs.Consumer
	var workerOpts []worker.Option
	if cfg.SQSQueueURL != "" {
		sqsClient, err := sqs.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			logger.Warn("sqs unavailable, dispatching in process", zap.Error(err))
		} else {
			sqsCfg := sqs.Config{
				Region:            cfg.AWSRegion,
				QueueURL:          cfg.SQSQueueURL,
				VisibilityTimeout: cfg.LeaseDuration,
			}
			workerOpts = append(workerOpts, worker.WithQueue(sqs.NewProducer(sqsClient, sqsCfg, logger)))
			queueConsumer = sqs.NewConsumer(sqsClient, sqsCfg, logger)
		}
	}
	workerLogger := observ.Component(logger, "worker")
	w := worker.New(sched, sender, workerCfg, workerLogger, workerOpts...)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Start(workerCtx)
	}()
	if queueConsumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.NewConsumer(queueConsumer, store, w, workerLogger).Start(workerCtx)
		}()
	}

	logger.Info("background worker started",
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Bool("sqs", queueConsumer != nil),
		zap.Bool("telegram", bot != nil),
	)

	executor := command.NewExecutor(sched, store, cfg.DefaultTimezone, observ.Component(logger, "command"))
	handlerOpts = append(handlerOpts, api.WithDefaultTimezone(cfg.DefaultTimezone))
	if bot != nil {
		handlerOpts = append(handlerOpts, api.WithTelegram(bot, executor, cfg.ChatID))
	}
	handler := api.NewHandler(observ.Component(logger, "api"), store, sched, handlerOpts...)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.OwnerKeyFunc))
		handler.Routes(r)
	})

	r.Post("/telegram/webhook", handler.TelegramWebhook)
	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		workerCancel()
		wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// in-flight sends stop first; unfinished claims are reaped after the lease
		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		wg.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}
