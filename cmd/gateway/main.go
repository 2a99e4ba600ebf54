package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/api"
	"github.com/heraldhq/herald/internal/broadcast"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/metrics"
	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/observ"
	"github.com/heraldhq/herald/internal/prefs"
	"github.com/heraldhq/herald/internal/queue"
	"github.com/heraldhq/herald/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Repositories
	repo := db.NewRepository(database, logger)
	prefsRepo := db.NewPreferencesRepository(database, logger)
	directory := db.NewDirectory(database, logger)

	// Redis backs the delivery queues and rate limiter. The gateway starts
	// without it; delivery degrades until it comes back.
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, delivery queues degraded",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	broker := queue.NewRedisBroker(rdb, logger)
	limiter := queue.NewRateLimiter(rdb, logger)
	orchestrator := queue.NewOrchestrator(broker, limiter, logger)

	// Notification pipeline
	resolver := prefs.NewResolver(prefsRepo, logger)
	scheduler := notify.NewScheduler()
	factory := notify.NewFactory(repo, resolver, scheduler, logger)
	service := notify.NewService(repo, factory, resolver, orchestrator, logger)
	broadcaster := broadcast.NewResolver(directory, resolver, factory, orchestrator, logger)

	// Channel senders, routed through one MultiSender shared by every pool
	sender, err := buildSenders(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// One worker pool per channel
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	for _, channel := range db.Channels {
		w := worker.New(broker, repo, sender, worker.Config{
			Channel:      channel,
			Concurrency:  cfg.WorkerConcurrency,
			PollInterval: time.Duration(cfg.WorkerPollMillis) * time.Millisecond,
		}, logger)
		go w.Start(workerCtx)
	}

	logger.Info("channel workers started",
		zap.Int("channels", len(db.Channels)),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)

	// Periodic expiry sweep
	go service.StartExpirySweep(workerCtx, time.Duration(cfg.SweepIntervalSecs)*time.Second)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
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

	// API routes
	handler := api.NewHandler(logger, service, broadcaster, orchestrator)
	r.Route("/v1", handler.Routes)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop workers first so no job is half-processed during shutdown
		workerCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildSenders wires the delivery transports behind a single MultiSender
// that routes jobs by channel. With DRY_RUN_SENDERS set, everything but
// in-app logs instead of calling AWS.
func buildSenders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, error) {
	inApp := worker.NewInAppSender(logger)

	if cfg.DryRunSenders {
		logger.Info("dry-run senders enabled, no AWS calls will be made")
		return worker.NewMultiSender(logger, inApp,
			worker.NewLogSender(logger, db.ChannelEmail, db.ChannelSMS, db.ChannelPush)), nil
	}

	emailSender, err := worker.NewSESSender(ctx, worker.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES email sender: %w", err)
	}

	var smsSender worker.Sender
	smsSender, err = worker.NewSNSSMSSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
	smsViaSNS := err == nil
	if err != nil {
		logger.Warn("SNS SMS sender unavailable, sms falls back to logging",
			zap.Error(err),
		)
		smsSender = worker.NewLogSender(logger, db.ChannelSMS)
	}

	var pushSender worker.Sender
	pushSender, err = worker.NewSNSPushSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
	pushViaSNS := err == nil
	if err != nil {
		logger.Warn("SNS push sender unavailable, push falls back to logging",
			zap.Error(err),
		)
		pushSender = worker.NewLogSender(logger, db.ChannelPush)
	}

	logger.Info("channel senders initialized",
		zap.Bool("email_via_ses", true),
		zap.Bool("sms_via_sns", smsViaSNS),
		zap.Bool("push_via_sns", pushViaSNS),
	)

	return worker.NewMultiSender(logger, inApp, emailSender, smsSender, pushSender), nil
}
