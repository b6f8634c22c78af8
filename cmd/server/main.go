package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/router"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/timer"
	"github.com/stemsi/exstem-engine/internal/validator"
	"github.com/stemsi/exstem-engine/internal/worker"
	"github.com/stemsi/exstem-engine/internal/writer"
)

const limiterIdle = 10 * time.Minute

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("db_driver", cfg.DBDriver).
		Bool("redis", cfg.RedisURL != "").
		Msg("Starting exam session engine")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to the Record Store ───────────────────────────────────
	backend, err := database.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open record store")
	}
	defer backend.Close()

	// ─── Connect to Redis (optional) ───────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// ─── Content & Result Writer ───────────────────────────────────────
	loader := content.NewLoader(backend.Content, rdb, cfg.ContentCacheTTL, log)
	resultWriter := writer.NewDefault(backend.Results, writer.Options{
		RetryBackoff: cfg.WriterRetryBackoff,
		SchemaRepair: cfg.WriterSchemaRepair,
	}, log)
	log.Info().Strs("tiers", resultWriter.Tiers()).Msg("Result writer ready")

	deps := service.AttemptDeps{
		Loader:  loader,
		Writer:  resultWriter,
		History: backend.History,
		Redis:   rdb,
	}
	if rdb != nil {
		queue := service.NewRedisQueue(rdb)
		deps.Statistics = queue
		deps.Pending = queue
		deps.Answers = queue
	} else {
		deps.Statistics = service.DirectStatistics{Store: backend.Statistics}
		deps.Answers = service.DirectAnswers{Store: backend.Answers}
	}

	attempts := service.NewAttemptService(deps, service.AttemptConfig{
		DefaultSectionMinutes: cfg.DefaultSectionMinutes,
		WriteTimeout:          cfg.WriteTimeout,
		RetainCompleted:       cfg.RetainCompleted,
		Ticks:                 timer.EverySecond,
	}, log)

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	if rdb != nil {
		starters := []func(context.Context){
			worker.NewStatisticsWorker(backend.Statistics, rdb, log).Start,
			worker.NewAutosaveWorker(backend.Answers, rdb, log).Start,
			worker.NewPendingResultWorker(resultWriter, rdb, log).Start,
		}
		for _, start := range starters {
			workers.Add(1)
			go func() {
				defer workers.Done()
				start(workerCtx)
			}()
		}
	}

	// ─── Prewarm Content Cache ────────────────────────────────────────
	// Load published exams into Redis before accepting traffic.
	if rdb != nil {
		if ids, err := backend.Content.ListPublishedIDs(ctx); err != nil {
			log.Warn().Err(err).Msg("Cache prewarm skipped")
		} else {
			loader.Prewarm(ctx, ids)
		}
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(attempts),
		WS:      handler.NewWSHandler(attempts, log, cfg.AllowedOrigins),
		System:  handler.NewSystemHandler(backend, backend.Driver, rdb, log),
	}
	if rdb != nil {
		handlers.Monitor = handler.NewMonitorHandler(rdb, attempts, cfg.MonitorToken, log)
	}

	answerLimiter := middleware.NewRateLimiter(cfg.AnswerRateLimit, time.Minute)
	go func() {
		ticker := time.NewTicker(limiterIdle)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				answerLimiter.Cleanup(limiterIdle)
			}
		}
	}()

	r := router.SetupRouter(handlers, answerLimiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop section timers and let in-flight result writes finish.
	attemptCtx, attemptCancel := context.WithTimeout(context.Background(), cfg.WriteTimeout+5*time.Second)
	defer attemptCancel()
	if err := attempts.Shutdown(attemptCtx); err != nil {
		log.Error().Err(err).Msg("Attempts did not flush in time")
	}

	// 3. Stop background workers; each flushes its last batch.
	workerCancel()
	workers.Wait()
	cancel()

	log.Info().Msg("Shutdown complete")
}
