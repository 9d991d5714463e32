package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"insight-service/config"
	"insight-service/internal/api"
	"insight-service/internal/app"
	"insight-service/internal/broker"
	"insight-service/internal/clock"
	"insight-service/internal/models"
	"insight-service/internal/redisclient"
	"insight-service/internal/service"
	"insight-service/internal/store"
	"insight-service/internal/util"
	"insight-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// notificationKeyTTL bounds how long an unread notification can suppress
// duplicates when keys live in Redis
const notificationKeyTTL = 7 * 24 * time.Hour

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting insight service",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	realClock := clock.Real()
	opts := app.DefaultOptions()
	opts.Clock = realClock
	opts.Logger = logger
	opts.DebounceWindow = cfg.Engine.DebounceWindow
	opts.AutoPropose = cfg.Engine.AutoPropose
	opts.Actions.MinConfidence = cfg.Engine.ActionMinConfidence
	opts.Actions.ExecutionTimeout = cfg.Engine.ExecutionTimeout
	opts.Executor = service.NewSimulatedExecutor(
		realClock,
		cfg.Engine.ExecutorSeed,
		cfg.Engine.ExecutorSuccessRate,
		cfg.Engine.ExecutorLatency,
		logger,
	)

	var checks []api.ReadinessCheck

	if cfg.Database.Enabled {
		db, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		logger.Info("Database connected")

		opts.Persistence = db
		opts.ExecutionLog = db
		checks = append(checks, api.ReadinessCheck{Name: "postgres", Check: db.Ping})
	}

	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		opts.KeyStore = redisclient.NewKeyStore(redisClient, notificationKeyTTL)
		checks = append(checks, api.ReadinessCheck{Name: "redis", Check: redisClient.Ping})
	}

	core := app.New(opts)

	if err := core.Load(context.Background()); err != nil {
		logger.Fatal("Failed to load entities", zap.Error(err))
	}
	core.Scan(context.Background())

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var ingestWorker *worker.IngestWorker
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, logger)
		defer producer.Close()
		core.Subscribe(models.EventTypeAll, broker.NewEventPublisher(producer, logger).HandleEvents)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicIngest, cfg.Kafka.ConsumerGroup, logger)
		ingestWorker = worker.NewIngestWorker(consumer, core, logger)
		go func() {
			if err := ingestWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Ingest worker error", zap.Error(err))
			}
		}()
	}

	scheduler := worker.NewScheduler(realClock, logger)
	scheduler.Add("insight_scan", cfg.Engine.InsightScanInterval, func(ctx context.Context) error {
		result := core.Scan(ctx)
		logger.Debug("Scheduled scan finished",
			zap.Int("new", len(result.New)),
			zap.Int("failures", len(result.Failures)))
		return nil
	})
	scheduler.Add("insight_evict", time.Minute, func(context.Context) error {
		if n := core.EvictExpired(); n > 0 {
			logger.Info("Evicted expired insights", zap.Int("count", n))
		}
		return nil
	})
	if cfg.Database.Enabled {
		scheduler.Add("snapshot_save", cfg.Engine.SnapshotSaveInterval, core.Save)
	}
	scheduler.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(core, logger, checks...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	scheduler.Stop()
	if ingestWorker != nil {
		if err := ingestWorker.Stop(); err != nil {
			logger.Warn("Error stopping ingest worker", zap.Error(err))
		}
	}

	core.Close()
	if err := core.Save(shutdownCtx); err != nil {
		logger.Error("Final snapshot save failed", zap.Error(err))
	}

	logger.Info("Server exited")
}
