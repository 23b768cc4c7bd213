/**
 * Image Translation Worker - Main Entry Point
 *
 * Consumes image jobs from Redis and produces translated text overlays.
 *
 * Architecture:
 * - Redis list consumer (default) or asynq consumer for the job queue
 * - Adaptive concurrency controller in front of the image pipeline
 * - Tesseract word boxes or vision OCR, clustered into text regions
 * - Batched, rate-paced translation with a shared circuit breaker
 * - Shrink-to-fit overlay layout rendered to PNG
 * - Optional PostgreSQL persistence of job status
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cache"
	"github.com/adverant/nexus/imagetranslate-worker/internal/config"
	"github.com/adverant/nexus/imagetranslate-worker/internal/events"
	"github.com/adverant/nexus/imagetranslate-worker/internal/logging"
	"github.com/adverant/nexus/imagetranslate-worker/internal/processor"
	"github.com/adverant/nexus/imagetranslate-worker/internal/queue"
	"github.com/adverant/nexus/imagetranslate-worker/internal/scheduler"
	"github.com/adverant/nexus/imagetranslate-worker/internal/storage"
	"github.com/adverant/nexus/imagetranslate-worker/internal/translate"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// consumer is implemented by both queue transports
type consumer interface {
	Stop() error
}

type asynqConsumer struct{ c *queue.Consumer }

func (a asynqConsumer) Stop() error { return a.c.Stop(context.Background()) }

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.nexus"); err != nil {
		log.Printf("Warning: .env.nexus not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLogger("ImageTranslateWorker")

	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}
	if settings.Debug {
		logging.SetLevel(logging.LevelDebug)
	}

	logger.Info("Image translation worker starting",
		"queue", cfg.QueueName,
		"mode", cfg.QueueMode,
		"provider", settings.TranslateProvider,
		"ocr", settings.OCRProvider,
		"target", settings.TargetLanguage,
		"concurrency", settings.MaxConcurrentImages)

	// Shared Redis client for caches and status events
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	ocrCache, err := cache.NewRedisCache(redisClient, cfg.QueueName+":ocr", settings.CacheSize)
	if err != nil {
		log.Fatalf("Failed to create OCR cache: %v", err)
	}
	memo, err := cache.NewRedisCache(redisClient, cfg.QueueName+":memo", settings.CacheSize)
	if err != nil {
		log.Fatalf("Failed to create translation cache: %v", err)
	}

	// Optional PostgreSQL status persistence
	var store queue.StatusStore
	if cfg.DatabaseURL != "" {
		logger.Info("Connecting to PostgreSQL...")
		db, err := storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer db.Close()

		schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to prepare schema: %v", err)
		}
		store = db
	} else {
		logger.Info("DATABASE_URL not set, job status persistence disabled")
	}

	controller, err := scheduler.NewController(scheduler.ControllerConfig{
		MaxConcurrency: settings.MaxConcurrentImages,
		RetryBudget:    cfg.MaxRetries,
		Logger:         logging.NewLogger("Controller"),
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	emitter := events.Multi{
		events.NewLogEmitter(logging.NewLogger("Events")),
		events.NewRedisPublisher(redisClient, cfg.QueueName, logging.NewLogger("Events")),
	}

	// One scheduler and breaker per process so every image shares the pacing
	// and the quota state
	sched := translate.NewScheduler(translate.RealClock)
	breaker := translate.NewBreaker(translate.RealClock, 0, 0)

	pipeline, err := processor.NewPipeline(processor.PipelineOptions{
		Config:    cfg,
		Settings:  settings,
		Emitter:   emitter,
		Halter:    controller,
		OCRCache:  ocrCache,
		Memo:      memo,
		Scheduler: sched,
		Breaker:   breaker,
		Logger:    logging.NewLogger("Pipeline"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize image pipeline: %v", err)
	}
	logger.Info("Image pipeline initialized", "ocr", pipeline.Recognizer.Name())

	runner, err := queue.NewRunner(queue.RunnerConfig{
		Processor:  pipeline.Processor,
		Controller: controller,
		Store:      store,
		Timeout:    time.Duration(cfg.ProcessingTimeout) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to initialize runner: %v", err)
	}

	active, err := startConsumer(cfg, runner, redisClient)
	if err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	logger.Info("===========================================")
	logger.Info("Image translation worker is READY")
	logger.Info("===========================================")
	logger.Info("Waiting for jobs...", "queue", cfg.QueueName)

	// Setup graceful shutdown. SIGHUP resumes a halted controller after
	// the operator has fixed quota or credentials.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			breaker.Clear()
			pipeline.Processor.ResetDegraded()
			controller.Resume()
			logger.Info("Translation resumed", "stats", fmt.Sprintf("%+v", controller.Stats()))
			continue
		}
		logger.Info("Received signal, initiating graceful shutdown", "signal", sig)
		break
	}

	if err := active.Stop(); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	} else {
		logger.Info("Queue consumer stopped")
	}

	logger.Info("Shutdown complete", "stats", fmt.Sprintf("%+v", controller.Stats()))
}

func startConsumer(cfg *config.Config, runner *queue.Runner, client *redis.Client) (consumer, error) {
	if cfg.QueueMode == "asynq" {
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:  cfg.RedisURL,
			QueueName: cfg.QueueName,
			Runner:    runner,
		})
		if err != nil {
			return nil, err
		}
		if err := c.Start(context.Background()); err != nil {
			return nil, err
		}
		return asynqConsumer{c}, nil
	}

	c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
		Client:    client,
		QueueName: cfg.QueueName,
		Runner:    runner,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	return c, nil
}
