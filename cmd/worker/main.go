package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	cfg "github.com/feichai0017/archive-ocr/config"
	"github.com/feichai0017/archive-ocr/internal/recognition"
	"github.com/feichai0017/archive-ocr/internal/service/batch"
	"github.com/feichai0017/archive-ocr/internal/service/collection"
	"github.com/feichai0017/archive-ocr/internal/service/maintenance"
	"github.com/feichai0017/archive-ocr/internal/store"
	"github.com/feichai0017/archive-ocr/pkg/logger"
	"github.com/feichai0017/archive-ocr/pkg/queue"
	"github.com/feichai0017/archive-ocr/pkg/storage"
	"github.com/feichai0017/archive-ocr/pkg/worker"
)

func main() {
	// 初始化日志
	log, err := logger.NewLogger(
		logger.WithLevel("info"),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/worker.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	redisCfg := cfg.GetRedisConfig()
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisCfg.Addr,
		DB:   redisCfg.DB,
	})

	metaStore, err := store.NewRedisStore(redisClient)
	if err != nil {
		log.Error("Failed to create metadata store", logger.Error(err))
		os.Exit(1)
	}

	storageType := storage.StorageType(os.Getenv("STORAGE_TYPE"))
	if storageType == "" {
		storageType = storage.StorageTypeMinio
	}
	assetStore, err := storage.NewStorage(storageType, log)
	if err != nil {
		log.Error("Failed to initialize storage", logger.Error(err))
		os.Exit(1)
	}

	q, err := queue.NewAsynqQueue(&queue.QueueConfig{
		RedisAddr: redisCfg.Addr,
		RedisDB:   redisCfg.DB,
	})
	if err != nil {
		log.Error("Failed to initialize queue", logger.Error(err))
		os.Exit(1)
	}
	defer q.Close()

	engine := recognition.EngineType(os.Getenv("RECOGNITION_ENGINE"))
	if engine == "" {
		engine = recognition.EngineTesseract
	}
	recognizer, err := recognition.NewRecognizer(context.Background(), engine, log)
	if err != nil {
		log.Error("Failed to create recognizer", logger.Error(err))
		os.Exit(1)
	}

	batchService := batch.NewService(metaStore, assetStore, q, log, nil)
	collectionService := collection.NewService(metaStore, assetStore, q, log, nil)

	workerCfg := &worker.Config{
		RedisAddr:   redisCfg.Addr,
		RedisDB:     redisCfg.DB,
		Concurrency: 10,
		Queues: map[string]int{
			"default": 1,
		},
	}

	recognitionWorker, err := worker.NewRecognitionWorker(
		workerCfg, recognizer, assetStore, batchService, collectionService, log,
	)
	if err != nil {
		log.Error("Failed to create recognition worker", logger.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := recognitionWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	// 可选的定时资源清理，CLEANUP_SCHEDULE 为空时不启用
	if schedule := os.Getenv("CLEANUP_SCHEDULE"); schedule != "" {
		retentionDays := 30
		if v := os.Getenv("ASSET_RETENTION_DAYS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				retentionDays = n
			}
		}
		maintenanceService := maintenance.NewService(assetStore, log)

		c := cron.New()
		_, err := c.AddFunc(schedule, func() {
			if err := maintenanceService.CleanupAssets(context.Background(), time.Duration(retentionDays)*24*time.Hour); err != nil {
				log.Error("Scheduled asset cleanup failed", logger.Error(err))
			}
		})
		if err != nil {
			log.Error("Invalid cleanup schedule",
				logger.String("schedule", schedule),
				logger.Error(err),
			)
			os.Exit(1)
		}
		c.Start()
		defer c.Stop()
		log.Info("Scheduled asset cleanup enabled",
			logger.String("schedule", schedule),
			logger.Int("retentionDays", retentionDays),
		)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	recognitionWorker.Stop()
	log.Info("Worker stopped")
}
