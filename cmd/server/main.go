package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/archive-ocr/api/handlers"
	"github.com/feichai0017/archive-ocr/api/routes"
	cfg "github.com/feichai0017/archive-ocr/config"
	"github.com/feichai0017/archive-ocr/internal/service/batch"
	"github.com/feichai0017/archive-ocr/internal/service/collection"
	"github.com/feichai0017/archive-ocr/internal/service/maintenance"
	"github.com/feichai0017/archive-ocr/internal/store"
	"github.com/feichai0017/archive-ocr/pkg/logger"
	"github.com/feichai0017/archive-ocr/pkg/queue"
	"github.com/feichai0017/archive-ocr/pkg/storage"
)

func main() {
	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel("info"),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/app.log"}),
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
		log.Fatal("Failed to create metadata store", logger.Error(err))
	}

	storageType := storage.StorageType(os.Getenv("STORAGE_TYPE"))
	if storageType == "" {
		storageType = storage.StorageTypeMinio
	}
	assetStore, err := storage.NewStorage(storageType, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", logger.Error(err))
	}

	q, err := queue.NewAsynqQueue(&queue.QueueConfig{
		RedisAddr: redisCfg.Addr,
		RedisDB:   redisCfg.DB,
	})
	if err != nil {
		log.Fatal("Failed to initialize queue", logger.Error(err))
	}
	defer q.Close()

	batchService := batch.NewService(metaStore, assetStore, q, log, nil)
	collectionService := collection.NewService(metaStore, assetStore, q, log, nil)
	maintenanceService := maintenance.NewService(assetStore, log)

	h := handlers.NewHandlers(batchService, collectionService, maintenanceService, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h)

	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting on port 8080")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error:", logger.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown:", logger.Error(err))
	}
}
