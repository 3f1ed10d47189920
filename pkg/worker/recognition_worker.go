package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/archive-ocr/internal/recognition"
	"github.com/feichai0017/archive-ocr/internal/service/batch"
	"github.com/feichai0017/archive-ocr/internal/service/collection"
	"github.com/feichai0017/archive-ocr/pkg/logger"
	"github.com/feichai0017/archive-ocr/pkg/queue"
	"github.com/feichai0017/archive-ocr/pkg/storage"
)

// RecognitionWorker consumes recognition jobs, runs the engine and feeds the
// outcome back through the per-item completion pathway. An engine failure is
// recorded as a per-item failure, never surfaced as a task error: automatic
// queue retries would bypass the explicit-retry rule.
type RecognitionWorker struct {
	BaseWorker
	recognizer  recognition.Recognizer
	assetStore  storage.Storage
	batches     batch.Orchestrator
	collections collection.Aggregator
}

func NewRecognitionWorker(
	cfg *Config,
	recognizer recognition.Recognizer,
	assetStore storage.Storage,
	batches batch.Orchestrator,
	collections collection.Aggregator,
	log logger.Logger,
) (*RecognitionWorker, error) {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      cfg.Queues,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Minute
			},
		},
	)

	w := &RecognitionWorker{
		BaseWorker: BaseWorker{
			server:   server,
			mux:      asynq.NewServeMux(),
			logger:   log,
			stopChan: make(chan struct{}),
		},
		recognizer:  recognizer,
		assetStore:  assetStore,
		batches:     batches,
		collections: collections,
	}

	w.registerHandlers()
	return w, nil
}

func (w *RecognitionWorker) registerHandlers() {
	w.mux.HandleFunc(queue.TaskTypeBatchItemRecognize, w.handleBatchItem)
	w.mux.HandleFunc(queue.TaskTypePageRecognize, w.handlePage)
}

func (w *RecognitionWorker) handleBatchItem(ctx context.Context, t *asynq.Task) error {
	job, err := w.decodeJob(t)
	if err != nil {
		return err
	}

	result, recErr := w.recognize(ctx, job)
	return w.batches.CompleteItem(ctx, job.BatchID, job.ItemID, result, recErr)
}

func (w *RecognitionWorker) handlePage(ctx context.Context, t *asynq.Task) error {
	job, err := w.decodeJob(t)
	if err != nil {
		return err
	}

	result, recErr := w.recognize(ctx, job)
	return w.collections.CompletePage(ctx, job.CollectionID, job.PageID, result, recErr)
}

func (w *RecognitionWorker) decodeJob(t *asynq.Task) (*queue.RecognitionJob, error) {
	var job queue.RecognitionJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		w.logger.Error("Failed to unmarshal recognition job",
			logger.Error(err),
			logger.String("payload", string(t.Payload())),
		)
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.PageID == "" || job.AssetRef == "" {
		return nil, fmt.Errorf("invalid job: missing required fields")
	}
	return &job, nil
}

// recognize fetches the asset and runs the engine. The returned error is the
// per-item recognition failure to record, not a task-level error.
func (w *RecognitionWorker) recognize(ctx context.Context, job *queue.RecognitionJob) (*recognition.Result, error) {
	w.logger.Info("Processing recognition job",
		logger.String("pageId", job.PageID),
		logger.String("fileName", job.FileName),
	)

	if !w.recognizer.CanProcess(job.ContentType) {
		return nil, fmt.Errorf("unsupported content type: %s", job.ContentType)
	}

	reader, err := w.assetStore.Get(ctx, job.AssetRef)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch asset: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset: %w", err)
	}

	result, err := w.recognizer.Recognize(ctx, data, job.ContentType)
	if err != nil {
		w.logger.Warn("Recognition failed",
			logger.String("pageId", job.PageID),
			logger.Error(err),
		)
		return nil, err
	}

	return result, nil
}

func (w *RecognitionWorker) Start(ctx context.Context) error {
	go func() {
		if err := w.server.Run(w.mux); err != nil {
			w.logger.Error("Worker server stopped", logger.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	return nil
}
