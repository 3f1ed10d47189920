package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskType 定义任务类型
const (
	TaskTypeBatchItemRecognize = "recognize:batch_item"
	TaskTypePageRecognize      = "recognize:page"
)

// RecognitionJob is the payload dispatched once per file/page. The upload
// call returns as soon as the job is durably enqueued; completion comes back
// through the worker as a separate inbound event.
type RecognitionJob struct {
	Type         string    `json:"type"`
	BatchID      string    `json:"batchId,omitempty"`
	ItemID       string    `json:"itemId,omitempty"`
	CollectionID string    `json:"collectionId,omitempty"`
	PageID       string    `json:"pageId"`
	Ordinal      int       `json:"ordinal,omitempty"`
	AssetRef     string    `json:"assetRef"`
	ContentType  string    `json:"contentType"`
	FileName     string    `json:"fileName"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Queue 接口定义
type Queue interface {
	Enqueue(ctx context.Context, job *RecognitionJob) error
}

// AsynqQueue 实现
type AsynqQueue struct {
	client *asynq.Client
}

// QueueConfig 定义队列配置
type QueueConfig struct {
	RedisAddr      string
	RedisDB        int
	ProcessTimeout time.Duration
}

// NewAsynqQueue 创建新的队列实例
func NewAsynqQueue(cfg *QueueConfig) (*AsynqQueue, error) {
	if cfg.ProcessTimeout == 0 {
		cfg.ProcessTimeout = 10 * time.Minute
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})

	return &AsynqQueue{client: client}, nil
}

// Enqueue 将识别任务加入队列
//
// Retries only cover infrastructure failures (asset fetches, store writes):
// the worker converts engine failures into per-item failure completions
// before returning, so a recognition outcome is never retried automatically.
// Retrying a failed item is an explicit operation re-using the same pathway.
func (q *AsynqQueue) Enqueue(ctx context.Context, job *RecognitionJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	t := asynq.NewTask(job.Type, payload,
		asynq.MaxRetry(5),
		asynq.Timeout(10*time.Minute),
	)
	if _, err := q.client.EnqueueContext(ctx, t); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Close releases the underlying client connection.
func (q *AsynqQueue) Close() error {
	return q.client.Close()
}
