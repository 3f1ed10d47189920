package batch

import (
	"context"

	"github.com/feichai0017/archive-ocr/internal/models"
	"github.com/feichai0017/archive-ocr/internal/recognition"
)

// UploadFile is one raw payload from a bulk upload request.
type UploadFile struct {
	FileName    string
	ContentType string
	Data        []byte
}

// StatusSnapshot is the read-only view returned by status queries. Progress
// and the histogram are derived on read, never stored.
type StatusSnapshot struct {
	BatchID        string                           `json:"batchId"`
	Status         models.BatchStatus               `json:"status"`
	TotalFiles     int                              `json:"totalFiles"`
	CompletedFiles int                              `json:"completedFiles"`
	FailedFiles    int                              `json:"failedFiles"`
	Progress       int                              `json:"progress"`
	StatusCounts   map[models.BatchItemStatus]int   `json:"statusCounts"`
	Items          []models.BatchItem               `json:"items"`
}

// Orchestrator owns the lifecycle of bulk uploads: fan-out ingestion with
// per-file recognition dispatch and partial-failure tracking.
type Orchestrator interface {
	// CreateBatch accepts the qualifying image payloads, records them durably
	// and dispatches recognition jobs. It returns before any recognition runs
	// and rejects the request only when zero payloads qualify.
	CreateBatch(ctx context.Context, files []UploadFile) (*models.Batch, error)
	// CompleteItem records one recognition outcome, success or failure. It is
	// invoked once per dispatched job, in any order, from any worker.
	CompleteItem(ctx context.Context, batchID, itemID string, result *recognition.Result, recErr error) error
	GetBatchStatus(ctx context.Context, batchID string) (*StatusSnapshot, error)
	// SetBatchAction applies the advisory pause/resume/cancel flag. In-flight
	// recognition jobs are not recalled; their completions are still recorded.
	SetBatchAction(ctx context.Context, batchID string, action models.BatchAction) error
	// RetryItem re-dispatches recognition for a failed item through the same
	// per-item pathway. Never triggered automatically.
	RetryItem(ctx context.Context, batchID, itemID string) error
}
