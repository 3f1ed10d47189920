package store

import (
	"context"
	"errors"

	"github.com/feichai0017/archive-ocr/internal/models"
)

// ErrNotFound is returned for operations against an unknown aggregate or page.
var ErrNotFound = errors.New("record not found")

// Counter fields mutated through atomic increments.
const (
	CounterCompleted = "completed"
	CounterFailed    = "failed"
	CounterFinished  = "finished"
	CounterOCRDone   = "ocrCompleted"
)

// MetadataStore persists batches, collections and page units.
//
// Increment methods are the atomic increment-and-return primitive the
// completion check is built on: multiple process instances may record
// recognition completions concurrently, so the "reached total, transition to
// terminal state" decision is taken on the post-increment value rather than
// under an in-process lock.
type MetadataStore interface {
	CreateBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	SetBatchStatus(ctx context.Context, id string, status models.BatchStatus) error
	PutBatchItem(ctx context.Context, batchID string, item models.BatchItem) error
	GetBatchItem(ctx context.Context, batchID, itemID string) (*models.BatchItem, error)
	// RecordItemOutcome moves the given outcome counter and the finished
	// counter together in one atomic step and returns the post-increment
	// finished value. A negative delta rolls an outcome back for retry.
	RecordItemOutcome(ctx context.Context, batchID, outcomeField string, delta int64) (int64, error)
	// ClaimItemCompletion marks an item's completion as consumed. It returns
	// false when the item was already claimed, letting duplicate deliveries
	// skip the counter path.
	ClaimItemCompletion(ctx context.Context, batchID, itemID string) (bool, error)
	// ReleaseItemClaim reopens an item's completion slot, either for explicit
	// retry or after a recording failure so the delivery can be repeated.
	ReleaseItemClaim(ctx context.Context, batchID, itemID string) error

	CreateCollection(ctx context.Context, col *models.Collection) error
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	UpdateCollection(ctx context.Context, col *models.Collection) error
	IncrCollectionCounter(ctx context.Context, collectionID, field string, by int64) (int64, error)
	ClaimPageCompletion(ctx context.Context, collectionID, pageID string) (bool, error)
	// ReleasePageClaim reopens a page's completion slot after a recording
	// failure so the delivery can be repeated.
	ReleasePageClaim(ctx context.Context, collectionID, pageID string) error

	SavePage(ctx context.Context, page *models.PageUnit) error
	GetPage(ctx context.Context, id string) (*models.PageUnit, error)
	GetPages(ctx context.Context, ids []string) ([]*models.PageUnit, error)
	DeletePage(ctx context.Context, id string) error
}
