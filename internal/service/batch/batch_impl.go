package batch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/archive-ocr/internal/models"
	"github.com/feichai0017/archive-ocr/internal/recognition"
	"github.com/feichai0017/archive-ocr/internal/store"
	"github.com/feichai0017/archive-ocr/pkg/logger"
	"github.com/feichai0017/archive-ocr/pkg/queue"
	"github.com/feichai0017/archive-ocr/pkg/storage"
)

// ErrNoImages is returned when no payload in a bulk request qualifies as an
// image; the request creates no aggregate.
var ErrNoImages = errors.New("no image payloads in request")

// ErrInvalidAction is returned for an action the batch's current status
// does not admit.
var ErrInvalidAction = errors.New("invalid batch action")

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tiff": true,
	".tif":  true,
}

type Service struct {
	store   store.MetadataStore
	storage storage.Storage
	queue   queue.Queue
	logger  logger.Logger
	config  *ServiceConfig
}

type ServiceConfig struct {
	MaxFileSize   int64
	MaxConcurrent int
}

var _ Orchestrator = (*Service)(nil)

func NewService(
	metaStore store.MetadataStore,
	assetStore storage.Storage,
	q queue.Queue,
	log logger.Logger,
	cfg *ServiceConfig,
) *Service {
	if cfg == nil {
		cfg = &ServiceConfig{
			MaxFileSize:   50 * 1024 * 1024, // 50MB
			MaxConcurrent: 8,
		}
	}

	return &Service{
		store:   metaStore,
		storage: assetStore,
		queue:   q,
		logger:  log,
		config:  cfg,
	}
}

// CreateBatch 批量上传入口
func (s *Service) CreateBatch(ctx context.Context, files []UploadFile) (*models.Batch, error) {
	accepted := make([]UploadFile, 0, len(files))
	for _, f := range files {
		if s.qualifiesAsImage(f) {
			accepted = append(accepted, f)
		} else {
			s.logger.Warn("Skipping non-image payload",
				logger.String("fileName", f.FileName),
				logger.String("contentType", f.ContentType),
			)
		}
	}
	if len(accepted) == 0 {
		return nil, ErrNoImages
	}

	batch := &models.Batch{
		ID:         uuid.New().String(),
		TotalFiles: len(accepted),
		Status:     models.BatchStatusUploading,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	// Item records are created sequentially so listing order matches the
	// request; asset writes and dispatch fan out afterwards.
	type pending struct {
		file UploadFile
		item models.BatchItem
		page *models.PageUnit
	}
	pendings := make([]pending, 0, len(accepted))

	for _, f := range accepted {
		pageID := uuid.New().String()
		page := &models.PageUnit{
			ID:          pageID,
			BatchID:     batch.ID,
			FileName:    f.FileName,
			ContentType: f.ContentType,
			AssetRef:    assetKey(batch.ID, pageID, f.FileName),
			Hash:        contentHash(f.Data),
			Status:      models.PageStatusPending,
			CreatedAt:   time.Now(),
		}
		item := models.BatchItem{
			ID:       uuid.New().String(),
			PageID:   pageID,
			FileName: f.FileName,
			Status:   models.BatchItemProcessing,
		}
		if err := s.store.SavePage(ctx, page); err != nil {
			return nil, fmt.Errorf("failed to record page: %w", err)
		}
		if err := s.store.PutBatchItem(ctx, batch.ID, item); err != nil {
			return nil, fmt.Errorf("failed to record batch item: %w", err)
		}
		batch.Items = append(batch.Items, item)
		pendings = append(pendings, pending{file: f, item: item, page: page})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)
	for _, p := range pendings {
		p := p
		g.Go(func() error {
			if _, err := s.storage.Store(gctx, bytes.NewReader(p.file.Data), p.page.AssetRef); err != nil {
				// The item is already recorded, so a persistence failure is
				// contained as a per-item failure rather than aborting
				// siblings.
				return s.CompleteItem(gctx, p.page.BatchID, p.item.ID, nil, err)
			}
			job := &queue.RecognitionJob{
				Type:        queue.TaskTypeBatchItemRecognize,
				BatchID:     p.page.BatchID,
				ItemID:      p.item.ID,
				PageID:      p.page.ID,
				AssetRef:    p.page.AssetRef,
				ContentType: p.file.ContentType,
				FileName:    p.file.FileName,
				CreatedAt:   time.Now(),
			}
			if err := s.queue.Enqueue(gctx, job); err != nil {
				return s.CompleteItem(gctx, p.page.BatchID, p.item.ID, nil, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.store.SetBatchStatus(ctx, batch.ID, models.BatchStatusProcessing); err != nil {
		return nil, fmt.Errorf("failed to mark batch processing: %w", err)
	}
	batch.Status = models.BatchStatusProcessing

	s.logger.Info("Batch created",
		logger.String("batchId", batch.ID),
		logger.Int("totalFiles", batch.TotalFiles),
		logger.Int("skipped", len(files)-len(accepted)),
	)

	return batch, nil
}

// CompleteItem 记录单个文件的识别结果并推进批次状态
//
// The completed/failed counter and the finished counter are bumped through
// atomic increments; the post-increment finished value equals totalFiles for
// exactly one caller, which performs the single terminal transition.
func (s *Service) CompleteItem(ctx context.Context, batchID, itemID string, result *recognition.Result, recErr error) error {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	item, err := s.store.GetBatchItem(ctx, batchID, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Consistency violation: a completion arrived for an item the
			// aggregate does not know. Logged, counters untouched.
			s.logger.Error("Completion for unknown batch item",
				logger.String("batchId", batchID),
				logger.String("itemId", itemID),
			)
		}
		return err
	}

	claimed, err := s.store.ClaimItemCompletion(ctx, batchID, itemID)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Warn("Duplicate completion ignored",
			logger.String("batchId", batchID),
			logger.String("itemId", itemID),
		)
		// A redelivery can also mean the previous attempt crashed between
		// recording the counters and flipping the status; re-apply a lost
		// terminal transition.
		return s.ensureTerminal(ctx, batchID)
	}

	page, err := s.store.GetPage(ctx, item.PageID)
	if err != nil {
		return s.releaseClaim(ctx, batchID, itemID, err)
	}

	counter := store.CounterCompleted
	if recErr != nil {
		counter = store.CounterFailed
		item.Status = models.BatchItemFailed
		item.Error = recErr.Error()
		page.Status = models.PageStatusFailed
		page.Confidence = 0
		page.Error = recErr.Error()
	} else {
		item.Status = models.BatchItemCompleted
		page.Status = models.PageStatusRecognized
		page.Text = result.Text
		page.Confidence = result.Confidence
		page.Regions = result.Regions
		page.Headings = recognition.HeadingCandidates(result.Regions, headingMinSize)
	}
	page.RecognizedAt = time.Now()

	if err := s.store.SavePage(ctx, page); err != nil {
		return s.releaseClaim(ctx, batchID, itemID, err)
	}
	if err := s.store.PutBatchItem(ctx, batchID, *item); err != nil {
		return s.releaseClaim(ctx, batchID, itemID, err)
	}

	finished, err := s.store.RecordItemOutcome(ctx, batchID, counter, 1)
	if err != nil {
		return s.releaseClaim(ctx, batchID, itemID, err)
	}
	if finished != int64(batch.TotalFiles) {
		return nil
	}

	// This caller won the terminal transition. All sibling counter updates
	// happened before their finished increments, so the snapshot is final.
	return s.finishBatch(ctx, batchID)
}

// releaseClaim reopens the completion slot after a recording failure so the
// queued delivery can be repeated, then hands the cause back to the caller.
func (s *Service) releaseClaim(ctx context.Context, batchID, itemID string, cause error) error {
	if err := s.store.ReleaseItemClaim(ctx, batchID, itemID); err != nil {
		s.logger.Error("Failed to release completion claim",
			logger.String("batchId", batchID),
			logger.String("itemId", itemID),
			logger.Error(err),
		)
	}
	return cause
}

// finishBatch applies the terminal transition from the final counter snapshot.
func (s *Service) finishBatch(ctx context.Context, batchID string) error {
	final, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if final.Status == models.BatchStatusCancelled {
		return nil
	}

	terminal := models.BatchStatusCompleted
	if final.FailedFiles == final.TotalFiles {
		terminal = models.BatchStatusFailed
	}
	if err := s.store.SetBatchStatus(ctx, batchID, terminal); err != nil {
		return err
	}

	s.logger.Info("Batch reached terminal status",
		logger.String("batchId", batchID),
		logger.String("status", string(terminal)),
		logger.Int("completed", final.CompletedFiles),
		logger.Int("failed", final.FailedFiles),
	)

	return nil
}

// ensureTerminal re-applies a terminal transition the winning completer lost
// to a status-write failure after its counters were already recorded.
func (s *Service) ensureTerminal(ctx context.Context, batchID string) error {
	final, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if final.Status.IsTerminal() || final.CompletedFiles+final.FailedFiles != final.TotalFiles {
		return nil
	}
	return s.finishBatch(ctx, batchID)
}

// GetBatchStatus 只读快照
func (s *Service) GetBatchStatus(ctx context.Context, batchID string) (*StatusSnapshot, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	return &StatusSnapshot{
		BatchID:        batch.ID,
		Status:         batch.Status,
		TotalFiles:     batch.TotalFiles,
		CompletedFiles: batch.CompletedFiles,
		FailedFiles:    batch.FailedFiles,
		Progress:       batch.Progress(),
		StatusCounts:   batch.StatusCounts(),
		Items:          batch.Items,
	}, nil
}

// SetBatchAction 用户触发的暂停/恢复/取消，仅改动建议性状态标志
func (s *Service) SetBatchAction(ctx context.Context, batchID string, action models.BatchAction) error {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	var next models.BatchStatus
	switch action {
	case models.BatchActionPause:
		if batch.Status != models.BatchStatusUploading && batch.Status != models.BatchStatusProcessing {
			return ErrInvalidAction
		}
		next = models.BatchStatusPaused
	case models.BatchActionResume:
		if batch.Status != models.BatchStatusPaused {
			return ErrInvalidAction
		}
		next = models.BatchStatusProcessing
	case models.BatchActionCancel:
		if batch.Status == models.BatchStatusCompleted || batch.Status == models.BatchStatusFailed {
			return ErrInvalidAction
		}
		next = models.BatchStatusCancelled
	default:
		return ErrInvalidAction
	}

	if err := s.store.SetBatchStatus(ctx, batchID, next); err != nil {
		return err
	}

	s.logger.Info("Batch action applied",
		logger.String("batchId", batchID),
		logger.String("action", string(action)),
	)
	return nil
}

// RetryItem 显式重试一个失败的文件
func (s *Service) RetryItem(ctx context.Context, batchID, itemID string) error {
	item, err := s.store.GetBatchItem(ctx, batchID, itemID)
	if err != nil {
		return err
	}
	if item.Status != models.BatchItemFailed {
		return fmt.Errorf("item %s is not failed, cannot retry", itemID)
	}

	page, err := s.store.GetPage(ctx, item.PageID)
	if err != nil {
		return err
	}

	// Roll the item's contribution out of the rollup counters, then reopen
	// its completion slot so the next outcome can be recorded.
	if _, err := s.store.RecordItemOutcome(ctx, batchID, store.CounterFailed, -1); err != nil {
		return err
	}
	if err := s.store.ReleaseItemClaim(ctx, batchID, itemID); err != nil {
		return err
	}

	item.Status = models.BatchItemProcessing
	item.Error = ""
	if err := s.store.PutBatchItem(ctx, batchID, *item); err != nil {
		return err
	}
	page.Status = models.PageStatusPending
	page.Error = ""
	if err := s.store.SavePage(ctx, page); err != nil {
		return err
	}
	if err := s.store.SetBatchStatus(ctx, batchID, models.BatchStatusProcessing); err != nil {
		return err
	}

	job := &queue.RecognitionJob{
		Type:        queue.TaskTypeBatchItemRecognize,
		BatchID:     batchID,
		ItemID:      itemID,
		PageID:      page.ID,
		AssetRef:    page.AssetRef,
		ContentType: page.ContentType,
		FileName:    page.FileName,
		CreatedAt:   time.Now(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}

	s.logger.Info("Batch item retry dispatched",
		logger.String("batchId", batchID),
		logger.String("itemId", itemID),
	)
	return nil
}

// headingMinSize is the estimated point size above which a region counts as a
// heading candidate.
const headingMinSize = 18.0

func (s *Service) qualifiesAsImage(f UploadFile) bool {
	if len(f.Data) == 0 || int64(len(f.Data)) > s.config.MaxFileSize {
		return false
	}
	if !imageExtensions[strings.ToLower(filepath.Ext(f.FileName))] {
		return false
	}
	sniffed := http.DetectContentType(f.Data)
	return strings.HasPrefix(sniffed, "image/") ||
		strings.HasPrefix(strings.ToLower(f.ContentType), "image/")
}

func assetKey(batchID, pageID, fileName string) string {
	return fmt.Sprintf("batches/%s/%s%s", batchID, pageID, strings.ToLower(filepath.Ext(fileName)))
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
