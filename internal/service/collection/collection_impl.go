package collection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
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

// ErrNoPages is returned when a creation request carries no pages.
var ErrNoPages = errors.New("collection requires at least one page")

type Service struct {
	store   store.MetadataStore
	storage storage.Storage
	queue   queue.Queue
	logger  logger.Logger
	config  *ServiceConfig
}

type ServiceConfig struct {
	MaxConcurrent int
	// BlockConfidenceThreshold splits regions into the above/below buckets of
	// the completion metrics.
	BlockConfidenceThreshold float64
	// HeadingMinSize is the estimated point size above which a region counts
	// as a heading candidate.
	HeadingMinSize float64
	MaxHeadings    int
}

var _ Aggregator = (*Service)(nil)

func NewService(
	metaStore store.MetadataStore,
	assetStore storage.Storage,
	q queue.Queue,
	log logger.Logger,
	cfg *ServiceConfig,
) *Service {
	if cfg == nil {
		cfg = &ServiceConfig{
			MaxConcurrent:            8,
			BlockConfidenceThreshold: 0.75,
			HeadingMinSize:           18.0,
			MaxHeadings:              5,
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

// CreateCollection 创建多页合集并逐页派发识别任务
func (s *Service) CreateCollection(ctx context.Context, pages []UploadPage, title string, linkage models.Linkage) (*models.Collection, error) {
	if len(pages) == 0 {
		return nil, ErrNoPages
	}

	col := &models.Collection{
		ID:          uuid.New().String(),
		Title:       title,
		Linkage:     linkage,
		TotalPages:  len(pages),
		Processing:  models.ProcessingUploading,
		Publication: models.PublicationDraft,
		CreatedAt:   time.Now(),
	}

	units := make([]*models.PageUnit, 0, len(pages))
	for i, p := range pages {
		pageID := uuid.New().String()
		units = append(units, &models.PageUnit{
			ID:           pageID,
			CollectionID: col.ID,
			Ordinal:      i + 1,
			FileName:     p.FileName,
			ContentType:  p.ContentType,
			AssetRef:     pageAssetKey(col.ID, pageID, p.FileName),
			Status:       models.PageStatusPending,
			CreatedAt:    time.Now(),
		})
		col.PageIDs = append(col.PageIDs, pageID)
	}

	if err := s.store.CreateCollection(ctx, col); err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	for _, unit := range units {
		if err := s.store.SavePage(ctx, unit); err != nil {
			return nil, fmt.Errorf("failed to record page: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)
	for i, unit := range units {
		unit := unit
		data := pages[i].Data
		g.Go(func() error {
			if _, err := s.storage.Store(gctx, bytes.NewReader(data), unit.AssetRef); err != nil {
				return s.CompletePage(gctx, unit.CollectionID, unit.ID, nil, err)
			}
			job := &queue.RecognitionJob{
				Type:         queue.TaskTypePageRecognize,
				CollectionID: unit.CollectionID,
				PageID:       unit.ID,
				Ordinal:      unit.Ordinal,
				AssetRef:     unit.AssetRef,
				ContentType:  unit.ContentType,
				FileName:     unit.FileName,
				CreatedAt:    time.Now(),
			}
			if err := s.queue.Enqueue(gctx, job); err != nil {
				return s.CompletePage(gctx, unit.CollectionID, unit.ID, nil, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	col.Processing = models.ProcessingOCR
	if err := s.store.UpdateCollection(ctx, col); err != nil {
		return nil, fmt.Errorf("failed to mark collection processing: %w", err)
	}

	s.logger.Info("Collection created",
		logger.String("collectionId", col.ID),
		logger.Int("totalPages", col.TotalPages),
	)

	return col, nil
}

// CompletePage 记录单页识别结果；最后一页完成时一次性定稿
func (s *Service) CompletePage(ctx context.Context, collectionID, pageID string, result *recognition.Result, recErr error) error {
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}

	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Error("Completion for unknown page",
				logger.String("collectionId", collectionID),
				logger.String("pageId", pageID),
			)
		}
		return err
	}
	if page.CollectionID != collectionID {
		s.logger.Error("Completion for page outside collection",
			logger.String("collectionId", collectionID),
			logger.String("pageId", pageID),
		)
		return store.ErrNotFound
	}

	claimed, err := s.store.ClaimPageCompletion(ctx, collectionID, pageID)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Warn("Duplicate page completion ignored",
			logger.String("collectionId", collectionID),
			logger.String("pageId", pageID),
		)
		// A redelivery can also mean the previous attempt crashed after the
		// counter filled but before the finalize write landed; re-run a lost
		// finalize.
		return s.ensureFinalized(ctx, collectionID)
	}

	if recErr != nil {
		page.Status = models.PageStatusFailed
		page.Confidence = 0
		page.Error = recErr.Error()
	} else {
		page.Status = models.PageStatusRecognized
		page.Text = result.Text
		page.Confidence = result.Confidence
		page.Regions = result.Regions
		page.Headings = recognition.HeadingCandidates(result.Regions, s.config.HeadingMinSize)
	}
	page.RecognizedAt = time.Now()
	if err := s.store.SavePage(ctx, page); err != nil {
		return s.releaseClaim(ctx, collectionID, pageID, err)
	}

	done, err := s.store.IncrCollectionCounter(ctx, collectionID, store.CounterOCRDone, 1)
	if err != nil {
		return s.releaseClaim(ctx, collectionID, pageID, err)
	}
	if done != int64(col.TotalPages) {
		return nil
	}

	// One-shot finalize: exactly one completer observes the counter reaching
	// totalPages. Results arriving for an already-finalized collection never
	// get here because their claims fail or the counter has moved past.
	return s.finalize(ctx, collectionID)
}

// releaseClaim reopens the completion slot after a recording failure so the
// queued delivery can be repeated, then hands the cause back to the caller.
func (s *Service) releaseClaim(ctx context.Context, collectionID, pageID string, cause error) error {
	if err := s.store.ReleasePageClaim(ctx, collectionID, pageID); err != nil {
		s.logger.Error("Failed to release page completion claim",
			logger.String("collectionId", collectionID),
			logger.String("pageId", pageID),
			logger.Error(err),
		)
	}
	return cause
}

// ensureFinalized re-runs a finalize lost between the counter filling and the
// finalize write landing. A collection already finalized is left alone.
func (s *Service) ensureFinalized(ctx context.Context, collectionID string) error {
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	if col.Processing != models.ProcessingOCR || col.OCRCompletedPages < col.TotalPages {
		return nil
	}
	return s.finalize(ctx, collectionID)
}

// finalize computes combined text and metrics from the page results that
// exist right now and flips the status pair.
func (s *Service) finalize(ctx context.Context, collectionID string) error {
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	pages, err := s.store.GetPages(ctx, col.PageIDs)
	if err != nil {
		return err
	}

	col.CombinedText = combineTexts(pages)
	col.Metrics = s.computeMetrics(pages)
	col.Processing = models.ProcessingCompleted
	col.Publication = models.PublicationPendingReview
	col.CompletedAt = time.Now()

	if err := s.store.UpdateCollection(ctx, col); err != nil {
		return err
	}

	s.logger.Info("Collection finalized",
		logger.String("collectionId", collectionID),
		logger.Int("accuracyScore", col.Metrics.AccuracyScore),
		logger.Int("totalPages", col.TotalPages),
	)
	return nil
}

// GetCollectionStatus 只读快照
func (s *Service) GetCollectionStatus(ctx context.Context, collectionID string) (*StatusSnapshot, error) {
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	snap := &StatusSnapshot{
		CollectionID:      col.ID,
		TotalPages:        col.TotalPages,
		OCRCompletedPages: col.OCRCompletedPages,
		Processing:        col.Processing,
		Publication:       col.Publication,
	}
	if col.Processing == models.ProcessingCompleted {
		score := col.Metrics.AccuracyScore
		snap.AccuracyScore = &score
	}
	return snap, nil
}

func (s *Service) GetCollection(ctx context.Context, collectionID string) (*models.Collection, error) {
	return s.store.GetCollection(ctx, collectionID)
}

func (s *Service) GetPages(ctx context.Context, collectionID string) ([]*models.PageUnit, error) {
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	pages, err := s.store.GetPages(ctx, col.PageIDs)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(pages); i++ {
		for j := i; j > 0 && pages[j-1].Ordinal > pages[j].Ordinal; j-- {
			pages[j-1], pages[j] = pages[j], pages[j-1]
		}
	}
	return pages, nil
}

// RemovePage 删除一页并将剩余页码重排为 1..k
func (s *Service) RemovePage(ctx context.Context, collectionID, pageID string) error {
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}

	idx := -1
	for i, id := range col.PageIDs {
		if id == pageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return store.ErrNotFound
	}

	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if err := s.storage.Delete(ctx, page.AssetRef); err != nil {
		// Orphaned assets are swept by CleanupBefore; the record removal
		// still proceeds.
		s.logger.Warn("Failed to delete page asset",
			logger.String("assetRef", page.AssetRef),
			logger.Error(err),
		)
	}
	if err := s.store.DeletePage(ctx, pageID); err != nil {
		return err
	}

	col.PageIDs = append(col.PageIDs[:idx], col.PageIDs[idx+1:]...)
	col.TotalPages = len(col.PageIDs)

	// Contiguous renumbering of the survivors.
	for i, id := range col.PageIDs {
		p, err := s.store.GetPage(ctx, id)
		if err != nil {
			return err
		}
		if p.Ordinal != i+1 {
			p.Ordinal = i + 1
			if err := s.store.SavePage(ctx, p); err != nil {
				return err
			}
		}
	}

	if err := s.store.UpdateCollection(ctx, col); err != nil {
		return err
	}

	s.logger.Info("Page removed from collection",
		logger.String("collectionId", collectionID),
		logger.String("pageId", pageID),
		logger.Int("totalPages", col.TotalPages),
	)
	return nil
}

// Refinalize 显式重算合并文本与指标
func (s *Service) Refinalize(ctx context.Context, collectionID string) error {
	return s.finalize(ctx, collectionID)
}

// combineTexts joins page texts in ordinal order with the page-break marker.
// Pages without text (failures) contribute an empty segment so pagination
// stays aligned with ordinals.
func combineTexts(pages []*models.PageUnit) string {
	ordered := make([]*models.PageUnit, len(pages))
	copy(ordered, pages)
	// PageIDs already carry creation order, but ordinals are authoritative
	// after removals.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].Ordinal > ordered[j].Ordinal; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}

	parts := make([]string, len(ordered))
	for i, p := range ordered {
		parts[i] = p.Text
	}
	return strings.Join(parts, models.PageBreak)
}

func (s *Service) computeMetrics(pages []*models.PageUnit) models.CollectionMetrics {
	metrics := models.CollectionMetrics{}
	if len(pages) == 0 {
		return metrics
	}

	var confSum float64
	var above, below int
	var sizeSum float64
	var sizeCount int
	seen := make(map[string]bool)

	for _, p := range pages {
		// Failed pages hold confidence 0 and stay in the denominator, which
		// deliberately penalizes collections with failed pages.
		confSum += p.Confidence

		for _, r := range p.Regions {
			if r.Confidence >= s.config.BlockConfidenceThreshold {
				above++
			} else {
				below++
			}
			if r.HeadingSize > 0 {
				sizeSum += r.HeadingSize
				sizeCount++
			}
		}
		for _, h := range p.Headings {
			key := strings.ToLower(strings.TrimSpace(h))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if len(metrics.Headings) < s.config.MaxHeadings {
				metrics.Headings = append(metrics.Headings, strings.TrimSpace(h))
			}
		}
	}

	metrics.AccuracyScore = int(confSum/float64(len(pages))*100 + 0.5)
	if blocks := above + below; blocks > 0 {
		metrics.BlocksAboveThreshold = int(float64(above)/float64(blocks)*100 + 0.5)
		metrics.BlocksBelowThreshold = 100 - metrics.BlocksAboveThreshold
	}
	if sizeCount > 0 {
		metrics.MeanFontSize = sizeSum / float64(sizeCount)
	}
	return metrics
}

func pageAssetKey(collectionID, pageID, fileName string) string {
	return fmt.Sprintf("collections/%s/%s%s", collectionID, pageID, strings.ToLower(filepath.Ext(fileName)))
}
