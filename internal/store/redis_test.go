package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/archive-ocr/internal/models"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewRedisStore(client)
	require.NoError(t, err)
	return s
}

func TestBatchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := &models.Batch{
		ID:         "batch-1",
		TotalFiles: 3,
		Status:     models.BatchStatusUploading,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.CreateBatch(ctx, batch))

	items := []models.BatchItem{
		{ID: "item-1", PageID: "page-1", FileName: "a.png", Status: models.BatchItemProcessing},
		{ID: "item-2", PageID: "page-2", FileName: "b.png", Status: models.BatchItemProcessing},
		{ID: "item-3", PageID: "page-3", FileName: "c.png", Status: models.BatchItemProcessing},
	}
	for _, item := range items {
		require.NoError(t, s.PutBatchItem(ctx, batch.ID, item))
	}

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, got.ID)
	assert.Equal(t, 3, got.TotalFiles)
	assert.Equal(t, models.BatchStatusUploading, got.Status)
	require.Len(t, got.Items, 3)
	assert.Equal(t, "item-1", got.Items[0].ID)
	assert.Equal(t, "item-3", got.Items[2].ID)
}

func TestBatchItemUpdateKeepsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBatch(ctx, &models.Batch{ID: "b", TotalFiles: 2, Status: models.BatchStatusUploading, CreatedAt: time.Now()}))
	require.NoError(t, s.PutBatchItem(ctx, "b", models.BatchItem{ID: "i1", Status: models.BatchItemProcessing}))
	require.NoError(t, s.PutBatchItem(ctx, "b", models.BatchItem{ID: "i2", Status: models.BatchItemProcessing}))

	// Rewriting an item must not duplicate it in the listing.
	require.NoError(t, s.PutBatchItem(ctx, "b", models.BatchItem{ID: "i1", Status: models.BatchItemCompleted}))

	got, err := s.GetBatch(ctx, "b")
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "i1", got.Items[0].ID)
	assert.Equal(t, models.BatchItemCompleted, got.Items[0].Status)
}

func TestGetBatch_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetBatchItem_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, &models.Batch{ID: "b", TotalFiles: 1, Status: models.BatchStatusUploading, CreatedAt: time.Now()}))

	_, err := s.GetBatchItem(ctx, "b", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordItemOutcome_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const total = 50
	require.NoError(t, s.CreateBatch(ctx, &models.Batch{ID: "b", TotalFiles: total, Status: models.BatchStatusProcessing, CreatedAt: time.Now()}))

	// Every recording must observe a distinct post-increment finished value;
	// exactly one observer sees the counter reach total.
	var mu sync.Mutex
	seen := make(map[int64]bool)
	var winners int

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := s.RecordItemOutcome(ctx, "b", CounterCompleted, 1)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[val], "duplicate post-increment value %d", val)
			seen[val] = true
			if val == total {
				winners++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Len(t, seen, total)

	// Both counters of the pair moved together.
	got, err := s.GetBatch(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, total, got.CompletedFiles)
}

func TestRecordItemOutcome_NegativeDeltaRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBatch(ctx, &models.Batch{ID: "b", TotalFiles: 2, Status: models.BatchStatusProcessing, CreatedAt: time.Now()}))

	_, err := s.RecordItemOutcome(ctx, "b", CounterFailed, 1)
	require.NoError(t, err)
	finished, err := s.RecordItemOutcome(ctx, "b", CounterFailed, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), finished)

	got, err := s.GetBatch(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailedFiles)
}

func TestClaimItemCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed, err := s.ClaimItemCompletion(ctx, "b", "item-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimItemCompletion(ctx, "b", "item-1")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.ReleaseItemClaim(ctx, "b", "item-1"))

	claimed, err = s.ClaimItemCompletion(ctx, "b", "item-1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimPageCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed, err := s.ClaimPageCompletion(ctx, "col", "page-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimPageCompletion(ctx, "col", "page-1")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.ReleasePageClaim(ctx, "col", "page-1"))

	claimed, err = s.ClaimPageCompletion(ctx, "col", "page-1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestCollectionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	col := &models.Collection{
		ID:          "col-1",
		Title:       "Photoplay 1923",
		Linkage:     models.Linkage{MovieID: "movie-9"},
		TotalPages:  2,
		PageIDs:     []string{"p1", "p2"},
		Processing:  models.ProcessingUploading,
		Publication: models.PublicationDraft,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateCollection(ctx, col))

	got, err := s.GetCollection(ctx, "col-1")
	require.NoError(t, err)
	assert.Equal(t, "Photoplay 1923", got.Title)
	assert.Equal(t, "movie-9", got.Linkage.MovieID)
	assert.Equal(t, 2, got.TotalPages)
	assert.Equal(t, []string{"p1", "p2"}, got.PageIDs)
	assert.Equal(t, models.PublicationDraft, got.Publication)

	got.CombinedText = "page one" + models.PageBreak + "page two"
	got.Metrics = models.CollectionMetrics{AccuracyScore: 88}
	got.Processing = models.ProcessingCompleted
	got.Publication = models.PublicationPendingReview
	got.CompletedAt = time.Now()
	require.NoError(t, s.UpdateCollection(ctx, got))

	final, err := s.GetCollection(ctx, "col-1")
	require.NoError(t, err)
	assert.Equal(t, got.CombinedText, final.CombinedText)
	assert.Equal(t, 88, final.Metrics.AccuracyScore)
	assert.Equal(t, models.ProcessingCompleted, final.Processing)
	assert.False(t, final.CompletedAt.IsZero())
}

func TestUpdateCollection_PreservesCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	col := &models.Collection{
		ID: "col-1", TotalPages: 3, PageIDs: []string{"p1", "p2", "p3"},
		Processing: models.ProcessingOCR, Publication: models.PublicationDraft, CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateCollection(ctx, col))

	_, err := s.IncrCollectionCounter(ctx, "col-1", CounterOCRDone, 2)
	require.NoError(t, err)

	require.NoError(t, s.UpdateCollection(ctx, col))

	got, err := s.GetCollection(ctx, "col-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.OCRCompletedPages)
}

func TestPageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	page := &models.PageUnit{
		ID:           "page-1",
		CollectionID: "col-1",
		Ordinal:      1,
		FileName:     "scan_001.png",
		ContentType:  "image/png",
		AssetRef:     "collections/col-1/page-1.png",
		Status:       models.PageStatusPending,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.SavePage(ctx, page))

	got, err := s.GetPage(ctx, "page-1")
	require.NoError(t, err)
	assert.Equal(t, page.FileName, got.FileName)
	assert.Equal(t, models.PageStatusPending, got.Status)

	pages, err := s.GetPages(ctx, []string{"page-1"})
	require.NoError(t, err)
	require.Len(t, pages, 1)

	require.NoError(t, s.DeletePage(ctx, "page-1"))
	_, err = s.GetPage(ctx, "page-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetBatchStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SetBatchStatus(context.Background(), "missing", models.BatchStatusCancelled)
	assert.ErrorIs(t, err, ErrNotFound)
}
