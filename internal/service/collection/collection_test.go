package collection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/archive-ocr/internal/models"
	"github.com/feichai0017/archive-ocr/internal/recognition"
	"github.com/feichai0017/archive-ocr/internal/store"
	"github.com/feichai0017/archive-ocr/pkg/logger"
	"github.com/feichai0017/archive-ocr/pkg/queue"
	"github.com/feichai0017/archive-ocr/pkg/storage/memory"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*queue.RecognitionJob
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *queue.RecognitionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) jobCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type testEnv struct {
	svc    *Service
	assets *memory.MemoryStorage
	queue  *fakeQueue
	logs   *logger.TestLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	metaStore, err := store.NewRedisStore(client)
	require.NoError(t, err)

	assets := memory.NewMemoryStorage()
	q := &fakeQueue{}
	logs := logger.NewTestLogger()

	return &testEnv{
		svc:    NewService(metaStore, assets, q, logs, nil),
		assets: assets,
		queue:  q,
		logs:   logs,
	}
}

func scanPages(n int) []UploadPage {
	pages := make([]UploadPage, n)
	for i := range pages {
		pages[i] = UploadPage{
			FileName:    fmt.Sprintf("page_%03d.png", i+1),
			ContentType: "image/png",
			Data:        append([]byte("\x89PNG\r\n\x1a\n"), byte(i)),
		}
	}
	return pages
}

func TestCreateCollection_AssignsOrdinalsFromOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	col, err := env.svc.CreateCollection(ctx, scanPages(3), "Photoplay 1923", models.Linkage{MovieID: "m1"})
	require.NoError(t, err)

	assert.Equal(t, 3, col.TotalPages)
	assert.Equal(t, models.ProcessingOCR, col.Processing)
	assert.Equal(t, models.PublicationDraft, col.Publication)
	assert.Equal(t, 3, env.assets.Len())
	assert.Equal(t, 3, env.queue.jobCount())

	pages, err := env.svc.GetPages(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, i+1, p.Ordinal)
		assert.Equal(t, fmt.Sprintf("page_%03d.png", i+1), p.FileName)
	}
}

func TestCreateCollection_RejectsEmpty(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateCollection(context.Background(), nil, "", models.Linkage{})
	assert.ErrorIs(t, err, ErrNoPages)
}

func TestCompletePage_FinalizesOnceAllPagesDone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	col, err := env.svc.CreateCollection(ctx, scanPages(3), "", models.Linkage{})
	require.NoError(t, err)

	texts := []string{"first page", "second page", "third page"}
	// Completion order is shuffled; the combined text must still follow
	// ordinals.
	order := rand.New(rand.NewSource(3)).Perm(3)
	for _, idx := range order {
		res := &recognition.Result{Text: texts[idx], Confidence: 0.9}
		require.NoError(t, env.svc.CompletePage(ctx, col.ID, col.PageIDs[idx], res, nil))
	}

	final, err := env.svc.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingCompleted, final.Processing)
	assert.Equal(t, models.PublicationPendingReview, final.Publication)
	assert.False(t, final.CompletedAt.IsZero())

	want := "first page" + models.PageBreak + "second page" + models.PageBreak + "third page"
	assert.Equal(t, want, final.CombinedText)
}

func TestCompletePage_AccuracyCountsFailedPages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	col, err := env.svc.CreateCollection(ctx, scanPages(3), "", models.Linkage{})
	require.NoError(t, err)

	require.NoError(t, env.svc.CompletePage(ctx, col.ID, col.PageIDs[0],
		&recognition.Result{Text: "a", Confidence: 0.9}, nil))
	require.NoError(t, env.svc.CompletePage(ctx, col.ID, col.PageIDs[1],
		&recognition.Result{Text: "b", Confidence: 0.95}, nil))
	require.NoError(t, env.svc.CompletePage(ctx, col.ID, col.PageIDs[2], nil, errors.New("unreadable")))

	// Mean of 0.9, 0.95 and 0.0 scaled to 0-100 and rounded.
	snap, err := env.svc.GetCollectionStatus(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingCompleted, snap.Processing)
	require.NotNil(t, snap.AccuracyScore)
	assert.Equal(t, 62, *snap.AccuracyScore)
}

func TestCompletePage_LateResultDoesNotReopenCollection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	col, err := env.svc.CreateCollection(ctx, scanPages(2), "", models.Linkage{})
	require.NoError(t, err)

	require.NoError(t, env.svc.CompletePage(ctx, col.ID, col.PageIDs[0],
		&recognition.Result{Text: "one", Confidence: 0.8}, nil))
	require.NoError(t, env.svc.CompletePage(ctx, col.ID, col.PageIDs[1],
		&recognition.Result{Text: "two", Confidence: 0.8}, nil))

	before, err := env.svc.GetCollection(ctx, col.ID)
	require.NoError(t, err)

	// A duplicate delivery after finalize must not change the combined text
	// or run finalize again.
	require.NoError(t, env.svc.CompletePage(ctx, col.ID, col.PageIDs[1],
		&recognition.Result{Text: "REVISED", Confidence: 0.99}, nil))

	after, err := env.svc.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, before.CombinedText, after.CombinedText)
	assert.Equal(t, before.Metrics.AccuracyScore, after.Metrics.AccuracyScore)
}

func TestCompletePage_ConcurrentSingleFinalize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 8
	col, err := env.svc.CreateCollection(ctx, scanPages(n), "", models.Linkage{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, pageID := range col.PageIDs {
		wg.Add(1)
		go func(i int, pageID string) {
			defer wg.Done()
			res := &recognition.Result{Text: fmt.Sprintf("page %d", i+1), Confidence: 0.9}
			assert.NoError(t, env.svc.CompletePage(ctx, col.ID, pageID, res, nil))
		}(i, pageID)
	}
	wg.Wait()

	final, err := env.svc.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingCompleted, final.Processing)
	assert.Equal(t, n, final.OCRCompletedPages)

	finalized := 0
	for _, entry := range env.logs.Entries() {
		if entry.Message == "Collection finalized" {
			finalized++
		}
	}
	assert.Equal(t, 1, finalized)
}

func TestCompletePage_UnknownPageRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	col, err := env.svc.CreateCollection(ctx, scanPages(1), "", models.Linkage{})
	require.NoError(t, err)

	err = env.svc.CompletePage(ctx, col.ID, "no-such-page",
		&recognition.Result{Text: "x", Confidence: 0.5}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap, err := env.svc.GetCollectionStatus(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.OCRCompletedPages)
	assert.Equal(t, models.ProcessingOCR, snap.Processing)
}

func TestCompletePage_PageFromOtherCollectionRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	colA, err := env.svc.CreateCollection(ctx, scanPages(1), "", models.Linkage{})
	require.NoError(t, err)
	colB, err := env.svc.CreateCollection(ctx, scanPages(1), "", models.Linkage{})
	require.NoError(t, err)

	err = env.svc.CompletePage(ctx, colA.ID, colB.PageIDs[0],
		&recognition.Result{Text: "x", Confidence: 0.5}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemovePage_RenumbersSurvivors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	col, err := env.svc.CreateCollection(ctx, scanPages(4), "", models.Linkage{})
	require.NoError(t, err)
	for i, pageID := range col.PageIDs {
		res := &recognition.Result{Text: fmt.Sprintf("page %d", i+1), Confidence: 0.9}
		require.NoError(t, env.svc.CompletePage(ctx, col.ID, pageID, res, nil))
	}

	require.NoError(t, env.svc.RemovePage(ctx, col.ID, col.PageIDs[1]))

	pages, err := env.svc.GetPages(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{pages[0].Ordinal, pages[1].Ordinal, pages[2].Ordinal})
	assert.Equal(t, "page 1", pages[0].Text)
	assert.Equal(t, "page 3", pages[1].Text)
	assert.Equal(t, "page 4", pages[2].Text)

	got, err := env.svc.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalPages)
	assert.Equal(t, 3, env.assets.Len())
}

func TestRemovePage_UnknownPage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	col, err := env.svc.CreateCollection(ctx, scanPages(1), "", models.Linkage{})
	require.NoError(t, err)

	err = env.svc.RemovePage(ctx, col.ID, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefinalize_RecomputesAfterRemoval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	col, err := env.svc.CreateCollection(ctx, scanPages(3), "", models.Linkage{})
	require.NoError(t, err)
	confidences := []float64{0.9, 0.3, 0.9}
	for i, pageID := range col.PageIDs {
		res := &recognition.Result{Text: fmt.Sprintf("page %d", i+1), Confidence: confidences[i]}
		require.NoError(t, env.svc.CompletePage(ctx, col.ID, pageID, res, nil))
	}

	before, err := env.svc.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, before.Metrics.AccuracyScore)

	// Removal alone leaves the finalized output untouched.
	require.NoError(t, env.svc.RemovePage(ctx, col.ID, col.PageIDs[1]))
	mid, err := env.svc.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, before.CombinedText, mid.CombinedText)

	require.NoError(t, env.svc.Refinalize(ctx, col.ID))
	after, err := env.svc.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, "page 1"+models.PageBreak+"page 3", after.CombinedText)
	assert.Equal(t, 90, after.Metrics.AccuracyScore)
}

func TestComputeMetrics_RegionsAndHeadings(t *testing.T) {
	env := newTestEnv(t)

	pages := []*models.PageUnit{
		{
			Ordinal:    1,
			Confidence: 0.9,
			Regions: []models.TextRegion{
				{Text: "PHOTOPLAY", Confidence: 0.95, HeadingSize: 24},
				{Text: "body line", Confidence: 0.9, HeadingSize: 10},
				{Text: "smudge", Confidence: 0.4, HeadingSize: 10},
			},
			Headings: []string{"PHOTOPLAY"},
		},
		{
			Ordinal:    2,
			Confidence: 0.8,
			Regions: []models.TextRegion{
				{Text: "photoplay", Confidence: 0.85, HeadingSize: 22},
			},
			Headings: []string{"photoplay", "Vol. XXIV"},
		},
	}

	metrics := env.svc.computeMetrics(pages)

	assert.Equal(t, 85, metrics.AccuracyScore)
	assert.Equal(t, 75, metrics.BlocksAboveThreshold)
	assert.Equal(t, 25, metrics.BlocksBelowThreshold)
	assert.InDelta(t, 16.5, metrics.MeanFontSize, 0.001)
	// Headings are case-insensitively deduplicated, first spelling wins.
	assert.Equal(t, []string{"PHOTOPLAY", "Vol. XXIV"}, metrics.Headings)
}

// flakyStore lets tests fail selected writes a fixed number of times before
// delegating to the real store.
type flakyStore struct {
	store.MetadataStore
	savePageFails         int
	updateCollectionFails int
}

func (f *flakyStore) SavePage(ctx context.Context, page *models.PageUnit) error {
	if f.savePageFails > 0 {
		f.savePageFails--
		return errors.New("transient store error")
	}
	return f.MetadataStore.SavePage(ctx, page)
}

func (f *flakyStore) UpdateCollection(ctx context.Context, col *models.Collection) error {
	if f.updateCollectionFails > 0 {
		f.updateCollectionFails--
		return errors.New("transient store error")
	}
	return f.MetadataStore.UpdateCollection(ctx, col)
}

func newFlakyEnv(t *testing.T) (*Service, *flakyStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	metaStore, err := store.NewRedisStore(client)
	require.NoError(t, err)

	flaky := &flakyStore{MetadataStore: metaStore}
	svc := NewService(flaky, memory.NewMemoryStorage(), &fakeQueue{}, logger.NewTestLogger(), nil)
	return svc, flaky
}

func TestCompletePage_StoreFailureReleasesClaim(t *testing.T) {
	svc, flaky := newFlakyEnv(t)
	ctx := context.Background()

	col, err := svc.CreateCollection(ctx, scanPages(1), "", models.Linkage{})
	require.NoError(t, err)

	// First delivery hits a store failure after the claim; the error goes
	// back to the queue and nothing is counted.
	flaky.savePageFails = 1
	res := &recognition.Result{Text: "only page", Confidence: 0.9}
	err = svc.CompletePage(ctx, col.ID, col.PageIDs[0], res, nil)
	assert.Error(t, err)

	snap, err := svc.GetCollectionStatus(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingOCR, snap.Processing)
	assert.Equal(t, 0, snap.OCRCompletedPages)

	// The redelivery must not be swallowed as a duplicate.
	require.NoError(t, svc.CompletePage(ctx, col.ID, col.PageIDs[0], res, nil))

	final, err := svc.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingCompleted, final.Processing)
	assert.Equal(t, "only page", final.CombinedText)
}

func TestCompletePage_LostFinalizeRecovered(t *testing.T) {
	svc, flaky := newFlakyEnv(t)
	ctx := context.Background()

	col, err := svc.CreateCollection(ctx, scanPages(1), "", models.Linkage{})
	require.NoError(t, err)

	// The counter fills but the finalize write fails; the error goes back to
	// the queue.
	flaky.updateCollectionFails = 1
	res := &recognition.Result{Text: "only page", Confidence: 0.9}
	err = svc.CompletePage(ctx, col.ID, col.PageIDs[0], res, nil)
	assert.Error(t, err)

	snap, err := svc.GetCollectionStatus(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingOCR, snap.Processing)
	assert.Equal(t, 1, snap.OCRCompletedPages)

	// The redelivery takes the duplicate path and re-runs the lost finalize.
	require.NoError(t, svc.CompletePage(ctx, col.ID, col.PageIDs[0], res, nil))

	final, err := svc.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingCompleted, final.Processing)
	assert.Equal(t, models.PublicationPendingReview, final.Publication)
}

func TestStatusSnapshot_HidesScoreUntilCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	col, err := env.svc.CreateCollection(ctx, scanPages(2), "", models.Linkage{})
	require.NoError(t, err)

	snap, err := env.svc.GetCollectionStatus(ctx, col.ID)
	require.NoError(t, err)
	assert.Nil(t, snap.AccuracyScore)
	assert.Equal(t, models.ProcessingOCR, snap.Processing)
}
