package collection

import (
	"context"

	"github.com/feichai0017/archive-ocr/internal/models"
	"github.com/feichai0017/archive-ocr/internal/recognition"
)

// UploadPage is one page image in creation order; ordinals are assigned from
// the slice position, 1-based.
type UploadPage struct {
	FileName    string
	ContentType string
	Data        []byte
}

// StatusSnapshot is the read-only view returned by status queries.
type StatusSnapshot struct {
	CollectionID      string                   `json:"collectionId"`
	TotalPages        int                      `json:"totalPages"`
	OCRCompletedPages int                      `json:"ocrCompletedPages"`
	Processing        models.ProcessingStatus  `json:"processingStatus"`
	Publication       models.PublicationStatus `json:"publicationStatus"`
	AccuracyScore     *int                     `json:"accuracyScore,omitempty"`
}

// Aggregator owns the lifecycle of one multi-page logical document: ordered
// accumulation of page recognition results, one-shot completion detection and
// accuracy scoring.
type Aggregator interface {
	// CreateCollection fixes totalPages at creation time, persists the page
	// assets and dispatches one recognition job per page tagged with its
	// ordinal.
	CreateCollection(ctx context.Context, pages []UploadPage, title string, linkage models.Linkage) (*models.Collection, error)
	// CompletePage records one page's recognition outcome. A failed page
	// contributes zero confidence and still counts toward completion so the
	// collection cannot hang. The first completion that fills the counter
	// runs the one-shot finalize sequence.
	CompletePage(ctx context.Context, collectionID, pageID string, result *recognition.Result, recErr error) error
	GetCollectionStatus(ctx context.Context, collectionID string) (*StatusSnapshot, error)
	GetCollection(ctx context.Context, collectionID string) (*models.Collection, error)
	// GetPages returns the collection's page units in ordinal order, for
	// callers that need current texts (duplicate detection at the API
	// boundary).
	GetPages(ctx context.Context, collectionID string) ([]*models.PageUnit, error)
	// RemovePage deletes a page (typically after duplicate resolution) and
	// renumbers the remainder 1..k contiguously. Combined text and metrics
	// stay as computed unless Refinalize is called.
	RemovePage(ctx context.Context, collectionID, pageID string) error
	// Refinalize recomputes combined text and metrics from current pages.
	// This is the only way a finalized collection's combined text changes.
	Refinalize(ctx context.Context, collectionID string) error
}
