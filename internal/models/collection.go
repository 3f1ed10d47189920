package models

import (
	"time"
)

// ProcessingStatus 合集的处理状态
type ProcessingStatus string

const (
	ProcessingUploading ProcessingStatus = "uploading"
	ProcessingOCR       ProcessingStatus = "processing_ocr"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// PublicationStatus 合集的发布状态，与处理状态相互独立
type PublicationStatus string

const (
	PublicationDraft         PublicationStatus = "draft"
	PublicationPendingReview PublicationStatus = "pending_review"
	PublicationPublished     PublicationStatus = "published"
)

// PageBreak separates page texts inside the combined text.
const PageBreak = "\n\n----- PAGE BREAK -----\n\n"

// CollectionMetrics are computed once during the completion sequence.
type CollectionMetrics struct {
	// AccuracyScore is the mean per-page confidence scaled to 0-100. Failed
	// pages contribute zero and stay in the denominator.
	AccuracyScore int `json:"accuracyScore"`
	// BlocksAboveThreshold / BlocksBelowThreshold are percentages of text
	// regions whose confidence sits above/below the configured threshold.
	BlocksAboveThreshold int `json:"blocksAboveThreshold"`
	BlocksBelowThreshold int `json:"blocksBelowThreshold"`
	// MeanFontSize averages region heading sizes where the engine reported one.
	MeanFontSize float64 `json:"meanFontSize"`
	// Headings carries up to five deduplicated heading candidates across pages.
	Headings []string `json:"headings,omitempty"`
}

// Linkage 可选的外部关联（电影/角色等外键，对本系统不透明）
type Linkage struct {
	MovieID     string `json:"movieId,omitempty"`
	CharacterID string `json:"characterId,omitempty"`
}

// Collection 一份多页逻辑文档的聚合根
type Collection struct {
	ID                string            `json:"id"`
	Title             string            `json:"title,omitempty"`
	Linkage           Linkage           `json:"linkage,omitempty"`
	TotalPages        int               `json:"totalPages"`
	OCRCompletedPages int               `json:"ocrCompletedPages"`
	CombinedText      string            `json:"combinedText,omitempty"`
	Metrics           CollectionMetrics `json:"metrics"`
	Processing        ProcessingStatus  `json:"processingStatus"`
	Publication       PublicationStatus `json:"publicationStatus"`
	PageIDs           []string          `json:"pageIds"`
	CreatedAt         time.Time         `json:"createdAt"`
	CompletedAt       time.Time         `json:"completedAt,omitempty"`
}
