package models

import (
	"time"
)

// BatchStatus 批量上传状态
type BatchStatus string

const (
	BatchStatusUploading  BatchStatus = "uploading"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusPaused     BatchStatus = "paused"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition happens.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusCancelled
}

// BatchItemStatus 批次内单个文件的状态
type BatchItemStatus string

const (
	BatchItemProcessing BatchItemStatus = "processing_ocr"
	BatchItemCompleted  BatchItemStatus = "completed"
	BatchItemFailed     BatchItemStatus = "failed"
)

// BatchItem is the per-file entry inside a batch.
type BatchItem struct {
	ID       string          `json:"id"`
	PageID   string          `json:"pageId"`
	FileName string          `json:"fileName"`
	Status   BatchItemStatus `json:"status"`
	Error    string          `json:"error,omitempty"`
}

// Batch 一次批量上传的聚合根
// Counter fields live in the metadata store and are mutated only through
// atomic increments; the struct holds the last read snapshot.
type Batch struct {
	ID             string      `json:"id"`
	TotalFiles     int         `json:"totalFiles"`
	CompletedFiles int         `json:"completedFiles"`
	FailedFiles    int         `json:"failedFiles"`
	Status         BatchStatus `json:"status"`
	Items          []BatchItem `json:"items"`
	CreatedAt      time.Time   `json:"createdAt"`
	FinishedAt     time.Time   `json:"finishedAt,omitempty"`
}

// Progress 返回派生进度百分比（不落库）
func (b *Batch) Progress() int {
	if b.TotalFiles == 0 {
		return 0
	}
	done := b.CompletedFiles + b.FailedFiles
	return int(float64(done)/float64(b.TotalFiles)*100 + 0.5)
}

// StatusCounts returns a histogram of item statuses, derived on read.
func (b *Batch) StatusCounts() map[BatchItemStatus]int {
	counts := make(map[BatchItemStatus]int)
	for _, item := range b.Items {
		counts[item.Status]++
	}
	return counts
}

// BatchAction 用户触发的批次操作
type BatchAction string

const (
	BatchActionPause  BatchAction = "pause"
	BatchActionResume BatchAction = "resume"
	BatchActionCancel BatchAction = "cancel"
)
