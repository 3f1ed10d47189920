package models

import (
	"time"
)

// PageStatus 页面识别状态
type PageStatus string

const (
	PageStatusPending     PageStatus = "pending"
	PageStatusRecognizing PageStatus = "recognizing"
	PageStatusRecognized  PageStatus = "recognized"
	PageStatusFailed      PageStatus = "failed"
)

// BoundingBox is a normalized rectangle over the source image, origin top-left.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// TextRegion 识别出的文本区域
type TextRegion struct {
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"boundingBox"`
	// HeadingSize is the estimated font height in points for regions that look
	// like headings; zero when the engine gives no size estimate.
	HeadingSize float64 `json:"headingSize,omitempty"`
}

// PageUnit 一张上传图片及其识别结果
// Ordinal is 1-based within a collection and zero for standalone batch items.
type PageUnit struct {
	ID           string       `json:"id"`
	BatchID      string       `json:"batchId,omitempty"`
	CollectionID string       `json:"collectionId,omitempty"`
	Ordinal      int          `json:"ordinal,omitempty"`
	FileName     string       `json:"fileName"`
	ContentType  string       `json:"contentType"`
	AssetRef     string       `json:"assetRef"`
	Hash         string       `json:"hash,omitempty"`
	Status       PageStatus   `json:"status"`
	Text         string       `json:"text,omitempty"`
	Confidence   float64      `json:"confidence"`
	Regions      []TextRegion `json:"regions,omitempty"`
	Headings     []string     `json:"headings,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	RecognizedAt time.Time    `json:"recognizedAt,omitempty"`
}
