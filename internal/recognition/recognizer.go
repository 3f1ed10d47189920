package recognition

import (
	"context"
	"fmt"
	"strings"

	"github.com/feichai0017/archive-ocr/internal/models"
	"github.com/feichai0017/archive-ocr/pkg/logger"
)

// Result is the output of one recognition call over one page image.
type Result struct {
	Text       string
	Confidence float64
	Regions    []models.TextRegion
}

// Recognizer turns raw image bytes into extracted text. Calls may block for
// the engine's round-trip and may fail per call; callers convert a failure
// into a terminal per-item state instead of propagating it.
type Recognizer interface {
	Recognize(ctx context.Context, data []byte, contentType string) (*Result, error)
	CanProcess(contentType string) bool
}

// EngineType selects the recognition backend.
type EngineType string

const (
	EngineTextract  EngineType = "textract"
	EngineTesseract EngineType = "tesseract"
)

// NewRecognizer 根据引擎类型创建识别客户端
func NewRecognizer(ctx context.Context, engine EngineType, log logger.Logger) (Recognizer, error) {
	switch engine {
	case EngineTextract:
		return NewTextractRecognizer(ctx, log)
	case EngineTesseract:
		return NewTesseractRecognizer(log)
	default:
		return nil, fmt.Errorf("unsupported recognition engine: %s", engine)
	}
}

// HeadingCandidates extracts heading strings from a result's regions, largest
// estimated size first. Regions without a size estimate are ignored.
func HeadingCandidates(regions []models.TextRegion, minSize float64) []string {
	var headings []string
	for _, r := range regions {
		if r.HeadingSize >= minSize && strings.TrimSpace(r.Text) != "" {
			headings = append(headings, strings.TrimSpace(r.Text))
		}
	}
	return headings
}

func supportedImageType(contentType string) bool {
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg", "image/png", "image/tiff":
		return true
	}
	return false
}
