package recognition

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/archive-ocr/internal/models"
	"github.com/feichai0017/archive-ocr/pkg/logger"
)

// TesseractRecognizer 基于本地 tesseract 的识别客户端
type TesseractRecognizer struct {
	logger        logger.Logger
	languages     []string
	preprocessors []Preprocessor
}

func NewTesseractRecognizer(log logger.Logger) (*TesseractRecognizer, error) {
	return &TesseractRecognizer{
		logger:    log,
		languages: []string{"eng"},
		preprocessors: []Preprocessor{
			NewGrayscalePreprocessor(),
			NewContrastPreprocessor(15),
			NewSharpenPreprocessor(0.5),
		},
	}, nil
}

func (r *TesseractRecognizer) CanProcess(contentType string) bool {
	return supportedImageType(contentType)
}

func (r *TesseractRecognizer) Recognize(ctx context.Context, data []byte, contentType string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	for _, p := range r.preprocessors {
		if img, err = p.Process(img); err != nil {
			return nil, fmt.Errorf("preprocessing failed: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode preprocessed image: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(r.languages...); err != nil {
		return nil, fmt.Errorf("failed to set languages: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("failed to get bounding boxes: %w", err)
	}

	bounds := img.Bounds()
	width := float64(bounds.Dx())
	height := float64(bounds.Dy())

	result := &Result{}
	var confSum float64
	var confCount int

	for _, box := range boxes {
		if box.Word == "" {
			continue
		}
		region := models.TextRegion{
			Text:       box.Word,
			Confidence: box.Confidence / 100,
			BoundingBox: models.BoundingBox{
				Left:   float64(box.Box.Min.X) / width,
				Top:    float64(box.Box.Min.Y) / height,
				Width:  float64(box.Box.Dx()) / width,
				Height: float64(box.Box.Dy()) / height,
			},
		}
		// Pixel line height scaled to a point estimate at 72 DPI.
		region.HeadingSize = float64(box.Box.Dy()) * 72 / 96

		confSum += region.Confidence
		confCount++

		if result.Text != "" {
			result.Text += "\n"
		}
		result.Text += box.Word
		result.Regions = append(result.Regions, region)
	}

	if confCount > 0 {
		result.Confidence = confSum / float64(confCount)
	}

	r.logger.Debug("Tesseract recognition finished",
		logger.Int("regions", len(result.Regions)),
		logger.Float64("confidence", result.Confidence),
	)

	return result, nil
}
