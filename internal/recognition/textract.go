package recognition

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	cfg "github.com/feichai0017/archive-ocr/config"
	"github.com/feichai0017/archive-ocr/internal/models"
	"github.com/feichai0017/archive-ocr/pkg/logger"
)

// TextractRecognizer 基于 AWS Textract 的识别客户端
type TextractRecognizer struct {
	client *textract.Client
	logger logger.Logger
}

func NewTextractRecognizer(ctx context.Context, log logger.Logger) (*TextractRecognizer, error) {
	tc := cfg.GetTextractConfig()

	creds := credentials.NewStaticCredentialsProvider(
		tc.AccessKey,
		tc.SecretKey,
		"",
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(tc.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &TextractRecognizer{
		client: textract.NewFromConfig(awsCfg),
		logger: log,
	}, nil
}

func (r *TextractRecognizer) CanProcess(contentType string) bool {
	return supportedImageType(contentType)
}

// Recognize 调用 Textract DetectDocumentText 并将 block 转为区域结果
func (r *TextractRecognizer) Recognize(ctx context.Context, data []byte, contentType string) (*Result, error) {
	input := &textract.DetectDocumentTextInput{
		Document: &types.Document{
			Bytes: data,
		},
	}

	out, err := r.client.DetectDocumentText(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to detect document text: %w", err)
	}

	result := &Result{}
	var confSum float64
	var confCount int

	for _, block := range out.Blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}

		region := models.TextRegion{
			Text: *block.Text,
		}
		if block.Confidence != nil {
			// Textract reports 0-100, the rest of the system works in [0,1].
			region.Confidence = float64(*block.Confidence) / 100
			confSum += region.Confidence
			confCount++
		}
		if block.Geometry != nil && block.Geometry.BoundingBox != nil {
			bb := block.Geometry.BoundingBox
			region.BoundingBox = models.BoundingBox{
				Left:   float64(bb.Left),
				Top:    float64(bb.Top),
				Width:  float64(bb.Width),
				Height: float64(bb.Height),
			}
			// Line height is the only size signal Textract gives; scale to a
			// rough point estimate assuming a letter-height page.
			region.HeadingSize = float64(bb.Height) * 792
		}

		if result.Text != "" {
			result.Text += "\n"
		}
		result.Text += region.Text
		result.Regions = append(result.Regions, region)
	}

	if confCount > 0 {
		result.Confidence = confSum / float64(confCount)
	}

	r.logger.Debug("Textract recognition finished",
		logger.Int("regions", len(result.Regions)),
		logger.Float64("confidence", result.Confidence),
	)

	return result, nil
}
