package recognition

import (
	"image"

	"github.com/disintegration/imaging"
)

// Preprocessor 图像预处理接口
type Preprocessor interface {
	Process(img image.Image) (image.Image, error)
}

// GrayscalePreprocessor drops color information before recognition.
type GrayscalePreprocessor struct{}

func NewGrayscalePreprocessor() *GrayscalePreprocessor {
	return &GrayscalePreprocessor{}
}

func (p *GrayscalePreprocessor) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// ContrastPreprocessor boosts contrast, helping faded historical print.
type ContrastPreprocessor struct {
	percentage float64
}

func NewContrastPreprocessor(percentage float64) *ContrastPreprocessor {
	return &ContrastPreprocessor{percentage: percentage}
}

func (p *ContrastPreprocessor) Process(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(img, p.percentage), nil
}

// SharpenPreprocessor applies a mild unsharp mask.
type SharpenPreprocessor struct {
	sigma float64
}

func NewSharpenPreprocessor(sigma float64) *SharpenPreprocessor {
	return &SharpenPreprocessor{sigma: sigma}
}

func (p *SharpenPreprocessor) Process(img image.Image) (image.Image, error) {
	return imaging.Sharpen(img, p.sigma), nil
}
