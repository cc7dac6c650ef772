package client

import (
	"context"
	"image"

	"github.com/menta2k/preview-kit/pkg/types"
)

// VisionClient is a vision-language model backend that can locate a subject
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error)
}

// SubjectDetector finds the salient region of a decoded image. Implementations
// never fail; they degrade to a center fallback instead.
type SubjectDetector interface {
	Detect(img image.Image) types.DetectionResult
}
