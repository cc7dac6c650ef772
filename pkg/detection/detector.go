// Package detection locates the subject of a photo with a vision-language
// model and falls back to pixel saliency whenever the model cannot help.
package detection

import (
	"context"
	"image"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/preview-kit/pkg/client"
	"github.com/menta2k/preview-kit/pkg/processing"
	"github.com/menta2k/preview-kit/pkg/types"
	"github.com/menta2k/preview-kit/pkg/vision"
)

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt is the default prompt for subject detection
const DefaultPrompt = `You are an image subject locator.

Return JSON only:
{
  "primary": {
    "label": "string",
    "confidence": 0.0,
    "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
    "cx": 0.0,
    "cy": 0.0
  },
  "description": "short neutral sentence (≤ 20 words)",
  "tags": ["tag1", "tag2", "tag3", "tag4", "tag5"]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels).
- The box should tightly include the visually dominant subject (prefer people/animals; else the most salient object).
- Description must be brief and factual. Do not guess real identities.
- Tags: lowercase, concise, no punctuation or duplicates.
- If no subject is found, return:
  {
    "primary":{"label":"none","confidence":0.0,"box":{"x":0.25,"y":0.25,"w":0.50,"h":0.50},"cx":0.5,"cy":0.5},
    "description":"centered generic scene",
    "tags":["generic","center","subject","photo","scene"]
  }
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Options tunes model-assisted detection
type Options struct {
	Model         string
	Timeout       time.Duration
	MinConfidence float64
	// SendFormat, SendSize and SendQuality control the image sent to the model
	SendFormat  string
	SendSize    int
	SendQuality int
}

// DefaultOptions returns the standard detection options
func DefaultOptions() Options {
	return Options{
		Model:         "openbmb/minicpm-v4.5",
		Timeout:       60 * time.Second,
		MinConfidence: 0.3,
		SendFormat:    "jpeg",
		SendSize:      1536,
		SendQuality:   85,
	}
}

// Detector handles image subject detection using vision models
type Detector struct {
	client    client.VisionClient
	fallback  client.SubjectDetector
	processor *processing.Processor
	opts      Options
	logger    *zap.Logger
}

// NewDetector creates a new detector with a vision client and default options
func NewDetector(c client.VisionClient) *Detector {
	return NewDetectorWithOptions(c, DefaultOptions())
}

// NewDetectorWithOptions creates a detector that falls back to pixel saliency
func NewDetectorWithOptions(c client.VisionClient, opts Options) *Detector {
	def := DefaultOptions()
	if opts.Model == "" {
		opts.Model = def.Model
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = def.MinConfidence
	}
	if opts.SendFormat == "" {
		opts.SendFormat = def.SendFormat
	}
	if opts.SendQuality <= 0 {
		opts.SendQuality = def.SendQuality
	}
	return &Detector{
		client:    c,
		fallback:  vision.New(),
		processor: processing.NewProcessor(),
		opts:      opts,
		logger:    zap.NewNop(),
	}
}

// SetFallback replaces the detector used when the model cannot answer
func (d *Detector) SetFallback(fallback client.SubjectDetector) {
	d.fallback = fallback
}

// SetLogger sets the detector logger
func (d *Detector) SetLogger(logger *zap.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// Detect asks the model for the subject box. Model errors, "none" answers
// and low confidence all defer to the fallback detector.
func (d *Detector) Detect(img image.Image) types.DetectionResult {
	if img == nil || d.client == nil {
		return d.fallback.Detect(img)
	}
	b := img.Bounds()

	imgB64, err := d.processor.PrepareImageForModel(img, d.opts.SendFormat, d.opts.SendSize, d.opts.SendQuality)
	if err != nil {
		d.logger.Warn("model detection skipped", zap.Error(err))
		return d.fallback.Detect(img)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()

	result, err := d.DetectSubject(ctx, d.opts.Model, imgB64)
	if err != nil {
		d.logger.Warn("model detection failed, using saliency", zap.String("model", d.opts.Model), zap.Error(err))
		return d.fallback.Detect(img)
	}

	label := strings.ToLower(result.Primary.Label)
	if label == "none" || result.Primary.Confidence < d.opts.MinConfidence {
		d.logger.Debug("model found no confident subject",
			zap.String("label", result.Primary.Label),
			zap.Float64("confidence", result.Primary.Confidence))
		return d.fallback.Detect(img)
	}

	region := BoxToRegion(result.Primary.Box, b.Dx(), b.Dy())
	if region.IsZero() {
		return d.fallback.Detect(img)
	}

	d.logger.Debug("model detected subject",
		zap.String("label", result.Primary.Label),
		zap.Float64("confidence", result.Primary.Confidence),
		zap.Strings("tags", result.Tags))

	return types.DetectionResult{
		Region:     region,
		Confidence: math.Min(result.Primary.Confidence, 1),
		Method:     types.MethodSaliency,
	}
}

// DetectSubject analyzes an image and detects the primary subject
func (d *Detector) DetectSubject(ctx context.Context, model, imageB64 string) (*types.AnalysisResult, error) {
	result, err := d.DetectSubjectWithPrompt(ctx, model, imageB64, DefaultPrompt)
	if err != nil {
		return nil, err
	}
	return validateAndAdjustResult(result), nil
}

// DetectSubjectWithPrompt analyzes an image with a custom prompt
func (d *Detector) DetectSubjectWithPrompt(ctx context.Context, model, imageB64, prompt string) (*types.AnalysisResult, error) {
	result, err := d.client.AnalyzeImage(ctx, model, prompt, imageB64)
	if err != nil {
		return nil, err
	}

	result.Primary.Box = normalizeBox(result.Primary.Box)
	result.Tags = normalizeTags(result.Tags)
	return result, nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *Detector) TestVision(ctx context.Context, model, imageB64 string) (string, error) {
	return d.client.SimpleQuery(ctx, model, SimpleTestPrompt, imageB64)
}

// BoxToRegion converts a normalized box into pixel coordinates clamped to the image
func BoxToRegion(b types.Box, width, height int) types.CropRegion {
	w, h := float64(width), float64(height)
	x0 := clamp(b.X, 0, 1) * w
	y0 := clamp(b.Y, 0, 1) * h
	x1 := clamp(b.X+b.W, 0, 1) * w
	y1 := clamp(b.Y+b.H, 0, 1) * h
	if x1 <= x0 || y1 <= y0 {
		return types.CropRegion{}
	}
	return types.CropRegion{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// validateAndAdjustResult marks replies that describe a parse failure as "none"
func validateAndAdjustResult(result *types.AnalysisResult) *types.AnalysisResult {
	if strings.ToLower(result.Primary.Label) == "none" {
		return result
	}

	fallbackIndicators := []string{"unclear", "empty", "parse", "error", "fallback", "non-json", "no json"}
	label := strings.ToLower(result.Primary.Label)
	desc := strings.ToLower(result.Description)
	for _, indicator := range fallbackIndicators {
		if strings.Contains(label, indicator) || strings.Contains(desc, indicator) {
			result.Primary.Label = "none"
			result.Primary.Confidence = 0
			break
		}
	}
	return result
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox keeps box coordinates within [0,1]
func normalizeBox(b types.Box) types.Box {
	return types.Box{
		X: clamp(b.X, 0, 1),
		Y: clamp(b.Y, 0, 1),
		W: clamp(b.W, 0, 1),
		H: clamp(b.H, 0, 1),
	}
}

// normalizeTags lowercases, dedupes and limits tags to 5 entries
func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 5)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == 5 {
			break
		}
	}
	return out
}
