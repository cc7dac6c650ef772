package types

import (
	"fmt"
	"image"
	"math"
	"strings"
	"time"
)

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Primary represents the primary subject reported by a vision model
type Primary struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
	Cx         float64 `json:"cx"`
	Cy         float64 `json:"cy"`
}

// AnalysisResult contains the complete analysis result from the vision model
type AnalysisResult struct {
	Primary     Primary  `json:"primary"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// Orientation selects the target aspect ratio of a crop
type Orientation string

const (
	Square     Orientation = "square"
	Vertical   Orientation = "vertical"
	Horizontal Orientation = "horizontal"
)

// Orientations returns every supported orientation
func Orientations() []Orientation {
	return []Orientation{Square, Vertical, Horizontal}
}

// Ratio returns width/height for the orientation
func (o Orientation) Ratio() float64 {
	switch o {
	case Vertical:
		return 2.0 / 3.0
	case Horizontal:
		return 3.0 / 2.0
	default:
		return 1.0
	}
}

// Valid reports whether o is one of the supported orientations
func (o Orientation) Valid() bool {
	switch o {
	case Square, Vertical, Horizontal:
		return true
	}
	return false
}

// ParseOrientation accepts the canonical names plus portrait/landscape aliases
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "square", "1:1":
		return Square, nil
	case "vertical", "portrait", "2:3":
		return Vertical, nil
	case "horizontal", "landscape", "3:2":
		return Horizontal, nil
	}
	return "", fmt.Errorf("unknown orientation %q", s)
}

// CropRegion is a rectangle in source-image pixel coordinates
type CropRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the centroid of the region
func (r CropRegion) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Area returns the area of the region
func (r CropRegion) Area() float64 {
	return r.Width * r.Height
}

// IsZero reports whether the region has no extent
func (r CropRegion) IsZero() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Within reports whether the region lies inside a width x height image
func (r CropRegion) Within(width, height int) bool {
	const eps = 1e-6
	return r.X >= -eps && r.Y >= -eps &&
		r.X+r.Width <= float64(width)+eps &&
		r.Y+r.Height <= float64(height)+eps
}

// Rect returns the smallest integer rectangle covering the region. A region
// with positive extent always covers at least one pixel per axis.
func (r CropRegion) Rect() image.Rectangle {
	x0, x1 := pixelSpan(r.X, r.Width)
	y0, y1 := pixelSpan(r.Y, r.Height)
	return image.Rect(x0, y0, x1, y1)
}

// pixelSpan floors the start and ceils the end, ignoring float noise
func pixelSpan(start, length float64) (int, int) {
	const eps = 1e-6
	lo := int(math.Floor(start + eps))
	hi := int(math.Ceil(start + length - eps))
	if length > 0 && hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// DetectionMethod records how a subject region was found
type DetectionMethod string

const (
	MethodSaliency       DetectionMethod = "saliency"
	MethodCenterFallback DetectionMethod = "center_fallback"
)

// DetectionResult is produced once per detection call
type DetectionResult struct {
	Region     CropRegion      `json:"region"`
	Confidence float64         `json:"confidence"`
	Method     DetectionMethod `json:"method"`
}

// Dimensions holds image width and height in pixels
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CropSource records who produced a crop
type CropSource string

const (
	GeneratedSmart  CropSource = "smart"
	GeneratedManual CropSource = "manual"
)

// DebugInfo carries intermediate detection data for a smart crop
type DebugInfo struct {
	DetectionMethod     DetectionMethod `json:"detection_method"`
	DetectionConfidence float64         `json:"detection_confidence"`
	SubjectRegion       CropRegion      `json:"subject_region"`
	ExpandedRegion      CropRegion      `json:"expanded_region"`
}

// SmartCropResult is the cached output of the crop engine
type SmartCropResult struct {
	Orientation            Orientation `json:"orientation"`
	CroppedAsset           []byte      `json:"-"`
	Format                 string      `json:"format"`
	Region                 CropRegion  `json:"region"`
	SourceDimensions       Dimensions  `json:"source_dimensions"`
	GeneratedAtEpochMillis int64       `json:"generated_at"`
	GeneratedBy            CropSource  `json:"generated_by"`
	DebugInfo              *DebugInfo  `json:"debug_info,omitempty"`
}

// QualityTier selects preview or final rendering quality
type QualityTier string

const (
	QualityPreview QualityTier = "preview"
	QualityFinal   QualityTier = "final"
)

// GenerationRequest describes one styled preview request
type GenerationRequest struct {
	RequestID     string      `json:"requestId,omitempty"`
	ImageURL      string      `json:"imageUrl,omitempty"`
	ImageData     string      `json:"imageData,omitempty"`
	Style         string      `json:"style"`
	PhotoID       string      `json:"photoId"`
	AspectRatio   string      `json:"aspectRatio"`
	Watermark     bool        `json:"watermark"`
	Quality       QualityTier `json:"quality"`
	SessionID     string      `json:"sessionId,omitempty"`
	Authenticated bool        `json:"isAuthenticated"`
}

// PayloadSize returns the encoded size of the image carried by the request
func (r GenerationRequest) PayloadSize() int {
	if r.ImageData != "" {
		return len(r.ImageData)
	}
	return len(r.ImageURL)
}

// OutcomeKind distinguishes immediate results from asynchronous jobs
type OutcomeKind int

const (
	OutcomeComplete OutcomeKind = iota
	OutcomeProcessing
)

// GenerationOutcome is either Complete{PreviewURL} or Processing{JobID}
type GenerationOutcome struct {
	Kind       OutcomeKind
	PreviewURL string
	JobID      string
}

// Complete builds a finished outcome
func Complete(previewURL string) GenerationOutcome {
	return GenerationOutcome{Kind: OutcomeComplete, PreviewURL: previewURL}
}

// Processing builds an outcome that must be polled
func Processing(jobID string) GenerationOutcome {
	return GenerationOutcome{Kind: OutcomeProcessing, JobID: jobID}
}

// PollStatus is the normalized state of a remote job
type PollStatus string

const (
	PollPending   PollStatus = "pending"
	PollSucceeded PollStatus = "succeeded"
	PollFailed    PollStatus = "failed"
)

// PollState is a single status observation of a remote job
type PollState struct {
	JobID        string
	Status       PollStatus
	PreviewURL   string
	ErrorMessage string
}

// WatermarkJob is sent to the background compositor
type WatermarkJob struct {
	CorrelationID  string `json:"correlation_id"`
	SourceImage    string `json:"source_image"`
	WatermarkAsset string `json:"watermark_asset"`
}

// WatermarkOutcome answers a WatermarkJob with the same correlation id
type WatermarkOutcome struct {
	CorrelationID string `json:"correlation_id"`
	FinalHandle   string `json:"final_handle,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Success reports whether the outcome carries a final handle
func (o WatermarkOutcome) Success() bool {
	return o.Error == "" && o.FinalHandle != ""
}

// PreviewRecord is persisted after a successful authenticated generation
type PreviewRecord struct {
	PhotoID    string    `json:"photoId"`
	Style      string    `json:"style"`
	PreviewURL string    `json:"previewUrl"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Stage names a pipeline step reported to telemetry
type Stage string

const (
	StageGenerating   Stage = "generating"
	StagePolling      Stage = "polling"
	StageWatermarking Stage = "watermarking"
)

// StageEvent is an advisory progress notification
type StageEvent struct {
	Stage     Stage
	RequestID string
	Attempt   int
}

// StageFunc receives stage events; it must not influence control flow
type StageFunc func(StageEvent)

// Emit calls f if set and ignores any panic it raises
func (f StageFunc) Emit(e StageEvent) {
	if f == nil {
		return
	}
	defer func() { _ = recover() }()
	f(e)
}
