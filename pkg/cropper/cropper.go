package cropper

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/preview-kit/pkg/client"
	"github.com/menta2k/preview-kit/pkg/types"
	"github.com/menta2k/preview-kit/pkg/vision"
)

// ErrEmptyCrop is returned when a region does not overlap the image
var ErrEmptyCrop = errors.New("cropper: empty crop rectangle")

// SmartCropper expands detected subjects to orientation-correct crops
type SmartCropper struct {
	detector client.SubjectDetector
	config   CropConfig
}

// CropConfig holds configuration for smart cropping
type CropConfig struct {
	// ExpansionFactor scales the detected subject before coverage floors apply
	ExpansionFactor    float64
	SquareCoverage     float64
	VerticalCoverage   float64
	HorizontalCoverage float64
}

// AspectRatio represents a target aspect ratio
type AspectRatio struct {
	Width  int
	Height int
	Name   string
}

// Value returns width/height
func (a AspectRatio) Value() float64 {
	return float64(a.Width) / float64(a.Height)
}

// String formats the ratio as "w:h"
func (a AspectRatio) String() string {
	return fmt.Sprintf("%d:%d", a.Width, a.Height)
}

// Supported aspect ratios
var (
	Square    = AspectRatio{1, 1, "square"}
	Portrait  = AspectRatio{2, 3, "vertical"}
	Landscape = AspectRatio{3, 2, "horizontal"}
)

// AspectRatioFor maps an orientation to its aspect ratio
func AspectRatioFor(o types.Orientation) AspectRatio {
	switch o {
	case types.Vertical:
		return Portrait
	case types.Horizontal:
		return Landscape
	default:
		return Square
	}
}

// DefaultConfig returns the standard expansion parameters
func DefaultConfig() CropConfig {
	return CropConfig{
		ExpansionFactor:    2.5,
		SquareCoverage:     0.90,
		VerticalCoverage:   0.85,
		HorizontalCoverage: 0.85,
	}
}

// New creates a new SmartCropper with default configuration
func New() *SmartCropper {
	return &SmartCropper{
		detector: vision.New(),
		config:   DefaultConfig(),
	}
}

// NewWithConfig creates a new SmartCropper with custom configuration
func NewWithConfig(config CropConfig) *SmartCropper {
	def := DefaultConfig()
	if config.ExpansionFactor <= 0 {
		config.ExpansionFactor = def.ExpansionFactor
	}
	if config.SquareCoverage <= 0 || config.SquareCoverage > 1 {
		config.SquareCoverage = def.SquareCoverage
	}
	if config.VerticalCoverage <= 0 || config.VerticalCoverage > 1 {
		config.VerticalCoverage = def.VerticalCoverage
	}
	if config.HorizontalCoverage <= 0 || config.HorizontalCoverage > 1 {
		config.HorizontalCoverage = def.HorizontalCoverage
	}
	return &SmartCropper{
		detector: vision.New(),
		config:   config,
	}
}

// SetDetector allows setting a custom subject detector
func (c *SmartCropper) SetDetector(detector client.SubjectDetector) {
	c.detector = detector
}

// Config returns the cropper configuration
func (c *SmartCropper) Config() CropConfig {
	return c.config
}

// Coverage returns the minimum fraction of the driving image dimension an
// orientation's crop must span
func (c *SmartCropper) Coverage(o types.Orientation) float64 {
	switch o {
	case types.Vertical:
		return c.config.VerticalCoverage
	case types.Horizontal:
		return c.config.HorizontalCoverage
	default:
		return c.config.SquareCoverage
	}
}

// CropResult contains the result of a cropping operation
type CropResult struct {
	Image     image.Image
	Region    types.CropRegion
	Detection types.DetectionResult
}

// CropToOrientation detects the subject, expands it to the orientation's
// aspect ratio and crops the pixels
func (c *SmartCropper) CropToOrientation(img image.Image, o types.Orientation) (CropResult, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return CropResult{}, fmt.Errorf("invalid image dimensions %dx%d", width, height)
	}

	detection := c.detector.Detect(img)
	region := c.ExpandToAspect(detection.Region, o, width, height)

	cropped, err := c.Crop(img, region)
	if err != nil {
		return CropResult{}, err
	}

	return CropResult{
		Image:     cropped,
		Region:    region,
		Detection: detection,
	}, nil
}

// ExpandToAspect grows subject around its centroid to the orientation's
// aspect ratio. The result honours the coverage floor, keeps the exact ratio
// and never leaves the image.
func (c *SmartCropper) ExpandToAspect(subject types.CropRegion, o types.Orientation, imageWidth, imageHeight int) types.CropRegion {
	if imageWidth <= 0 || imageHeight <= 0 {
		return types.CropRegion{}
	}
	imgW, imgH := float64(imageWidth), float64(imageHeight)
	ratio := o.Ratio()
	factor := c.config.ExpansionFactor

	var w, h float64
	switch o {
	case types.Vertical:
		h = math.Min(math.Max(subject.Height*factor, imgH*c.config.VerticalCoverage), imgH)
		w = h * ratio
		if w > imgW {
			w = imgW
			h = w / ratio
		}
	case types.Horizontal:
		w = math.Min(math.Max(subject.Width*factor, imgW*c.config.HorizontalCoverage), imgW)
		h = w / ratio
		if h > imgH {
			h = imgH
			w = h * ratio
		}
	default:
		short := math.Min(imgW, imgH)
		side := math.Max(math.Max(subject.Width, subject.Height)*factor, short*c.config.SquareCoverage)
		side = math.Min(side, short)
		w, h = side, side
	}

	cx, cy := subject.Center()
	if subject.IsZero() {
		cx, cy = imgW/2, imgH/2
	}

	return types.CropRegion{
		X:      clamp(cx-w/2, 0, imgW-w),
		Y:      clamp(cy-h/2, 0, imgH-h),
		Width:  w,
		Height: h,
	}
}

// Crop extracts the whole pixels covered by region from img
func (c *SmartCropper) Crop(img image.Image, region types.CropRegion) (image.Image, error) {
	bounds := img.Bounds()
	rect := region.Rect().Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, ErrEmptyCrop
	}
	return imaging.Crop(img, rect), nil
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
