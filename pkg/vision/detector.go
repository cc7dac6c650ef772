package vision

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/preview-kit/pkg/types"
)

// ErrInvalidBuffer is returned for buffers whose size does not match their dimensions
var ErrInvalidBuffer = errors.New("vision: invalid pixel buffer")

// neighbors lists the 8-connected offsets
var neighbors = [8][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}

// maxChannelDiff is the largest possible |dr|+|dg|+|db| for 8-bit channels
const maxChannelDiff = 3 * 255.0

// PixelBuffer is a decoded image as tightly packed RGBA bytes
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []byte
}

// NewPixelBuffer converts any image into a packed RGBA buffer
func NewPixelBuffer(img image.Image) PixelBuffer {
	if img == nil {
		return PixelBuffer{}
	}
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	return PixelBuffer{Width: b.Dx(), Height: b.Dy(), Pix: nrgba.Pix}
}

// Validate checks that the buffer is non-empty and sized width*height*4
func (b PixelBuffer) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidBuffer, b.Width, b.Height)
	}
	if len(b.Pix) < b.Width*b.Height*4 {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrInvalidBuffer, len(b.Pix), b.Width*b.Height*4)
	}
	return nil
}

// DetectionConfig holds configuration for subject detection
type DetectionConfig struct {
	BlockSize          int
	SaliencyThreshold  float64
	FallbackCoverage   float64
	FallbackConfidence float64
}

// DefaultConfig returns the standard detection parameters
func DefaultConfig() DetectionConfig {
	return DetectionConfig{
		BlockSize:          32,
		SaliencyThreshold:  0.3,
		FallbackCoverage:   0.8,
		FallbackConfidence: 0.5,
	}
}

// SaliencyDetector finds the most visually busy block of an image
type SaliencyDetector struct {
	config DetectionConfig
}

// New creates a SaliencyDetector with default configuration
func New() *SaliencyDetector {
	return &SaliencyDetector{config: DefaultConfig()}
}

// NewWithConfig creates a SaliencyDetector with custom configuration
func NewWithConfig(config DetectionConfig) *SaliencyDetector {
	def := DefaultConfig()
	if config.BlockSize <= 0 {
		config.BlockSize = def.BlockSize
	}
	if config.SaliencyThreshold <= 0 {
		config.SaliencyThreshold = def.SaliencyThreshold
	}
	if config.FallbackCoverage <= 0 || config.FallbackCoverage > 1 {
		config.FallbackCoverage = def.FallbackCoverage
	}
	if config.FallbackConfidence <= 0 || config.FallbackConfidence > 1 {
		config.FallbackConfidence = def.FallbackConfidence
	}
	return &SaliencyDetector{config: config}
}

// Config returns the detector configuration
func (d *SaliencyDetector) Config() DetectionConfig {
	return d.config
}

// Detect scores a decoded image. A nil image yields a center fallback.
func (d *SaliencyDetector) Detect(img image.Image) types.DetectionResult {
	return d.DetectBuffer(NewPixelBuffer(img))
}

// DetectBuffer partitions the buffer into blocks and returns the padded
// highest-scoring block, or a center fallback when nothing clears the threshold.
func (d *SaliencyDetector) DetectBuffer(buf PixelBuffer) types.DetectionResult {
	if err := buf.Validate(); err != nil {
		return d.centerFallback(buf.Width, buf.Height)
	}

	bs := d.config.BlockSize
	w, h := buf.Width, buf.Height

	bestScore := -1.0
	var best image.Rectangle
	for y0 := 0; y0 < h; y0 += bs {
		for x0 := 0; x0 < w; x0 += bs {
			block := image.Rect(x0, y0, min(x0+bs, w), min(y0+bs, h))
			score := blockScore(buf, block)
			if score > bestScore {
				bestScore = score
				best = block
			}
		}
	}

	if bestScore < d.config.SaliencyThreshold {
		return d.centerFallback(w, h)
	}

	padded := image.Rect(best.Min.X-bs, best.Min.Y-bs, best.Max.X+bs, best.Max.Y+bs).
		Intersect(image.Rect(0, 0, w, h))

	return types.DetectionResult{
		Region: types.CropRegion{
			X:      float64(padded.Min.X),
			Y:      float64(padded.Min.Y),
			Width:  float64(padded.Dx()),
			Height: float64(padded.Dy()),
		},
		Confidence: math.Min(bestScore, 1),
		Method:     types.MethodSaliency,
	}
}

func (d *SaliencyDetector) centerFallback(width, height int) types.DetectionResult {
	res := CenterFallback(width, height, d.config.FallbackCoverage)
	res.Confidence = d.config.FallbackConfidence
	return res
}

// CenterFallback returns a centered square covering coverage of the shorter side
func CenterFallback(width, height int, coverage float64) types.DetectionResult {
	w, h := float64(max(width, 0)), float64(max(height, 0))
	side := coverage * math.Min(w, h)
	return types.DetectionResult{
		Region: types.CropRegion{
			X:      (w - side) / 2,
			Y:      (h - side) / 2,
			Width:  side,
			Height: side,
		},
		Confidence: 0.5,
		Method:     types.MethodCenterFallback,
	}
}

// blockScore averages, over every pixel in block, the mean normalized
// channel difference to its in-bounds 8-connected neighbors.
func blockScore(buf PixelBuffer, block image.Rectangle) float64 {
	var total float64
	pixels := 0
	for y := block.Min.Y; y < block.Max.Y; y++ {
		for x := block.Min.X; x < block.Max.X; x++ {
			pixels++
			i := (y*buf.Width + x) * 4
			r1, g1, b1 := int(buf.Pix[i]), int(buf.Pix[i+1]), int(buf.Pix[i+2])

			var sum float64
			count := 0
			for _, off := range neighbors {
				nx, ny := x+off[0], y+off[1]
				if nx < 0 || ny < 0 || nx >= buf.Width || ny >= buf.Height {
					continue
				}
				j := (ny*buf.Width + nx) * 4
				diff := abs(r1-int(buf.Pix[j])) + abs(g1-int(buf.Pix[j+1])) + abs(b1-int(buf.Pix[j+2]))
				sum += float64(diff) / maxChannelDiff
				count++
			}
			if count > 0 {
				total += sum / float64(count)
			}
		}
	}
	if pixels == 0 {
		return 0
	}
	return total / float64(pixels)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
