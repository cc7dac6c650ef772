package vision

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/menta2k/preview-kit/pkg/types"
)

// createFlatImage creates a single-colour image
func createFlatImage(width, height int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// paintCheckerboard fills rect with a 1px black/white checkerboard
func paintCheckerboard(img *image.NRGBA, rect image.Rectangle) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.NRGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.NRGBA{0, 0, 0, 255})
			}
		}
	}
}

func TestNew(t *testing.T) {
	detector := New()
	if detector == nil {
		t.Fatal("New() returned nil")
	}

	cfg := detector.Config()
	if cfg.BlockSize != 32 {
		t.Errorf("Expected block size 32, got %d", cfg.BlockSize)
	}
	if cfg.SaliencyThreshold != 0.3 {
		t.Errorf("Expected saliency threshold 0.3, got %f", cfg.SaliencyThreshold)
	}
}

func TestNewWithConfigFillsZeroValues(t *testing.T) {
	detector := NewWithConfig(DetectionConfig{BlockSize: 16})

	cfg := detector.Config()
	if cfg.BlockSize != 16 {
		t.Errorf("Expected block size 16, got %d", cfg.BlockSize)
	}
	if cfg.SaliencyThreshold != 0.3 {
		t.Errorf("Expected default threshold, got %f", cfg.SaliencyThreshold)
	}
	if cfg.FallbackCoverage != 0.8 {
		t.Errorf("Expected default coverage, got %f", cfg.FallbackCoverage)
	}
}

func TestDetectFlatImageFallsBackToCenter(t *testing.T) {
	detector := New()
	img := createFlatImage(200, 100, color.NRGBA{128, 128, 128, 255})

	result := detector.Detect(img)

	if result.Method != types.MethodCenterFallback {
		t.Fatalf("Expected center fallback, got %s", result.Method)
	}
	if result.Confidence != 0.5 {
		t.Errorf("Expected confidence 0.5, got %f", result.Confidence)
	}

	want := types.CropRegion{X: 60, Y: 10, Width: 80, Height: 80}
	if result.Region != want {
		t.Errorf("Expected region %+v, got %+v", want, result.Region)
	}
}

func TestDetectFindsBusyBlock(t *testing.T) {
	detector := New()
	img := createFlatImage(256, 256, color.NRGBA{0, 0, 0, 255})
	paintCheckerboard(img, image.Rect(64, 96, 96, 128))

	result := detector.Detect(img)

	if result.Method != types.MethodSaliency {
		t.Fatalf("Expected saliency detection, got %s", result.Method)
	}
	if result.Confidence < 0.3 || result.Confidence > 1 {
		t.Errorf("Expected confidence in [0.3,1], got %f", result.Confidence)
	}

	// one block of padding on every side
	want := types.CropRegion{X: 32, Y: 64, Width: 96, Height: 96}
	if result.Region != want {
		t.Errorf("Expected region %+v, got %+v", want, result.Region)
	}
}

func TestDetectPaddingClampedAtImageEdge(t *testing.T) {
	detector := New()
	img := createFlatImage(128, 128, color.NRGBA{0, 0, 0, 255})
	paintCheckerboard(img, image.Rect(0, 0, 32, 32))

	result := detector.Detect(img)

	want := types.CropRegion{X: 0, Y: 0, Width: 64, Height: 64}
	if result.Region != want {
		t.Errorf("Expected clamped region %+v, got %+v", want, result.Region)
	}
	if !result.Region.Within(128, 128) {
		t.Error("Expected region inside image bounds")
	}
}

func TestDetectPartialBlocks(t *testing.T) {
	detector := New()
	// 70x50 leaves partial blocks on the right and bottom edges
	img := createFlatImage(70, 50, color.NRGBA{0, 0, 0, 255})
	paintCheckerboard(img, image.Rect(64, 32, 70, 50))

	result := detector.Detect(img)

	if result.Method != types.MethodSaliency {
		t.Fatalf("Expected saliency detection, got %s", result.Method)
	}
	if !result.Region.Within(70, 50) {
		t.Errorf("Region %+v escapes 70x50 image", result.Region)
	}
}

func TestDetectDegenerateInputs(t *testing.T) {
	detector := New()

	tests := []struct {
		name string
		buf  PixelBuffer
	}{
		{"zero sized", PixelBuffer{}},
		{"negative", PixelBuffer{Width: -4, Height: 3}},
		{"short pixel data", PixelBuffer{Width: 10, Height: 10, Pix: make([]byte, 12)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := detector.DetectBuffer(tt.buf)
			if result.Method != types.MethodCenterFallback {
				t.Errorf("Expected center fallback, got %s", result.Method)
			}
			if result.Confidence != 0.5 {
				t.Errorf("Expected confidence 0.5, got %f", result.Confidence)
			}
		})
	}
}

func TestDetectNilImage(t *testing.T) {
	result := New().Detect(nil)
	if result.Method != types.MethodCenterFallback {
		t.Errorf("Expected center fallback, got %s", result.Method)
	}
	if !result.Region.IsZero() {
		t.Errorf("Expected empty region for nil image, got %+v", result.Region)
	}
}

func TestDetectSinglePixel(t *testing.T) {
	img := createFlatImage(1, 1, color.NRGBA{255, 0, 0, 255})
	result := New().Detect(img)

	if result.Method != types.MethodCenterFallback {
		t.Errorf("Expected center fallback, got %s", result.Method)
	}
	if math.Abs(result.Region.Width-0.8) > 1e-9 {
		t.Errorf("Expected side 0.8, got %f", result.Region.Width)
	}
}

func TestPixelBufferValidate(t *testing.T) {
	buf := NewPixelBuffer(createFlatImage(4, 3, color.White))
	if err := buf.Validate(); err != nil {
		t.Fatalf("Expected valid buffer, got %v", err)
	}
	if len(buf.Pix) != 4*3*4 {
		t.Errorf("Expected 48 bytes, got %d", len(buf.Pix))
	}

	if err := (PixelBuffer{Width: 2, Height: 2}).Validate(); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("Expected ErrInvalidBuffer, got %v", err)
	}
}

func TestBlockScoreRange(t *testing.T) {
	img := createFlatImage(32, 32, color.Black)
	paintCheckerboard(img, img.Bounds())
	buf := NewPixelBuffer(img)

	score := blockScore(buf, image.Rect(0, 0, 32, 32))
	if score < 0.45 || score > 0.55 {
		t.Errorf("Expected checkerboard score near 0.5, got %f", score)
	}

	flat := NewPixelBuffer(createFlatImage(32, 32, color.White))
	if s := blockScore(flat, image.Rect(0, 0, 32, 32)); s != 0 {
		t.Errorf("Expected zero score for flat block, got %f", s)
	}
}
