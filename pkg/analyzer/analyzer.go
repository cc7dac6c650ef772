// Package analyzer inspects uploaded images before they enter the crop and
// generation pipeline.
package analyzer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/menta2k/preview-kit/pkg/processing"
	"github.com/menta2k/preview-kit/pkg/types"
)

// ErrInvalidImage is wrapped by every rejection from ValidateImage
var ErrInvalidImage = errors.New("analyzer: invalid image")

// ImageAnalyzer checks uploads against size and format limits
type ImageAnalyzer struct {
	config Config
}

// Config holds configuration for the image analyzer
type Config struct {
	SupportedFormats []string
	MinImageSize     int
	// MaxImageBytes rejects larger uploads; zero disables the check
	MaxImageBytes int
	// LandscapeRatio and PortraitRatio bound the square band of SuggestOrientation
	LandscapeRatio float64
	PortraitRatio  float64
}

// DefaultConfig returns the standard upload limits
func DefaultConfig() Config {
	return Config{
		SupportedFormats: []string{"jpeg", "png", "webp"},
		MinImageSize:     64,
		MaxImageBytes:    25 << 20,
		LandscapeRatio:   1.2,
		PortraitRatio:    1 / 1.2,
	}
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return &ImageAnalyzer{config: DefaultConfig()}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	def := DefaultConfig()
	if len(config.SupportedFormats) == 0 {
		config.SupportedFormats = def.SupportedFormats
	}
	if config.LandscapeRatio <= 0 {
		config.LandscapeRatio = def.LandscapeRatio
	}
	if config.PortraitRatio <= 0 {
		config.PortraitRatio = def.PortraitRatio
	}
	return &ImageAnalyzer{config: config}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int
	Height      int
	Format      string
	Bytes       int
	AspectRatio float64
	Area        int
	Orientation types.Orientation
}

// Inspect reads dimensions and format from encoded bytes without decoding pixels
func (a *ImageAnalyzer) Inspect(data []byte) (ImageInfo, error) {
	cfg, err := processing.DecodeConfig(data)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	info := ImageInfo{
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: cfg.Format,
		Bytes:  len(data),
		Area:   cfg.Width * cfg.Height,
	}
	if cfg.Height > 0 {
		info.AspectRatio = float64(cfg.Width) / float64(cfg.Height)
	}
	info.Orientation = a.SuggestOrientation(cfg.Width, cfg.Height)
	return info, nil
}

// SuggestOrientation picks the orientation closest to the image's shape
func (a *ImageAnalyzer) SuggestOrientation(width, height int) types.Orientation {
	if width <= 0 || height <= 0 {
		return types.Square
	}
	ratio := float64(width) / float64(height)
	switch {
	case ratio >= a.config.LandscapeRatio:
		return types.Horizontal
	case ratio <= a.config.PortraitRatio:
		return types.Vertical
	}
	return types.Square
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(info ImageInfo) error {
	if !a.isFormatSupported(info.Format) {
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidImage, info.Format)
	}
	if info.Width < a.config.MinImageSize || info.Height < a.config.MinImageSize {
		return fmt.Errorf("%w: image too small: %dx%d (minimum: %d)",
			ErrInvalidImage, info.Width, info.Height, a.config.MinImageSize)
	}
	if a.config.MaxImageBytes > 0 && info.Bytes > a.config.MaxImageBytes {
		return fmt.Errorf("%w: image too large: %d bytes (maximum: %d)",
			ErrInvalidImage, info.Bytes, a.config.MaxImageBytes)
	}
	return nil
}

// InspectAndValidate runs Inspect followed by ValidateImage
func (a *ImageAnalyzer) InspectAndValidate(data []byte) (ImageInfo, error) {
	info, err := a.Inspect(data)
	if err != nil {
		return ImageInfo{}, err
	}
	return info, a.ValidateImage(info)
}
