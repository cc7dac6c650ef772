// Package smartcrop turns uploaded photos into orientation-correct crops and
// caches them per image identity.
package smartcrop

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/preview-kit/pkg/client"
	"github.com/menta2k/preview-kit/pkg/cropper"
	"github.com/menta2k/preview-kit/pkg/processing"
	"github.com/menta2k/preview-kit/pkg/types"
)

// Config holds engine configuration
type Config struct {
	Crop cropper.CropConfig
	// Quality is the JPEG/WebP quality used when re-encoding crops
	Quality int
	// Debug fills SmartCropResult.DebugInfo
	Debug bool
}

// DefaultConfig returns the standard engine configuration
func DefaultConfig() Config {
	return Config{
		Crop:    cropper.DefaultConfig(),
		Quality: 90,
	}
}

// Engine produces smart crops with result caching and request coalescing
type Engine struct {
	cropper *cropper.SmartCropper
	cache   *Cache
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an engine with default configuration and a fresh cache
func New() *Engine {
	return NewWithConfig(DefaultConfig(), nil)
}

// NewWithConfig creates an engine backed by cache. A nil cache gets a fresh one.
func NewWithConfig(config Config, cache *Cache) *Engine {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = DefaultConfig().Quality
	}
	if cache == nil {
		cache = NewCache()
	}
	return &Engine{
		cropper: cropper.NewWithConfig(config.Crop),
		cache:   cache,
		config:  config,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
}

// SetDetector replaces the subject detector used for new computations
func (e *Engine) SetDetector(detector client.SubjectDetector) {
	e.cropper.SetDetector(detector)
}

// SetLogger sets the engine logger
func (e *Engine) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e.logger = logger
}

// Cache returns the engine's cache
func (e *Engine) Cache() *Cache {
	return e.cache
}

// GenerateSmartCrop returns the crop of src for orientation o. Results are
// cached per (imageID, o); concurrent callers for one key share a single
// computation. It never fails: on any error the original bytes come back
// with a zero region.
func (e *Engine) GenerateSmartCrop(imageID string, src []byte, o types.Orientation) (res types.SmartCropResult) {
	cached, pending, leader := e.cache.acquire(imageID, o)
	if cached != nil {
		return *cached
	}
	if !leader {
		<-pending.done
		return pending.result
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during crop: %v", r)
		}
		if err != nil {
			e.logger.Warn("smart crop failed, returning original image",
				zap.String("image_id", imageID),
				zap.String("orientation", string(o)),
				zap.Error(err))
			res = e.fallback(src, o)
		}
		e.cache.finish(imageID, o, pending, res, err == nil)
	}()

	res, err = e.compute(src, o)
	return res
}

func (e *Engine) compute(src []byte, o types.Orientation) (types.SmartCropResult, error) {
	if !o.Valid() {
		return types.SmartCropResult{}, fmt.Errorf("unsupported orientation %q", o)
	}

	img, format, err := processing.DecodeBytes(src)
	if err != nil {
		return types.SmartCropResult{}, fmt.Errorf("decode: %w", err)
	}
	bounds := img.Bounds()

	crop, err := e.cropper.CropToOrientation(img, o)
	if err != nil {
		return types.SmartCropResult{}, fmt.Errorf("crop: %w", err)
	}

	if format != "png" && format != "webp" {
		format = "jpeg"
	}
	asset, err := processing.Encode(crop.Image, format, e.config.Quality)
	if err != nil {
		return types.SmartCropResult{}, fmt.Errorf("encode: %w", err)
	}

	res := types.SmartCropResult{
		Orientation:            o,
		CroppedAsset:           asset,
		Format:                 format,
		Region:                 crop.Region,
		SourceDimensions:       types.Dimensions{Width: bounds.Dx(), Height: bounds.Dy()},
		GeneratedAtEpochMillis: e.now().UnixMilli(),
		GeneratedBy:            types.GeneratedSmart,
	}
	if e.config.Debug {
		res.DebugInfo = &types.DebugInfo{
			DetectionMethod:     crop.Detection.Method,
			DetectionConfidence: crop.Detection.Confidence,
			SubjectRegion:       crop.Detection.Region,
			ExpandedRegion:      crop.Region,
		}
	}

	e.logger.Debug("smart crop generated",
		zap.String("orientation", string(o)),
		zap.String("method", string(crop.Detection.Method)),
		zap.Float64("confidence", crop.Detection.Confidence),
		zap.Int("width", bounds.Dx()),
		zap.Int("height", bounds.Dy()))

	return res, nil
}

// fallback returns the uncropped source
func (e *Engine) fallback(src []byte, o types.Orientation) types.SmartCropResult {
	res := types.SmartCropResult{
		Orientation:            o,
		CroppedAsset:           src,
		GeneratedAtEpochMillis: e.now().UnixMilli(),
		GeneratedBy:            types.GeneratedSmart,
	}
	if cfg, err := processing.DecodeConfig(src); err == nil {
		res.SourceDimensions = types.Dimensions{Width: cfg.Width, Height: cfg.Height}
		res.Format = cfg.Format
	}
	return res
}

// StoreManualCrop seeds the cache with a caller-produced crop
func (e *Engine) StoreManualCrop(imageID string, res types.SmartCropResult) error {
	if !res.Orientation.Valid() {
		return fmt.Errorf("unsupported orientation %q", res.Orientation)
	}
	if len(res.CroppedAsset) == 0 {
		return fmt.Errorf("manual crop for %s has no asset", imageID)
	}
	if res.SourceDimensions.Width > 0 && !res.Region.Within(res.SourceDimensions.Width, res.SourceDimensions.Height) {
		return fmt.Errorf("manual crop region %+v outside %dx%d image", res.Region, res.SourceDimensions.Width, res.SourceDimensions.Height)
	}
	res.GeneratedBy = types.GeneratedManual
	if res.GeneratedAtEpochMillis == 0 {
		res.GeneratedAtEpochMillis = e.now().UnixMilli()
	}
	e.cache.Put(imageID, res.Orientation, res)
	return nil
}

// ClearCacheForImage drops every cached and in-flight crop of imageID
func (e *Engine) ClearCacheForImage(imageID string) {
	e.cache.Clear(imageID)
	e.logger.Debug("smart crop cache cleared", zap.String("image_id", imageID))
}

// GenerateAll crops src for every orientation
func (e *Engine) GenerateAll(imageID string, src []byte) map[types.Orientation]types.SmartCropResult {
	out := make(map[types.Orientation]types.SmartCropResult, 3)
	for _, o := range types.Orientations() {
		out[o] = e.GenerateSmartCrop(imageID, src, o)
	}
	return out
}
