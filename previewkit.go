// Package previewkit turns an uploaded photo into a styled, watermarked preview.
//
// The pipeline has three stages:
//
//  1. Smart crop (pkg/smartcrop): detects the subject and crops the upload to
//     a square, vertical or horizontal frame. It never fails; on error the
//     original image is used.
//  2. Generation (pkg/generation): submits the crop to the remote rendering
//     service, polls asynchronous jobs and retries under tiered timeouts.
//     Failures surface as a user-presentable *generation.DegradedError.
//  3. Watermark (pkg/watermark): composites the watermark asset over the raw
//     preview on a background worker, falling back to the calling goroutine.
//
// Basic usage:
//
//	engine := smartcrop.New()
//	orch := generation.NewOrchestrator(
//		generation.NewClient(generation.ClientConfig{BaseURL: apiURL}, nil),
//		generation.DefaultOrchestratorConfig())
//	marks := watermark.New(watermark.Options{AssetPath: "watermark.png"}, nil)
//	defer marks.Close()
//
//	p := previewkit.NewPipeline(engine, orch, marks)
//	res, err := p.Run(ctx, previewkit.Request{
//		ImageID:     "photo-1",
//		Source:      data,
//		Style:       "classic-oil-painting",
//		AspectRatio: "3:4",
//		Watermark:   true,
//	})
package previewkit

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/menta2k/preview-kit/pkg/analyzer"
	"github.com/menta2k/preview-kit/pkg/generation"
	"github.com/menta2k/preview-kit/pkg/processing"
	"github.com/menta2k/preview-kit/pkg/smartcrop"
	"github.com/menta2k/preview-kit/pkg/types"
)

// Version of the preview kit library
const Version = "1.0.0"

// Generator produces a raw preview handle for a request
type Generator interface {
	GeneratePreview(ctx context.Context, req types.GenerationRequest, opts generation.GenerateOptions) (string, error)
}

// Watermarker turns a raw preview into a final one
type Watermarker interface {
	ApplyWatermark(ctx context.Context, rawPreview string) (string, error)
}

// Request is one upload to be turned into a preview
type Request struct {
	ImageID string
	Source  []byte
	// Orientation of the crop; empty picks the one closest to the upload's shape
	Orientation   types.Orientation
	Style         string
	// AspectRatio of the preview as W:H; empty means "1:1"
	AspectRatio   string
	PhotoID       string
	SessionID     string
	Quality       types.QualityTier
	Watermark     bool
	Authenticated bool
}

// Result holds every intermediate product of a run
type Result struct {
	Crop         types.SmartCropResult
	RawPreview   string
	FinalPreview string
	// Watermarked is false when no watermark was requested or compositing failed
	Watermarked bool
}

// Pipeline chains cropping, generation and watermarking
type Pipeline struct {
	engine      *smartcrop.Engine
	generator   Generator
	watermarker Watermarker
	analyzer    *analyzer.ImageAnalyzer
	opts        generation.GenerateOptions
	logger      *zap.Logger
}

// NewPipeline creates a pipeline. watermarker may be nil.
func NewPipeline(engine *smartcrop.Engine, generator Generator, watermarker Watermarker) *Pipeline {
	if engine == nil {
		engine = smartcrop.New()
	}
	return &Pipeline{
		engine:      engine,
		generator:   generator,
		watermarker: watermarker,
		analyzer:    analyzer.New(),
		opts:        generation.DefaultGenerateOptions(),
		logger:      zap.NewNop(),
	}
}

// SetLogger sets the pipeline logger
func (p *Pipeline) SetLogger(logger *zap.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetAnalyzer replaces the upload checks
func (p *Pipeline) SetAnalyzer(a *analyzer.ImageAnalyzer) {
	if a != nil {
		p.analyzer = a
	}
}

// SetGenerateOptions sets the tier and retry budget used for every run
func (p *Pipeline) SetGenerateOptions(opts generation.GenerateOptions) {
	p.opts = opts
}

// Crop validates the upload and returns its smart crop
func (p *Pipeline) Crop(req Request) (types.SmartCropResult, error) {
	info, err := p.analyzer.InspectAndValidate(req.Source)
	if err != nil {
		return types.SmartCropResult{}, err
	}
	o := req.Orientation
	if o == "" {
		o = info.Orientation
	}
	return p.engine.GenerateSmartCrop(req.ImageID, req.Source, o), nil
}

// Run crops the upload, generates a styled preview and watermarks it. Upload
// validation errors wrap analyzer.ErrInvalidImage; generation failures are
// returned as they come from the generator. A failed watermark is logged and
// the raw preview is returned as the final one.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	if p.generator == nil {
		return Result{}, errors.New("previewkit: no generator configured")
	}

	crop, err := p.Crop(req)
	if err != nil {
		return Result{}, err
	}
	res := Result{Crop: crop}
	log := p.logger.With(zap.String("image_id", req.ImageID), zap.String("style", req.Style))
	if crop.Region.IsZero() {
		log.Warn("using uncropped image for generation", zap.String("orientation", string(crop.Orientation)))
	}

	aspect := req.AspectRatio
	if aspect == "" {
		aspect = generation.DefaultAspectRatio
	}
	genReq := types.GenerationRequest{
		ImageData:     processing.DataURI(crop.CroppedAsset, processing.MIMEType(crop.Format)),
		Style:         req.Style,
		PhotoID:       req.PhotoID,
		AspectRatio:   aspect,
		Watermark:     req.Watermark,
		Quality:       req.Quality,
		SessionID:     req.SessionID,
		Authenticated: req.Authenticated,
	}
	raw, err := p.generator.GeneratePreview(ctx, genReq, p.opts)
	if err != nil {
		return res, err
	}
	res.RawPreview = raw
	res.FinalPreview = raw

	if !req.Watermark || p.watermarker == nil {
		return res, nil
	}
	final, err := p.watermarker.ApplyWatermark(ctx, raw)
	if err != nil {
		log.Warn("watermark failed, delivering raw preview", zap.Error(err))
		return res, nil
	}
	res.FinalPreview = final
	res.Watermarked = final != raw
	return res, nil
}
