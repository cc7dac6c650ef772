package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	previewkit "github.com/menta2k/preview-kit"
	"github.com/menta2k/preview-kit/internal/config"
	"github.com/menta2k/preview-kit/internal/logging"
	"github.com/menta2k/preview-kit/internal/utils"
	"github.com/menta2k/preview-kit/pkg/analyzer"
	"github.com/menta2k/preview-kit/pkg/client"
	"github.com/menta2k/preview-kit/pkg/detection"
	"github.com/menta2k/preview-kit/pkg/generation"
	"github.com/menta2k/preview-kit/pkg/llamacpp"
	"github.com/menta2k/preview-kit/pkg/ollama"
	"github.com/menta2k/preview-kit/pkg/processing"
	"github.com/menta2k/preview-kit/pkg/smartcrop"
	"github.com/menta2k/preview-kit/pkg/store"
	"github.com/menta2k/preview-kit/pkg/types"
	"github.com/menta2k/preview-kit/pkg/vision"
	"github.com/menta2k/preview-kit/pkg/watermark"
)

type flags struct {
	configPath  string
	in          string
	outDir      string
	orientation string
	backend     string
	style       string
	aspect      string
	photoID     string
	tier        string
	watermark   bool
	debug       bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "config file (default ~/.config/preview-kit/config.json when present)")
	flag.StringVar(&f.in, "in", "", "input image path, directory or URL (jpg/png/webp)")
	flag.StringVar(&f.outDir, "out", "", "output directory (overrides config)")
	flag.StringVar(&f.orientation, "orientation", "all", "crop orientation: square|vertical|horizontal|auto|all")
	flag.StringVar(&f.backend, "backend", "", "detection backend: saliency|ollama|llamacpp (overrides config)")
	flag.StringVar(&f.style, "style", "", "generate a styled preview with this style id")
	flag.StringVar(&f.aspect, "aspect", "", "preview aspect ratio W:H (default from orientation)")
	flag.StringVar(&f.photoID, "photo-id", "", "photo id recorded with the preview")
	flag.StringVar(&f.tier, "tier", "", "timeout tier: fast|normal|extended (overrides config)")
	flag.BoolVar(&f.watermark, "watermark", true, "watermark generated previews")
	flag.BoolVar(&f.debug, "debug", false, "write debug overlays of detected and expanded regions")
	flag.Parse()

	if f.in == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -in input.jpg|dir|URL [-orientation all] [-style id -aspect 3:4] [-out dir]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f, logger); err != nil {
		logger.Error("preview-kit failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}

func loadConfig(f flags) (*config.Config, error) {
	path := f.configPath
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if f.outDir != "" {
		cfg.Output.OutputDir = f.outDir
	}
	if f.backend != "" {
		cfg.Detection.Backend = f.backend
	}
	if f.tier != "" {
		cfg.Orchestrator.DefaultTier = f.tier
	}
	if f.debug {
		cfg.Crop.Debug = true
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config, f flags, logger *zap.Logger) error {
	if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
		return err
	}

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	var pipeline *previewkit.Pipeline
	if f.style != "" {
		p, cleanup, err := newPipeline(ctx, cfg, engine, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		pipeline = p
	}

	inputs := []string{f.in}
	if utils.DirExists(f.in) {
		if inputs, err = utils.ListImageFiles(f.in); err != nil {
			return err
		}
		logger.Info("processing directory", zap.String("dir", f.in), zap.Int("images", len(inputs)))
	}

	processor := processing.NewProcessor()
	var failed int
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := logger.With(zap.String("input", in))
		src, err := processor.LoadBytesSmart(ctx, in)
		if err != nil {
			log.Error("failed to load input", zap.Error(err))
			failed++
			continue
		}
		log.Debug("input loaded", zap.String("size", utils.FormatFileSize(int64(len(src)))))

		if pipeline != nil {
			err = generate(ctx, cfg, f, pipeline, processor, in, src, log)
		} else {
			err = crop(cfg, f, engine, processor, in, src, log)
		}
		if err != nil {
			log.Error("failed to process input", zap.Error(err))
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d inputs failed", failed, len(inputs))
	}
	return nil
}

func newEngine(cfg *config.Config, logger *zap.Logger) (*smartcrop.Engine, error) {
	engine := smartcrop.NewWithConfig(cfg.SmartCropConfig(), nil)
	engine.SetLogger(logger.Named("smartcrop"))

	saliency := vision.NewWithConfig(cfg.VisionConfig())

	var vc client.VisionClient
	switch cfg.Detection.Backend {
	case "saliency":
		engine.SetDetector(saliency)
		return engine, nil
	case "ollama":
		oc, err := ollama.NewClient(cfg.Detection.ModelURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		vc = oc
	case "llamacpp":
		lc, err := llamacpp.NewClient(cfg.Detection.ModelURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		vc = lc
	default:
		return nil, fmt.Errorf("unknown backend %q (use saliency, ollama or llamacpp)", cfg.Detection.Backend)
	}

	opts := detection.DefaultOptions()
	opts.Model = cfg.Detection.Model
	opts.MinConfidence = cfg.Detection.MinConfidence
	opts.Timeout = time.Duration(cfg.Detection.TimeoutSeconds) * time.Second
	detector := detection.NewDetectorWithOptions(vc, opts)
	detector.SetFallback(saliency)
	detector.SetLogger(logger.Named("detection"))
	engine.SetDetector(detector)
	return engine, nil
}

// newPipeline wires the rendering client, the optional Redis record store
// and the watermark compositor
func newPipeline(ctx context.Context, cfg *config.Config, engine *smartcrop.Engine, logger *zap.Logger) (*previewkit.Pipeline, func(), error) {
	if cfg.Generation.APIURL == "" {
		return nil, nil, errors.New("generation.api_url (or PREVIEW_API_URL) is required with -style")
	}

	api := generation.NewClient(cfg.ClientConfig(), nil)
	api.SetLogger(logger.Named("client"))

	orch := generation.NewOrchestrator(api, cfg.OrchestratorConfig())
	orch.SetLogger(logger.Named("generation"))
	orch.OnStage(func(e types.StageEvent) {
		logger.Info("stage", zap.String("stage", string(e.Stage)), zap.String("request_id", e.RequestID))
	})

	var closers []func()
	if cfg.Store.RedisAddr != "" {
		rs := store.NewRedisStore(cfg.RedisOptions())
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rs.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, previews will not be recorded", zap.String("addr", cfg.Store.RedisAddr), zap.Error(err))
		}
		cancel()

		async := store.NewAsync(rs, 5*time.Second)
		async.SetLogger(logger.Named("store"))
		orch.SetPersister(async)
		closers = append(closers, func() {
			async.Wait()
			_ = rs.Close()
		})
	}

	marks := watermark.New(cfg.WatermarkOptions(), nil)
	marks.SetLogger(logger.Named("watermark"))
	closers = append(closers, func() { _ = marks.Close() })

	p := previewkit.NewPipeline(engine, orch, marks)
	p.SetLogger(logger)
	p.SetGenerateOptions(cfg.GenerateOptions())

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return p, cleanup, nil
}

func orientations(name string) ([]types.Orientation, error) {
	switch name {
	case "all":
		return types.Orientations(), nil
	case "auto":
		return []types.Orientation{""}, nil
	}
	o, err := types.ParseOrientation(name)
	if err != nil {
		return nil, err
	}
	return []types.Orientation{o}, nil
}

func crop(cfg *config.Config, f flags, engine *smartcrop.Engine, processor *processing.Processor, in string, src []byte, log *zap.Logger) error {
	list, err := orientations(f.orientation)
	if err != nil {
		return err
	}

	p := previewkit.NewPipeline(engine, nil, nil)
	id := utils.SanitizeFilename(filepath.Base(in))
	for _, o := range list {
		res, err := p.Crop(previewkit.Request{ImageID: id, Source: src, Orientation: o})
		if err != nil {
			return err
		}

		path := outputPath(cfg, in, "_"+string(res.Orientation), res.Format)
		if err := os.WriteFile(path, res.CroppedAsset, 0o644); err != nil {
			return err
		}
		log.Info("wrote crop",
			zap.String("path", path),
			zap.String("orientation", string(res.Orientation)),
			zap.Any("region", res.Region))

		if res.DebugInfo != nil {
			if err := writeDebugOverlay(cfg, processor, in, src, res); err != nil {
				log.Warn("debug overlay failed", zap.Error(err))
			}
		}
	}
	return nil
}

func writeDebugOverlay(cfg *config.Config, processor *processing.Processor, in string, src []byte, res types.SmartCropResult) error {
	img, _, err := processing.DecodeBytes(src)
	if err != nil {
		return err
	}
	overlay := processor.CreateDebugOverlay(img, res.DebugInfo.SubjectRegion, res.DebugInfo.ExpandedRegion)
	path := outputPath(cfg, in, "_"+string(res.Orientation)+"_debug", "png")
	return processor.SaveImage(overlay, path, "png", cfg.Crop.Quality, false)
}

func generate(ctx context.Context, cfg *config.Config, f flags, p *previewkit.Pipeline, processor *processing.Processor, in string, src []byte, log *zap.Logger) error {
	o := types.Orientation("")
	if f.orientation != "all" && f.orientation != "auto" {
		parsed, err := types.ParseOrientation(f.orientation)
		if err != nil {
			return err
		}
		o = parsed
	}

	res, err := p.Run(ctx, previewkit.Request{
		ImageID:       utils.SanitizeFilename(filepath.Base(in)),
		Source:        src,
		Orientation:   o,
		Style:         f.style,
		AspectRatio:   aspectFor(f.aspect, o, src),
		PhotoID:       f.photoID,
		Watermark:     f.watermark,
		Authenticated: f.photoID != "",
	})
	if err != nil {
		var de *generation.DegradedError
		if errors.As(err, &de) {
			log.Error("preview generation failed", zap.String("detail", de.Detail()))
		}
		return err
	}

	data, err := previewBytes(ctx, processor, res.FinalPreview)
	if err != nil {
		log.Info("preview ready", zap.String("preview", res.FinalPreview), zap.NamedError("download_error", err))
		return nil
	}
	ext := "png"
	if info, err := processing.DecodeConfig(data); err == nil {
		ext = info.Format
	}
	path := outputPath(cfg, in, "_"+utils.SanitizeFilename(f.style), ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	log.Info("wrote preview", zap.String("path", path), zap.Bool("watermarked", res.Watermarked))
	return nil
}

// previewBytes resolves a data URI or URL preview handle
func previewBytes(ctx context.Context, processor *processing.Processor, handle string) ([]byte, error) {
	if strings.HasPrefix(handle, "data:") {
		data, _, err := processing.ParseDataURI(handle)
		return data, err
	}
	return processor.LoadBytesSmart(ctx, handle)
}

// aspectFor picks the preview aspect ratio matching the crop orientation
func aspectFor(explicit string, o types.Orientation, src []byte) string {
	if explicit != "" {
		return explicit
	}
	if o == "" {
		if info, err := analyzer.New().Inspect(src); err == nil {
			o = info.Orientation
		}
	}
	switch o {
	case types.Vertical:
		return "2:3"
	case types.Horizontal:
		return "3:2"
	}
	return "1:1"
}

func outputPath(cfg *config.Config, in, suffix, format string) string {
	if format == "jpeg" {
		format = "jpg"
	}
	return utils.GenerateOutputFilename(in, cfg.Output.OutputDir, cfg.Output.Prefix, cfg.Output.Suffix+suffix, format)
}
