// Package watermark composites a watermark asset over generated previews,
// either on a background worker matched by correlation id or synchronously
// on the caller's goroutine.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menta2k/preview-kit/pkg/processing"
	"github.com/menta2k/preview-kit/pkg/types"
)

var (
	ErrTimeout    = errors.New("watermark: no response from compositor")
	ErrAssetLoad  = errors.New("watermark: asset could not be loaded")
	ErrClosed     = errors.New("watermark: compositor closed")
	ErrDecodeBase = errors.New("watermark: preview could not be decoded")
	// ErrPreviewSource rejects preview handles that are neither data URIs nor http(s) URLs
	ErrPreviewSource = errors.New("watermark: preview must be a data URI or http(s) URL")
)

// Loader resolves an image handle (data URI, URL or path) to bytes
type Loader interface {
	LoadBytesSmart(ctx context.Context, source string) ([]byte, error)
}

// Capabilities describes what the runtime offers the primary path
type Capabilities struct {
	// Parallel is true when jobs may run on background workers
	Parallel bool
	// OffscreenSurface is true when workers can rasterize without the caller
	OffscreenSurface bool
}

// Primary reports whether the background path can be used
func (c Capabilities) Primary() bool {
	return c.Parallel && c.OffscreenSurface
}

// Renderer turns a job into an outcome on a background worker. It must
// only use the job message and must echo its correlation id.
type Renderer func(job types.WatermarkJob) types.WatermarkOutcome

// Options configures a Compositor
type Options struct {
	// AssetPath is the watermark image handle, fixed for the compositor's lifetime
	AssetPath    string
	Style        Style
	Timeout      time.Duration
	Workers      int
	QueueSize    int
	Capabilities Capabilities
}

// DefaultOptions returns a single background worker with a 30 second timeout
func DefaultOptions() Options {
	return Options{
		Style:        DefaultStyle(),
		Timeout:      30 * time.Second,
		Workers:      1,
		QueueSize:    16,
		Capabilities: Capabilities{Parallel: true, OffscreenSurface: true},
	}
}

// Compositor applies the watermark to preview images
type Compositor struct {
	opts     Options
	loader   Loader
	logger   *zap.Logger
	onStage  types.StageFunc
	renderer Renderer

	jobs    chan types.WatermarkJob
	results chan types.WatermarkOutcome
	quit    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]chan types.WatermarkOutcome
	closed  bool
	started bool

	assetMu sync.Mutex
	asset   image.Image
}

// New creates a compositor. A nil loader uses a processing.Processor.
// Workers start lazily on the first primary-path request.
func New(opts Options, loader Loader) *Compositor {
	def := DefaultOptions()
	if opts.Style == (Style{}) {
		opts.Style = def.Style
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if loader == nil {
		loader = processing.NewProcessor()
	}

	c := &Compositor{
		opts:    opts,
		loader:  loader,
		logger:  zap.NewNop(),
		jobs:    make(chan types.WatermarkJob, opts.QueueSize),
		results: make(chan types.WatermarkOutcome, opts.QueueSize),
		quit:    make(chan struct{}),
		pending: make(map[string]chan types.WatermarkOutcome),
	}
	c.renderer = c.render
	return c
}

// SetLogger sets the compositor logger
func (c *Compositor) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// OnStage registers a stage callback
func (c *Compositor) OnStage(f types.StageFunc) {
	c.onStage = f
}

// SetRenderer replaces the background renderer. Must be called before the
// first ApplyWatermark.
func (c *Compositor) SetRenderer(r Renderer) {
	if r != nil {
		c.renderer = r
	}
}

// Pending returns the number of unanswered background jobs
func (c *Compositor) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ApplyWatermark returns a final handle for rawPreview. The background path
// is tried first when available; any failure there falls through to the
// synchronous path, which degrades to rawPreview when the asset cannot be
// loaded. An error is returned only when the preview itself is unusable.
func (c *Compositor) ApplyWatermark(ctx context.Context, rawPreview string) (string, error) {
	c.onStage.Emit(types.StageEvent{Stage: types.StageWatermarking})

	if c.opts.Capabilities.Primary() {
		final, err := c.applyRemote(rawPreview)
		if err == nil {
			return final, nil
		}
		c.logger.Warn("background watermark failed, compositing synchronously", zap.Error(err))
	}
	return c.Composite(ctx, rawPreview)
}

// applyRemote dispatches a job and waits for the outcome with the same
// correlation id. The timeout covers both the enqueue and the wait.
func (c *Compositor) applyRemote(rawPreview string) (string, error) {
	if err := c.start(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	reply := make(chan types.WatermarkOutcome, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer c.forget(id)

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	job := types.WatermarkJob{CorrelationID: id, SourceImage: rawPreview, WatermarkAsset: c.opts.AssetPath}
	select {
	case c.jobs <- job:
	case <-timer.C:
		return "", fmt.Errorf("%w: queue full after %s", ErrTimeout, c.opts.Timeout)
	case <-c.quit:
		return "", ErrClosed
	}

	select {
	case out := <-reply:
		if !out.Success() {
			msg := out.Error
			if msg == "" {
				msg = "empty result"
			}
			return "", fmt.Errorf("watermark job %s: %s", id, msg)
		}
		return out.FinalHandle, nil
	case <-timer.C:
		return "", fmt.Errorf("%w after %s", ErrTimeout, c.opts.Timeout)
	case <-c.quit:
		return "", ErrClosed
	}
}

func (c *Compositor) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Compositor) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.wg.Add(1)
	go c.dispatch()
	return nil
}

func (c *Compositor) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case job := <-c.jobs:
			out := c.run(job)
			select {
			case c.results <- out:
			case <-c.quit:
				return
			}
		}
	}
}

// run calls the renderer and turns a panic into an error outcome
func (c *Compositor) run(job types.WatermarkJob) (out types.WatermarkOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = types.WatermarkOutcome{CorrelationID: job.CorrelationID, Error: fmt.Sprintf("renderer panic: %v", r)}
		}
	}()
	return c.renderer(job)
}

// dispatch routes outcomes to their waiting callers
func (c *Compositor) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case out := <-c.results:
			c.mu.Lock()
			reply, ok := c.pending[out.CorrelationID]
			delete(c.pending, out.CorrelationID)
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("dropping late watermark outcome", zap.String("correlation_id", out.CorrelationID))
				continue
			}
			reply <- out
		}
	}
}

// render is the default background renderer
func (c *Compositor) render(job types.WatermarkJob) types.WatermarkOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	out := types.WatermarkOutcome{CorrelationID: job.CorrelationID}
	base, err := c.decodePreview(ctx, job.SourceImage)
	if err != nil {
		out.Error = fmt.Sprintf("%v: %v", ErrDecodeBase, err)
		return out
	}
	mark, err := c.decode(ctx, job.WatermarkAsset)
	if err != nil {
		out.Error = fmt.Sprintf("%v: %v", ErrAssetLoad, err)
		return out
	}
	final, err := encode(Compose(base, mark, c.opts.Style))
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.FinalHandle = final
	return out
}

// Composite watermarks rawPreview on the calling goroutine. When the asset
// cannot be loaded rawPreview is returned unchanged; when the preview
// cannot be decoded ErrDecodeBase is returned.
func (c *Compositor) Composite(ctx context.Context, rawPreview string) (string, error) {
	base, err := c.decodePreview(ctx, rawPreview)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecodeBase, err)
	}

	mark, err := c.loadAsset(ctx)
	if err != nil {
		c.logger.Warn("watermark asset unavailable, returning preview unmodified",
			zap.String("asset", c.opts.AssetPath),
			zap.Error(err))
		return rawPreview, nil
	}

	final, err := encode(Compose(base, mark, c.opts.Style))
	if err != nil {
		return "", fmt.Errorf("watermark: encode: %w", err)
	}
	return final, nil
}

// loadAsset decodes the watermark once; failures are retried on the next call
func (c *Compositor) loadAsset(ctx context.Context) (image.Image, error) {
	c.assetMu.Lock()
	defer c.assetMu.Unlock()
	if c.asset != nil {
		return c.asset, nil
	}
	if c.opts.AssetPath == "" {
		return nil, fmt.Errorf("%w: no asset configured", ErrAssetLoad)
	}
	img, err := c.decode(ctx, c.opts.AssetPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetLoad, err)
	}
	c.asset = img
	return img, nil
}

// decodePreview loads a preview handle. Only the configured asset may be a
// local path.
func (c *Compositor) decodePreview(ctx context.Context, handle string) (image.Image, error) {
	if !strings.HasPrefix(handle, "data:") && !strings.HasPrefix(handle, "http://") && !strings.HasPrefix(handle, "https://") {
		return nil, ErrPreviewSource
	}
	return c.decode(ctx, handle)
}

func (c *Compositor) decode(ctx context.Context, handle string) (image.Image, error) {
	if handle == "" {
		return nil, errors.New("empty image handle")
	}
	data, err := c.loader.LoadBytesSmart(ctx, handle)
	if err != nil {
		return nil, err
	}
	img, _, err := processing.DecodeBytes(data)
	return img, err
}

// encode flattens the composite into a PNG data URI
func encode(img image.Image) (string, error) {
	data, err := processing.Encode(img, "png", 0)
	if err != nil {
		return "", err
	}
	return processing.DataURI(data, processing.MIMEType("png")), nil
}

// Close stops the background workers. Waiting callers get ErrClosed and
// later calls use the synchronous path.
func (c *Compositor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}
