package watermark

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/menta2k/preview-kit/pkg/processing"
	"github.com/menta2k/preview-kit/pkg/types"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	return imaging.New(w, h, c)
}

func pngDataURI(t *testing.T, img image.Image) string {
	t.Helper()
	data, err := processing.Encode(img, "png", 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return processing.DataURI(data, "image/png")
}

func writeAsset(t *testing.T) string {
	t.Helper()
	data, err := processing.Encode(solid(20, 10, color.NRGBA{R: 255, A: 255}), "png", 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "watermark.png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	return path
}

func decodeHandle(t *testing.T, handle string) image.Image {
	t.Helper()
	data, _, err := processing.ParseDataURI(handle)
	if err != nil {
		t.Fatalf("final handle is not a data URI: %v", err)
	}
	img, _, err := processing.DecodeBytes(data)
	if err != nil {
		t.Fatalf("decode final: %v", err)
	}
	return img
}

func syncOnly(asset string) Options {
	opts := DefaultOptions()
	opts.AssetPath = asset
	opts.Capabilities = Capabilities{}
	return opts
}

func TestApplyWatermarkSynchronousFallback(t *testing.T) {
	c := New(syncOnly(writeAsset(t)), nil)
	raw := pngDataURI(t, solid(120, 80, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))

	final, err := c.ApplyWatermark(context.Background(), raw)
	if err != nil {
		t.Fatalf("ApplyWatermark failed: %v", err)
	}
	if final == raw {
		t.Fatal("Expected a composited image distinct from the raw preview")
	}

	img := decodeHandle(t, final)
	if img.Bounds().Dx() != 120 || img.Bounds().Dy() != 80 {
		t.Errorf("Composite changed dimensions: %v", img.Bounds())
	}
	r, g, _, _ := img.At(60, 40).RGBA()
	if r>>8 < 200 || g>>8 > 160 {
		t.Errorf("Expected a reddish center, got r=%d g=%d", r>>8, g>>8)
	}
	if c.Pending() != 0 {
		t.Errorf("Synchronous path should not register jobs")
	}
}

func TestApplyWatermarkAssetFailureReturnsOriginal(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := New(syncOnly(filepath.Join(t.TempDir(), "missing.png")), nil)
	c.SetLogger(zap.New(core))
	raw := pngDataURI(t, solid(40, 40, color.NRGBA{B: 255, A: 255}))

	final, err := c.ApplyWatermark(context.Background(), raw)
	if err != nil {
		t.Fatalf("Asset failure must not fail the call: %v", err)
	}
	if final != raw {
		t.Error("Expected the original preview back unmodified")
	}
	if logs.FilterMessage("watermark asset unavailable, returning preview unmodified").Len() != 1 {
		t.Error("Expected the asset failure to be logged")
	}
}

func TestApplyWatermarkUndecodablePreview(t *testing.T) {
	opts := DefaultOptions()
	opts.AssetPath = writeAsset(t)
	opts.Timeout = time.Second
	c := New(opts, nil)
	defer c.Close()

	_, err := c.ApplyWatermark(context.Background(), "data:image/png;base64,AAAA")
	if !errors.Is(err, ErrDecodeBase) {
		t.Errorf("Expected ErrDecodeBase once both paths are exhausted, got %v", err)
	}
}

func TestApplyWatermarkPrimaryPath(t *testing.T) {
	opts := DefaultOptions()
	opts.AssetPath = writeAsset(t)
	c := New(opts, nil)
	defer c.Close()

	var stages []types.Stage
	c.OnStage(func(e types.StageEvent) { stages = append(stages, e.Stage) })

	raw := pngDataURI(t, solid(64, 64, color.NRGBA{G: 255, A: 255}))
	final, err := c.ApplyWatermark(context.Background(), raw)
	if err != nil {
		t.Fatalf("ApplyWatermark failed: %v", err)
	}
	if final == raw {
		t.Error("Expected a composited image")
	}
	decodeHandle(t, final)

	if c.Pending() != 0 {
		t.Errorf("Expected correlation table to be empty, got %d", c.Pending())
	}
	if len(stages) != 1 || stages[0] != types.StageWatermarking {
		t.Errorf("Unexpected stages %v", stages)
	}
}

func TestApplyWatermarkCorrelatesConcurrentCallers(t *testing.T) {
	opts := DefaultOptions()
	opts.Workers = 4
	c := New(opts, nil)
	defer c.Close()

	c.SetRenderer(func(job types.WatermarkJob) types.WatermarkOutcome {
		// uneven work so outcomes arrive out of order
		time.Sleep(time.Duration(len(job.SourceImage)%4) * time.Millisecond)
		return types.WatermarkOutcome{CorrelationID: job.CorrelationID, FinalHandle: "final:" + job.SourceImage}
	})

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := fmt.Sprintf("preview-%0*d", i%7+1, i)
			got, err := c.ApplyWatermark(context.Background(), raw)
			if err != nil {
				errs <- err
				return
			}
			if got != "final:"+raw {
				errs <- fmt.Errorf("caller %d got %q", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if c.Pending() != 0 {
		t.Errorf("Expected empty correlation table, got %d", c.Pending())
	}
}

func TestApplyWatermarkTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	opts := DefaultOptions()
	opts.AssetPath = writeAsset(t)
	opts.Timeout = 20 * time.Millisecond
	c := New(opts, nil)
	c.SetRenderer(func(job types.WatermarkJob) types.WatermarkOutcome {
		<-release
		return types.WatermarkOutcome{CorrelationID: job.CorrelationID, FinalHandle: "too late"}
	})
	defer c.Close()
	defer close(release)

	raw := pngDataURI(t, solid(50, 50, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))
	final, err := c.ApplyWatermark(context.Background(), raw)
	if err != nil {
		t.Fatalf("ApplyWatermark failed: %v", err)
	}
	if final == raw || final == "too late" {
		t.Errorf("Expected synchronous composite, got %.40q", final)
	}
	if c.Pending() != 0 {
		t.Errorf("Timed out entry should be removed, got %d pending", c.Pending())
	}
}

func TestApplyRemoteTimeout(t *testing.T) {
	release := make(chan struct{})
	opts := DefaultOptions()
	opts.Timeout = 10 * time.Millisecond
	c := New(opts, nil)
	c.SetRenderer(func(job types.WatermarkJob) types.WatermarkOutcome {
		<-release
		return types.WatermarkOutcome{CorrelationID: job.CorrelationID}
	})
	defer c.Close()
	defer close(release)

	if _, err := c.applyRemote("preview"); !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestApplyWatermarkWorkerFailuresFallBack(t *testing.T) {
	renderers := map[string]Renderer{
		"error outcome": func(job types.WatermarkJob) types.WatermarkOutcome {
			return types.WatermarkOutcome{CorrelationID: job.CorrelationID, Error: "surface lost"}
		},
		"panic": func(types.WatermarkJob) types.WatermarkOutcome {
			panic("raster crash")
		},
	}

	for name, r := range renderers {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.AssetPath = writeAsset(t)
			c := New(opts, nil)
			c.SetRenderer(r)
			defer c.Close()

			raw := pngDataURI(t, solid(30, 30, color.NRGBA{A: 255}))
			final, err := c.ApplyWatermark(context.Background(), raw)
			if err != nil {
				t.Fatalf("ApplyWatermark failed: %v", err)
			}
			if final == raw {
				t.Error("Expected synchronous composite")
			}
		})
	}
}

func TestClosedCompositorUsesSynchronousPath(t *testing.T) {
	opts := DefaultOptions()
	opts.AssetPath = writeAsset(t)
	c := New(opts, nil)
	c.SetRenderer(func(job types.WatermarkJob) types.WatermarkOutcome {
		t.Error("renderer should not run after Close")
		return types.WatermarkOutcome{CorrelationID: job.CorrelationID}
	})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	raw := pngDataURI(t, solid(30, 30, color.NRGBA{A: 255}))
	if final, err := c.ApplyWatermark(context.Background(), raw); err != nil || final == raw {
		t.Errorf("Expected synchronous composite, got err=%v", err)
	}
}

func TestCompose(t *testing.T) {
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	base := solid(100, 50, white)
	mark := solid(20, 10, color.NRGBA{R: 255, A: 255})

	out := Compose(base, mark, Style{Scale: 0.8, Alpha: 0.5})

	if out.Bounds() != base.Bounds() {
		t.Fatalf("Compose changed bounds: %v", out.Bounds())
	}
	c := out.NRGBAAt(50, 25)
	if c.R != 255 || c.G < 124 || c.G > 131 {
		t.Errorf("Expected half-opacity red at center, got %+v", c)
	}
	// the 80 px wide mark spans x in [10, 90)
	if got := out.NRGBAAt(5, 25); got != white {
		t.Errorf("Expected untouched pixel left of the mark, got %+v", got)
	}
	if got := out.NRGBAAt(12, 25); got == white {
		t.Error("Expected the mark to start 10 px from the left edge")
	}
	if base.NRGBAAt(50, 25) != white {
		t.Error("Compose must not modify its input")
	}
}

func TestComposeShadowDarkensUnderlay(t *testing.T) {
	base := solid(100, 50, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	mark := solid(20, 10, color.NRGBA{R: 255, A: 255})

	plain := Compose(base, mark, Style{Scale: 0.8, Alpha: 0.5})
	shadowed := Compose(base, mark, DefaultStyle())

	if shadowed.NRGBAAt(50, 25).G >= plain.NRGBAAt(50, 25).G {
		t.Error("Expected the drop shadow to darken the composite")
	}
}

func TestApplyWatermarkRejectsLocalPreviewPaths(t *testing.T) {
	asset := writeAsset(t)
	for name, opts := range map[string]Options{
		"synchronous": syncOnly(asset),
		"background":  func() Options { o := DefaultOptions(); o.AssetPath = asset; return o }(),
	} {
		t.Run(name, func(t *testing.T) {
			c := New(opts, nil)
			defer c.Close()

			// the asset itself is a readable local image
			_, err := c.ApplyWatermark(context.Background(), asset)
			if !errors.Is(err, ErrDecodeBase) || !errors.Is(err, ErrPreviewSource) {
				t.Errorf("Expected local preview path to be rejected, got %v", err)
			}
		})
	}
}

func TestApplyWatermarkFetchesURLPreview(t *testing.T) {
	data, err := processing.Encode(solid(40, 40, color.NRGBA{G: 255, A: 255}), "png", 0)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	c := New(syncOnly(writeAsset(t)), nil)
	final, err := c.ApplyWatermark(context.Background(), srv.URL+"/preview.png")
	if err != nil {
		t.Fatalf("ApplyWatermark failed: %v", err)
	}
	if img := decodeHandle(t, final); img.Bounds().Dx() != 40 {
		t.Errorf("Unexpected composite bounds %v", img.Bounds())
	}
}
