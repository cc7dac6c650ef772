package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/preview-kit/pkg/types"
)

func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{uint8(x * 4), uint8(y * 4), 128, 255})
		}
	}
	return img
}

func TestEncodeDecodeFormats(t *testing.T) {
	img := createTestImage(40, 30)

	for _, format := range []string{"jpeg", "png", "webp"} {
		t.Run(format, func(t *testing.T) {
			data, err := Encode(img, format, 85)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, got, err := DecodeBytes(data)
			if err != nil {
				t.Fatalf("DecodeBytes failed: %v", err)
			}
			if got != format {
				t.Errorf("Expected format %s, got %s", format, got)
			}
			if decoded.Bounds().Dx() != 40 || decoded.Bounds().Dy() != 30 {
				t.Errorf("Unexpected bounds %v", decoded.Bounds())
			}

			cfg, err := DecodeConfig(data)
			if err != nil {
				t.Fatalf("DecodeConfig failed: %v", err)
			}
			if cfg.Width != 40 || cfg.Height != 30 || cfg.Format != format {
				t.Errorf("Unexpected config %+v", cfg)
			}
		})
	}
}

func TestDecodeBytesRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("definitely not an image")} {
		if _, _, err := DecodeBytes(data); !errors.Is(err, ErrUnknownFormat) {
			t.Errorf("Expected ErrUnknownFormat, got %v", err)
		}
	}
}

func TestDataURIRoundTrip(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}
	uri := DataURI(payload, "image/png")

	data, mime, err := ParseDataURI(uri)
	if err != nil {
		t.Fatalf("ParseDataURI failed: %v", err)
	}
	if mime != "image/png" {
		t.Errorf("Expected image/png, got %s", mime)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("Payload mismatch")
	}

	if _, _, err := ParseDataURI("http://example.com/a.png"); err == nil {
		t.Error("Expected error for non data URI")
	}
	if _, _, err := ParseDataURI("data:image/png;base64"); err == nil {
		t.Error("Expected error for data URI without payload")
	}
}

func TestLoadBytesSmart(t *testing.T) {
	png, err := Encode(createTestImage(8, 8), "png", 0)
	if err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("Expected User-Agent header")
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "in.png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewProcessorWithClient(server.Client())
	sources := map[string]string{
		"url":      server.URL + "/photo.png",
		"file":     path,
		"data uri": DataURI(png, "image/png"),
	}
	for name, src := range sources {
		t.Run(name, func(t *testing.T) {
			img, err := p.LoadImageSmart(context.Background(), src)
			if err != nil {
				t.Fatalf("LoadImageSmart failed: %v", err)
			}
			if img.Bounds().Dx() != 8 {
				t.Errorf("Unexpected bounds %v", img.Bounds())
			}
		})
	}
}

func TestLoadBytesFromURLErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		}
	}))
	defer server.Close()

	p := NewProcessorWithClient(server.Client())
	ctx := context.Background()

	if _, err := p.LoadBytesFromURL(ctx, server.URL+"/missing"); err == nil {
		t.Error("Expected error for 404")
	}
	if _, err := p.LoadBytesFromURL(ctx, server.URL+"/page"); err == nil {
		t.Error("Expected error for non-image content type")
	}
	if _, err := p.LoadBytesFromURL(ctx, "ftp://example.com/a.png"); err == nil {
		t.Error("Expected error for unsupported scheme")
	}
}

func TestCreateDebugOverlay(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(100, 100)

	subject := types.CropRegion{X: 40, Y: 40, Width: 20, Height: 20}
	expanded := types.CropRegion{X: 5, Y: 5, Width: 90, Height: 90}
	out := p.CreateDebugOverlay(img, subject, expanded)

	if out.Bounds() != img.Bounds() {
		t.Fatalf("Overlay changed bounds: %v", out.Bounds())
	}
	if got := color.NRGBAModel.Convert(out.At(40, 45)).(color.NRGBA); got != (color.NRGBA{0, 255, 0, 255}) {
		t.Errorf("Expected green subject border, got %v", got)
	}
	if got := color.NRGBAModel.Convert(out.At(5, 50)).(color.NRGBA); got != (color.NRGBA{255, 204, 0, 255}) {
		t.Errorf("Expected gold crop border, got %v", got)
	}
	// source untouched
	if img.NRGBAAt(40, 45) == (color.NRGBA{0, 255, 0, 255}) {
		t.Error("Overlay modified the source image")
	}
}

func TestPrepareImageForModelDownscales(t *testing.T) {
	p := NewProcessor()
	b64, err := p.PrepareImageForModel(createTestImage(64, 32), "jpeg", 16, 80)
	if err != nil {
		t.Fatalf("PrepareImageForModel failed: %v", err)
	}
	if b64 == "" {
		t.Fatal("Expected base64 payload")
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := DecodeConfig(data)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 16 || cfg.Height != 8 {
		t.Errorf("Expected 16x8, got %dx%d", cfg.Width, cfg.Height)
	}
}
