package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/preview-kit/pkg/types"
)

// ErrUnknownFormat is returned when bytes cannot be decoded as any supported image
var ErrUnknownFormat = errors.New("image: unknown or unsupported format")

const userAgent = "Preview-Kit/1.0"

// Processor handles image loading, encoding and overlay drawing
type Processor struct {
	httpClient *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// NewProcessorWithClient creates a processor that fetches URLs with c
func NewProcessorWithClient(c *http.Client) *Processor {
	if c == nil {
		return NewProcessor()
	}
	return &Processor{httpClient: c}
}

// LoadBytesFromURL downloads the raw bytes of an image URL
func (p *Processor) LoadBytesFromURL(ctx context.Context, imageURL string) ([]byte, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") && !strings.HasPrefix(contentType, "application/octet-stream") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return data, nil
}

// LoadBytesSmart returns the raw bytes behind a data URI, URL or file path
func (p *Processor) LoadBytesSmart(ctx context.Context, source string) ([]byte, error) {
	switch {
	case strings.HasPrefix(source, "data:"):
		data, _, err := ParseDataURI(source)
		return data, err
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return p.LoadBytesFromURL(ctx, source)
	default:
		return os.ReadFile(source)
	}
}

// LoadImageSmart loads and decodes an image from a data URI, URL or file path
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	data, err := p.LoadBytesSmart(ctx, source)
	if err != nil {
		return nil, err
	}
	img, _, err := DecodeBytes(data)
	return img, err
}

// DecodeBytes decodes image bytes and reports the detected format
func DecodeBytes(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrUnknownFormat
	}
	if img, format, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, format, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, "webp", nil
	}
	return nil, "", ErrUnknownFormat
}

// ImageConfig holds the dimensions and format of encoded image bytes
type ImageConfig struct {
	Width  int
	Height int
	Format string
}

// DecodeConfig reads dimensions and format without decoding pixels
func DecodeConfig(data []byte) (ImageConfig, error) {
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return ImageConfig{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
	}
	if cfg, err := webp.DecodeConfig(bytes.NewReader(data)); err == nil {
		return ImageConfig{Width: cfg.Width, Height: cfg.Height, Format: "webp"}, nil
	}
	return ImageConfig{}, ErrUnknownFormat
}

// Encode serializes img as jpeg, png or webp
func Encode(img image.Image, format string, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "webp":
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
			return nil, err
		}
	case "png":
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, err
		}
	default:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// MIMEType maps a format name to its media type
func MIMEType(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// DataURI wraps data as a base64 data URI
func DataURI(data []byte, mime string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURI extracts the payload and media type of a base64 data URI
func ParseDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URI")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return []byte(payload), mime, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode data URI: %w", err)
	}
	return data, mime, nil
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	data, err := Encode(img, format, quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default:
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// CreateDebugOverlay draws the detected subject and the expanded crop on a copy of img
func (p *Processor) CreateDebugOverlay(img image.Image, subject, expanded types.CropRegion) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	green := color.NRGBA{0, 255, 0, 255}
	gold := color.NRGBA{255, 204, 0, 255}
	red := color.NRGBA{255, 0, 0, 255}
	stroke := int(math.Max(2, 0.004*float64(min(w, h))))
	cross := int(math.Max(4, 0.01*float64(min(w, h))))

	drawBox(nrgba, subject.Rect(), green, stroke)
	if !expanded.IsZero() {
		drawBox(nrgba, expanded.Rect(), gold, stroke)
	}

	cx, cy := subject.Center()
	px, py := int(cx+0.5), int(cy+0.5)
	drawHLine(nrgba, py, px-cross, px+cross, red)
	drawVLine(nrgba, px, py-cross, py+cross, red)

	return nrgba
}

func drawBox(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0 = max(x0, 0)
	x1 = min(x1, img.Bounds().Dx())
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0 = max(y0, 0)
	y1 = min(y1, img.Bounds().Dy())
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
