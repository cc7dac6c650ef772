package watermark

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Style controls how the watermark is drawn over the preview
type Style struct {
	// Scale is the watermark width as a fraction of the base width
	Scale float64
	// Alpha is the opacity of the watermark overlay
	Alpha float64
	// ShadowSigma is the blur radius of the drop shadow; zero disables it
	ShadowSigma float64
	// ShadowOffset shifts the shadow right and down, in pixels
	ShadowOffset int
	// ShadowAlpha is the opacity of the shadow relative to Alpha
	ShadowAlpha float64
}

// DefaultStyle returns an 80% wide watermark at half opacity with a soft shadow
func DefaultStyle() Style {
	return Style{
		Scale:        0.8,
		Alpha:        0.5,
		ShadowSigma:  4,
		ShadowOffset: 3,
		ShadowAlpha:  0.6,
	}
}

// Compose centers mark over base, scaled to Style.Scale of the base width
// with its aspect ratio preserved, and flattens the result.
func Compose(base, mark image.Image, style Style) *image.NRGBA {
	out := imaging.Clone(base)
	bw, bh := out.Bounds().Dx(), out.Bounds().Dy()
	if bw == 0 || bh == 0 || mark.Bounds().Empty() {
		return out
	}

	targetW := max(int(math.Round(float64(bw)*style.Scale)), 1)
	scaled := imaging.Resize(mark, targetW, 0, imaging.Lanczos)
	x := (bw - scaled.Bounds().Dx()) / 2
	y := (bh - scaled.Bounds().Dy()) / 2

	if style.ShadowSigma > 0 && style.ShadowAlpha > 0 {
		shadow := imaging.Blur(silhouette(scaled), style.ShadowSigma)
		out = imaging.Overlay(out, shadow, image.Pt(x+style.ShadowOffset, y+style.ShadowOffset), style.Alpha*style.ShadowAlpha)
	}
	return imaging.Overlay(out, scaled, image.Pt(x, y), style.Alpha)
}

// silhouette returns a black copy of img keeping its alpha channel
func silhouette(img *image.NRGBA) *image.NRGBA {
	out := image.NewNRGBA(img.Bounds())
	for i := 0; i+3 < len(img.Pix); i += 4 {
		out.Pix[i+3] = img.Pix[i+3]
	}
	return out
}
