package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/menta2k/preview-kit/pkg/types"
)

// DefaultAspectRatio is used when a request names no aspect ratio
const DefaultAspectRatio = "1:1"

var aspectRatioPattern = regexp.MustCompile(`^\d+:\d+$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// payloadValidator reports fields by their JSON names and knows the
// "aspect" rule for W:H ratios
func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("aspect", func(fl validator.FieldLevel) bool {
			return aspectRatioPattern.MatchString(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// PreviewPayload is an inbound preview request after defaults are applied
type PreviewPayload struct {
	ImageURL    string `json:"imageUrl" validate:"required"`
	ImageData   string `json:"imageData,omitempty"`
	Style       string `json:"style" validate:"required"`
	PhotoID     string `json:"photoId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	AspectRatio string `json:"aspectRatio" validate:"required,aspect"`
	Watermark   bool   `json:"watermark"`
	Quality     string `json:"quality"`
	CacheBypass bool   `json:"cacheBypass"`
}

// rawPayload distinguishes absent optional fields from zero values
type rawPayload struct {
	ImageURL    string  `json:"imageUrl"`
	ImageData   string  `json:"imageData"`
	Style       string  `json:"style"`
	PhotoID     string  `json:"photoId"`
	SessionID   string  `json:"sessionId"`
	AspectRatio *string `json:"aspectRatio"`
	Watermark   *bool   `json:"watermark"`
	Quality     *string `json:"quality"`
	CacheBypass *bool   `json:"cacheBypass"`
}

// ParsePreviewPayload validates an inbound JSON request. imageUrl and style
// are required; aspectRatio defaults to "1:1", watermark to true, quality
// to "medium" and cacheBypass to false.
func ParsePreviewPayload(data []byte) (PreviewPayload, error) {
	const op = "parse payload"

	var raw rawPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return PreviewPayload{}, newError(KindValidation, op, "malformed JSON", err)
	}

	p := PreviewPayload{
		ImageURL:    strings.TrimSpace(raw.ImageURL),
		ImageData:   raw.ImageData,
		Style:       strings.TrimSpace(raw.Style),
		PhotoID:     raw.PhotoID,
		SessionID:   raw.SessionID,
		AspectRatio: DefaultAspectRatio,
		Watermark:   true,
		Quality:     "medium",
	}
	if raw.AspectRatio != nil {
		p.AspectRatio = *raw.AspectRatio
	}
	if raw.Watermark != nil {
		p.Watermark = *raw.Watermark
	}
	if raw.Quality != nil && *raw.Quality != "" {
		p.Quality = *raw.Quality
	}
	if raw.CacheBypass != nil {
		p.CacheBypass = *raw.CacheBypass
	}

	if err := payloadValidator().Struct(p); err != nil {
		return PreviewPayload{}, newError(KindValidation, op, validationMessage(err), err)
	}
	return p, nil
}

// validationMessage describes the first failed rule
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid payload"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "aspect":
		return fmt.Sprintf("%s %q must look like W:H", fe.Field(), fe.Value())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

// Request converts the payload into a generation request
func (p PreviewPayload) Request(authenticated bool) types.GenerationRequest {
	quality := types.QualityPreview
	if strings.EqualFold(p.Quality, string(types.QualityFinal)) || strings.EqualFold(p.Quality, "high") {
		quality = types.QualityFinal
	}
	return types.GenerationRequest{
		ImageURL:      p.ImageURL,
		ImageData:     p.ImageData,
		Style:         p.Style,
		PhotoID:       p.PhotoID,
		AspectRatio:   p.AspectRatio,
		Watermark:     p.Watermark,
		Quality:       quality,
		SessionID:     p.SessionID,
		Authenticated: authenticated,
	}
}
