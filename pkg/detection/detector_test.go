package detection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/menta2k/preview-kit/pkg/types"
)

// stubClient returns a canned analysis
type stubClient struct {
	result *types.AnalysisResult
	err    error
	calls  int
}

func (s *stubClient) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "a photo", s.err
}

func (s *stubClient) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	return &r, nil
}

type markerDetector struct{}

func (markerDetector) Detect(image.Image) types.DetectionResult {
	return types.DetectionResult{Confidence: 0.5, Method: types.MethodCenterFallback}
}

func testImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 200, 100))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(10, 10, color.Black)
	return img
}

func TestDetectUsesModelBox(t *testing.T) {
	stub := &stubClient{result: &types.AnalysisResult{
		Primary: types.Primary{
			Label:      "Dog",
			Confidence: 0.9,
			Box:        types.Box{X: 0.25, Y: 0.5, W: 0.5, H: 0.25},
		},
		Tags: []string{"Dog", "dog", " pet "},
	}}
	d := NewDetector(stub)
	d.SetFallback(markerDetector{})

	result := d.Detect(testImage())

	if result.Method != types.MethodSaliency {
		t.Fatalf("Expected model result, got %s", result.Method)
	}
	want := types.CropRegion{X: 50, Y: 50, Width: 100, Height: 25}
	if result.Region != want {
		t.Errorf("Expected region %+v, got %+v", want, result.Region)
	}
	if result.Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9, got %f", result.Confidence)
	}
}

func TestDetectFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		client *stubClient
	}{
		{"model error", &stubClient{err: errors.New("connection refused")}},
		{"low confidence", &stubClient{result: &types.AnalysisResult{Primary: types.Primary{Label: "cat", Confidence: 0.1, Box: types.Box{W: 1, H: 1}}}}},
		{"none label", &stubClient{result: &types.AnalysisResult{Primary: types.Primary{Label: "none", Confidence: 0.9, Box: types.Box{W: 1, H: 1}}}}},
		{"parse failure", &stubClient{result: &types.AnalysisResult{Primary: types.Primary{Label: "parse error", Confidence: 0.8, Box: types.Box{W: 1, H: 1}}}}},
		{"empty box", &stubClient{result: &types.AnalysisResult{Primary: types.Primary{Label: "cat", Confidence: 0.9}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(tt.client)
			d.SetFallback(markerDetector{})

			result := d.Detect(testImage())
			if result.Method != types.MethodCenterFallback {
				t.Errorf("Expected fallback, got %+v", result)
			}
			if tt.client.calls != 1 {
				t.Errorf("Expected one model call, got %d", tt.client.calls)
			}
		})
	}
}

func TestDetectNilClientUsesSaliency(t *testing.T) {
	d := NewDetector(nil)
	result := d.Detect(testImage())
	if result.Confidence <= 0 {
		t.Errorf("Expected a saliency result, got %+v", result)
	}
}

func TestDetectSubjectNormalizes(t *testing.T) {
	stub := &stubClient{result: &types.AnalysisResult{
		Primary: types.Primary{Label: "car", Confidence: 0.7, Box: types.Box{X: -0.2, Y: 0.1, W: 1.4, H: 0.5}},
		Tags:    []string{"A", "a", "b", "c", "d", "e", "f"},
	}}
	d := NewDetector(stub)

	result, err := d.DetectSubject(context.Background(), "m", "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Primary.Box.X != 0 || result.Primary.Box.W != 1 {
		t.Errorf("Expected clamped box, got %+v", result.Primary.Box)
	}
	if len(result.Tags) != 5 || result.Tags[0] != "a" {
		t.Errorf("Expected 5 deduped lowercase tags, got %v", result.Tags)
	}
}

func TestBoxToRegion(t *testing.T) {
	tests := []struct {
		box  types.Box
		want types.CropRegion
	}{
		{types.Box{X: 0, Y: 0, W: 1, H: 1}, types.CropRegion{Width: 400, Height: 300}},
		{types.Box{X: 0.75, Y: 0.5, W: 0.5, H: 0.9}, types.CropRegion{X: 300, Y: 150, Width: 100, Height: 150}},
		{types.Box{X: 1.2, Y: 0, W: 0.3, H: 0.3}, types.CropRegion{}},
	}
	for _, tt := range tests {
		if got := BoxToRegion(tt.box, 400, 300); got != tt.want {
			t.Errorf("BoxToRegion(%+v) = %+v, want %+v", tt.box, got, tt.want)
		}
	}
}
