package client

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/menta2k/preview-kit/pkg/types"
)

var (
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment   = regexp.MustCompile(`(?m)//.*$`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// unclearResult is returned when a model reply carries no usable JSON
func unclearResult(label, description string, tags ...string) *types.AnalysisResult {
	return &types.AnalysisResult{
		Primary: types.Primary{
			Label:      label,
			Confidence: 0.1,
			Box:        types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5},
			Cx:         0.5,
			Cy:         0.5,
		},
		Description: description,
		Tags:        tags,
	}
}

// ParseAnalysis decodes a vision model reply into an AnalysisResult. Replies
// that are not JSON produce a low-confidence centered result instead of an error.
func ParseAnalysis(raw string) *types.AnalysisResult {
	raw = SanitizeModelJSON(raw)

	if !strings.HasPrefix(raw, "{") {
		return unclearResult("unclear image", "Model returned non-JSON response", "unclear", "non-json", "fallback")
	}

	var result types.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return unclearResult("parse error", "Failed to parse model response", "parse-error", "fallback")
	}

	if result.Primary.Label == "" && result.Primary.Confidence == 0 {
		if result.Primary.Cx == 0 && result.Primary.Cy == 0 {
			result.Primary.Cx = 0.5
			result.Primary.Cy = 0.5
		}
		if result.Primary.Box.W == 0 && result.Primary.Box.H == 0 {
			result.Primary.Box = types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}
		}
	}
	return &result
}

// SanitizeModelJSON removes code fences, comments and trailing commas and
// keeps only the outermost object
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
