package gemini

import (
	"math"
	"strings"

	"retouch/internal/imagine"
)

// family selects transport and response envelope. The generateContent family
// is multi-modal (text plus inline images); the predict family is the older
// Imagen surface: generation only, no reference images, and a completely
// different response shape.
type family int

const (
	familyGenerateContent family = iota
	familyPredict
)

// modelSpec is resolved once per call from the raw model identifier so that
// request building never re-branches on substrings.
type modelSpec struct {
	apiModel       string
	family         family
	edit           bool
	multiReference bool
	imageSize      bool
}

var knownModels = map[string]modelSpec{
	"gemini-2.5-flash-image": {
		apiModel: "gemini-2.5-flash-image",
		family:   familyGenerateContent,
		edit:     true,
	},
	"gemini-3-pro-image-preview": {
		apiModel:       "gemini-3-pro-image-preview",
		family:         familyGenerateContent,
		edit:           true,
		multiReference: true,
		imageSize:      true,
	},
	"imagen-3.0-generate-002": {
		apiModel: "imagen-3.0-generate-002",
		family:   familyPredict,
	},
	"imagen-4.0-generate-001": {
		apiModel: "imagen-4.0-generate-001",
		family:   familyPredict,
	},
}

func resolveModel(name string) (modelSpec, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if spec, ok := knownModels[name]; ok {
		return spec, true
	}
	// Unlisted gemini-* identifiers are assumed to be generateContent image
	// models with the conservative capability set.
	if strings.HasPrefix(name, "gemini-") {
		return modelSpec{apiModel: name, family: familyGenerateContent, edit: true}, true
	}
	if strings.HasPrefix(name, "imagen-") {
		return modelSpec{apiModel: name, family: familyPredict}, true
	}
	return modelSpec{}, false
}

// supportedRatios is the fixed set the API accepts for imageConfig.
var supportedRatios = []string{"1:1", "2:3", "3:2", "3:4", "4:3", "4:5", "5:4", "9:16", "16:9", "21:9"}

var ratioValues = map[string]float64{
	"1:1": 1, "2:3": 2.0 / 3.0, "3:2": 3.0 / 2.0, "3:4": 3.0 / 4.0,
	"4:3": 4.0 / 3.0, "4:5": 4.0 / 5.0, "5:4": 5.0 / 4.0,
	"9:16": 9.0 / 16.0, "16:9": 16.0 / 9.0, "21:9": 21.0 / 9.0,
}

// nearestAspectRatio maps raw pixel dimensions onto the closest ratio the API
// accepts, by absolute difference of the width/height quotient.
func nearestAspectRatio(width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	quotient := float64(width) / float64(height)
	best := ""
	bestDiff := math.MaxFloat64
	for _, ratio := range supportedRatios {
		diff := math.Abs(ratioValues[ratio] - quotient)
		if diff < bestDiff {
			best = ratio
			bestDiff = diff
		}
	}
	return best
}

// requestRatio prefers an explicit ratio string when it is one the API knows,
// otherwise derives one from the requested dimensions.
func requestRatio(req imagine.GenerateRequest) string {
	if r := strings.TrimSpace(req.AspectRatio); r != "" {
		if _, ok := ratioValues[r]; ok {
			return r
		}
	}
	return nearestAspectRatio(req.Width, req.Height)
}

// imageSizeFor buckets the requested canvas into the small enum the API
// accepts for models that honor an explicit output size.
func imageSizeFor(width, height int) string {
	longest := width
	if height > longest {
		longest = height
	}
	switch {
	case longest <= 0:
		return ""
	case longest <= 1024:
		return "1K"
	case longest <= 2048:
		return "2K"
	default:
		return "4K"
	}
}
