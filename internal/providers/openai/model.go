package openai

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// canvas is one of the fixed output sizes a model accepts.
type canvas struct {
	width  int
	height int
}

func (c canvas) String() string {
	return fmt.Sprintf("%dx%d", c.width, c.height)
}

// modelSpec is resolved once per call. The Image API predates multi-image
// generation, so reference-conditioned generation rides the edits endpoint
// for models that allow it.
type modelSpec struct {
	apiModel       string
	canvases       []canvas
	edit           bool
	multiReference bool
	returnsB64     bool
}

var knownModels = map[string]modelSpec{
	"gpt-image-1": {
		apiModel:       "gpt-image-1",
		canvases:       []canvas{{1024, 1024}, {1536, 1024}, {1024, 1536}},
		edit:           true,
		multiReference: true,
		returnsB64:     true,
	},
	"dall-e-3": {
		apiModel: "dall-e-3",
		canvases: []canvas{{1024, 1024}, {1792, 1024}, {1024, 1792}},
	},
	"dall-e-2": {
		apiModel: "dall-e-2",
		canvases: []canvas{{256, 256}, {512, 512}, {1024, 1024}},
		edit:     true,
	},
}

func resolveModel(name string) (modelSpec, bool) {
	spec, ok := knownModels[strings.ToLower(strings.TrimSpace(name))]
	return spec, ok
}

// nearestCanvas buckets the requested dimensions (or a ratio string like
// "16:9") into one of the model's supported canvases. Odd or missing ratios
// fall back to the square canvas.
func nearestCanvas(spec modelSpec, width, height int, aspectRatio string) canvas {
	quotient := 0.0
	if width > 0 && height > 0 {
		quotient = float64(width) / float64(height)
	} else if w, h, ok := parseRatio(aspectRatio); ok {
		quotient = w / h
	}
	square := spec.canvases[0]
	for _, c := range spec.canvases {
		if c.width == c.height {
			square = c
		}
	}
	if quotient <= 0 {
		return square
	}
	// Ratio decides the bucket; requested area breaks ties between canvases
	// with the same shape, which matters for models offering several squares.
	area := float64(width) * float64(height)
	best := square
	bestDiff := math.MaxFloat64
	bestArea := math.MaxFloat64
	for _, c := range spec.canvases {
		diff := math.Abs(float64(c.width)/float64(c.height) - quotient)
		areaDiff := math.Abs(float64(c.width*c.height) - area)
		if diff < bestDiff || (diff == bestDiff && area > 0 && areaDiff < bestArea) {
			best = c
			bestDiff = diff
			bestArea = areaDiff
		}
	}
	return best
}

func parseRatio(ratio string) (float64, float64, bool) {
	parts := strings.SplitN(strings.TrimSpace(ratio), ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, errW := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	h, errH := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
