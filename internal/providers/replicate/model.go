package replicate

import "strings"

// refStyle describes how a model wants its conditioning images delivered.
type refStyle int

const (
	refNone refStyle = iota
	// refArray sends the images as an array in request order.
	refArray
	// refArrayReversed sends the images newest-first; the model treats the
	// first array element as the primary subject.
	refArrayReversed
	// refSingle sends exactly one image as a bare string field.
	refSingle
)

// sizeStyle describes which resolution parameter a model understands.
type sizeStyle int

const (
	sizeNone sizeStyle = iota
	// sizeWidthHeight sends explicit width and height integers.
	sizeWidthHeight
	// sizeEnum sends one of the "1K"/"2K"/"4K" canvas names.
	sizeEnum
	// sizeMegapixels sends a megapixel budget string.
	sizeMegapixels
	// sizeAspectRatio sends only an aspect ratio string.
	sizeAspectRatio
)

// modelSpec is resolved once per call. Replicate hosts unrelated models with
// unrelated input schemas, so the whole request shape hangs off this table.
type modelSpec struct {
	apiModel       string
	refField       string
	refStyle       refStyle
	sizeStyle      sizeStyle
	edit           bool
	multiReference bool
}

var knownModels = map[string]modelSpec{
	"google/nano-banana": {
		apiModel:       "google/nano-banana",
		refField:       "image_input",
		refStyle:       refArrayReversed,
		sizeStyle:      sizeAspectRatio,
		edit:           true,
		multiReference: true,
	},
	"bytedance/seedream-4": {
		apiModel:       "bytedance/seedream-4",
		refField:       "input_images",
		refStyle:       refArray,
		sizeStyle:      sizeEnum,
		edit:           true,
		multiReference: true,
	},
	"ideogram-ai/ideogram-v3-turbo": {
		apiModel:       "ideogram-ai/ideogram-v3-turbo",
		refField:       "reference_images",
		refStyle:       refArray,
		sizeStyle:      sizeWidthHeight,
		multiReference: true,
	},
	"qwen/qwen-image-edit": {
		apiModel:  "qwen/qwen-image-edit",
		refField:  "image",
		refStyle:  refSingle,
		sizeStyle: sizeNone,
		edit:      true,
	},
	"black-forest-labs/flux-schnell": {
		apiModel:  "black-forest-labs/flux-schnell",
		refStyle:  refNone,
		sizeStyle: sizeMegapixels,
	},
}

func resolveModel(name string) (modelSpec, bool) {
	spec, ok := knownModels[strings.ToLower(strings.TrimSpace(name))]
	return spec, ok
}
