package imagine

import (
	"bytes"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// BinaryImage is the immutable result of any provider call or normalization
// pass. Width and height always come from decoding the actual bytes; provider
// supplied dimensions are observed to be missing or wrong and are never
// trusted.
type BinaryImage struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// NewBinaryImage decodes the image header to populate dimensions. The MIME is
// taken from the hint when it looks like an image type, otherwise from the
// decoded format.
func NewBinaryImage(data []byte, mimeHint string) (*BinaryImage, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	mime := strings.ToLower(strings.TrimSpace(mimeHint))
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/" + format
	}
	return &BinaryImage{Data: data, MIME: mime, Width: cfg.Width, Height: cfg.Height}, nil
}

// ReferenceImage describes a caller-supplied conditioning image. The file at
// Path is borrowed: this package only reads it, the caller deletes it after
// the call completes.
type ReferenceImage struct {
	Path     string
	MIME     string
	Filename string
	Width    int
	Height   int
}

// MaxReferenceImages bounds how many reference images a single request may
// carry, regardless of provider.
const MaxReferenceImages = 4

// GenerateRequest is a normalized text-to-image request.
type GenerateRequest struct {
	Prompt      string
	Provider    string
	Model       string
	Format      string
	AspectRatio string
	Width       int
	Height      int
	References  []ReferenceImage
}

// SaveMode selects what happens to a finished edit.
const (
	SaveModeBuffer = "buffer"
	SaveModeFinal  = "final"
)

// EditRequest asks a provider to rework an existing image. SourcePath points
// at the current pixels of the attachment being edited (possibly a staged
// buffer from an earlier AI edit, which is how edits chain).
type EditRequest struct {
	SourceAttachmentID int64
	Prompt             string
	Provider           string
	Model              string
	Format             string
	SourcePath         string
	TargetWidth        int
	TargetHeight       int
	SaveMode           string
	References         []ReferenceImage
}

// Capability names an optional provider feature callers can probe before
// building a request.
type Capability string

const (
	CapabilityEdit           Capability = "edit"
	CapabilityMultiReference Capability = "multi_reference"
	CapabilityAspectRatio    Capability = "aspect_ratio"
)
