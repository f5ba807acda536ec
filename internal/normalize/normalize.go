// Package normalize re-encodes provider output into the format and canvas
// the caller actually asked for. Providers do not reliably honor requested
// size or format, and downstream storage needs deterministic dimensions for
// replace-original and edit-chain flows, so every adapter result passes
// through here exactly once.
package normalize

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	_ "image/gif"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"retouch/internal/imagine"
)

const jpegQuality = 90

// Normalize decodes data, optionally resizes it to exactly targetWidth x
// targetHeight, and re-encodes it as the requested format ("png" or "jpeg").
// Aspect-preserving fit is the caller's concern via its dimension choice; the
// canvas here is exact. Any decode or encode failure is ConversionFailed;
// un-normalized bytes are never passed through.
func Normalize(data []byte, format string, targetWidth, targetHeight int) (*imagine.BinaryImage, error) {
	const op = "normalize"
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, imagine.E(imagine.KindConversionFailed, op, "", "", "decode image", err)
	}

	out := src
	bounds := src.Bounds()
	if targetWidth > 0 && targetHeight > 0 &&
		(bounds.Dx() != targetWidth || bounds.Dy() != targetHeight) {
		scaled := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, draw.Over, nil)
		out = scaled
	}

	var buf bytes.Buffer
	mime := ""
	switch normalizeFormat(format) {
	case "jpeg":
		mime = "image/jpeg"
		err = jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality})
	default:
		mime = "image/png"
		err = png.Encode(&buf, out)
	}
	if err != nil {
		return nil, imagine.E(imagine.KindConversionFailed, op, "", "", "encode image", err)
	}

	final := out.Bounds()
	return &imagine.BinaryImage{
		Data:   buf.Bytes(),
		MIME:   mime,
		Width:  final.Dx(),
		Height: final.Dy(),
	}, nil
}

func normalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpeg", "jpg", "image/jpeg", "image/jpg":
		return "jpeg"
	default:
		return "png"
	}
}
