package worker

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp" // decode-only registration for image.Decode

	"imagevariant/internal/apierr"
)

// jpegQuality matches the teacher's processor.go default.
const jpegQuality = 90

// rendered is the output of render: the encoded bytes, the sniffed content
// type, and the format actually used (may differ from the request when a
// requested encoder isn't available in pure Go).
type rendered struct {
	data        []byte
	contentType string
	format      string
}

// render resizes src to (width, height) with cover-fit, center-anchored
// cropping and re-encodes in format, per spec.md §4.4 step 5. Pure Go has no
// WebP encoder, so a webp request falls back to JPEG — the same fallback
// the teacher's processor.go documents for its own rendition pipeline.
func render(src []byte, width, height int, format string) (rendered, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return rendered{}, fmt.Errorf("%w: decode source: %w", apierr.ErrRenderError, err)
	}

	fitted := imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)

	outFormat := format
	var buf bytes.Buffer
	switch format {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, fitted)
	case "jpeg":
		err = jpeg.Encode(&buf, fitted, &jpeg.Options{Quality: jpegQuality})
	case "webp":
		err = jpeg.Encode(&buf, fitted, &jpeg.Options{Quality: jpegQuality})
		outFormat = "jpeg"
	default:
		return rendered{}, fmt.Errorf("%w: unsupported output format %q", apierr.ErrRenderError, format)
	}
	if err != nil {
		return rendered{}, fmt.Errorf("%w: encode %s: %w", apierr.ErrRenderError, format, err)
	}

	data := buf.Bytes()
	contentType := mimetype.Detect(data).String()
	return rendered{data: data, contentType: contentType, format: outFormat}, nil
}
