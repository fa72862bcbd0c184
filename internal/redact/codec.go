package redact

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels admits a 48 MP capture with headroom.
const DefaultMaxPixels = 64_000_000

var ErrCorruptImage = errors.New("corrupt image")

// Decode reads a JPEG, PNG or WebP capture. The header is checked first so an
// image whose declared size exceeds maxPixels is rejected before any pixel
// buffer is allocated. maxPixels <= 0 applies DefaultMaxPixels.
func Decode(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrCorruptImage)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	hdr, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	if hdr.Width <= 0 || hdr.Height <= 0 {
		return nil, "", fmt.Errorf("%w: zero-sized image", ErrCorruptImage)
	}
	if int64(hdr.Width)*int64(hdr.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrCorruptImage, hdr.Width, hdr.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	if img.Bounds().Empty() {
		return nil, "", fmt.Errorf("%w: zero-sized image", ErrCorruptImage)
	}
	return img, format, nil
}

// Encode writes the redacted image as PNG. PNG output is deterministic for a
// given pixel buffer, which keeps repeated redaction byte-identical.
func Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
