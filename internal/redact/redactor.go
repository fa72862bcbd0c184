// Package redact obscures license plates and faces with a block-average mosaic.
//
// The mosaic grid is anchored at the image origin and each block is averaged
// over the pixels it shares with the union of all masked regions. Averaging a
// block whose covered pixels are already equal leaves them unchanged, so
// applying the same mask twice is a no-op on the masked regions.
package redact

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"billboard-sentinel/internal/domain/billboard"
)

const Algorithm = "block-average-mosaic"

var ErrInvalidConfig = errors.New("invalid redaction config")

type Config struct {
	BlockSize int    `mapstructure:"block_size"`
	MarginPx  int    `mapstructure:"margin_px"`
	Version   string `mapstructure:"version"`
	// MaxPixels caps width*height of an accepted capture. Zero means
	// DefaultMaxPixels.
	MaxPixels int `mapstructure:"max_pixels"`
}

func DefaultConfig() Config {
	return Config{BlockSize: 16, MarginPx: 6, Version: "1", MaxPixels: DefaultMaxPixels}
}

func (c Config) Validate() error {
	if c.BlockSize < 2 {
		return fmt.Errorf("%w: block size %d below 2", ErrInvalidConfig, c.BlockSize)
	}
	if c.MarginPx < 0 {
		return fmt.Errorf("%w: negative margin", ErrInvalidConfig)
	}
	if c.MaxPixels < 0 {
		return fmt.Errorf("%w: negative pixel cap", ErrInvalidConfig)
	}
	return nil
}

// IsTarget reports whether a detection class must be redacted.
func IsTarget(class billboard.DetectionClass) bool {
	return class == billboard.ClassLicensePlate || class == billboard.ClassFace
}

type Redactor struct{}

func NewRedactor() *Redactor { return &Redactor{} }

// Redact masks every target detection and returns a new image. The source is
// not modified. The mask is returned even when nothing was redacted.
func (r *Redactor) Redact(src image.Image, detections []billboard.Detection, cfg Config) (*image.RGBA, billboard.RedactionMask) {
	mask := BuildMask(src.Bounds(), detections, cfg)
	return Apply(src, mask), mask
}

// BuildMask expands each target box by the configured margin and clips it to
// bounds.
func BuildMask(bounds image.Rectangle, detections []billboard.Detection, cfg Config) billboard.RedactionMask {
	mask := billboard.RedactionMask{
		Regions:   []billboard.Region{},
		Algorithm: Algorithm,
		Version:   cfg.Version,
		BlockSize: cfg.BlockSize,
	}
	for _, d := range detections {
		if !IsTarget(d.Class) {
			continue
		}
		rect := d.BBox.Pixels(bounds.Dx(), bounds.Dy()).
			Add(bounds.Min).
			Inset(-cfg.MarginPx).
			Intersect(bounds)
		if rect.Empty() {
			continue
		}
		mask.Regions = append(mask.Regions, billboard.RegionFromRect(d.Class, rect))
	}
	return mask
}

// Apply runs the mosaic for mask over a copy of src.
func Apply(src image.Image, mask billboard.RedactionMask) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	if mask.Empty() || mask.BlockSize < 1 {
		return dst
	}

	rects := make([]image.Rectangle, 0, len(mask.Regions))
	var cover image.Rectangle
	for _, reg := range mask.Regions {
		r := reg.Rect().Intersect(bounds)
		if r.Empty() {
			continue
		}
		rects = append(rects, r)
		cover = cover.Union(r)
	}
	if cover.Empty() {
		return dst
	}

	bs := mask.BlockSize
	startX := bounds.Min.X + floorDiv(cover.Min.X-bounds.Min.X, bs)*bs
	startY := bounds.Min.Y + floorDiv(cover.Min.Y-bounds.Min.Y, bs)*bs
	for by := startY; by < cover.Max.Y; by += bs {
		for bx := startX; bx < cover.Max.X; bx += bs {
			block := image.Rect(bx, by, bx+bs, by+bs).Intersect(cover)
			averageBlock(dst, block, rects)
		}
	}
	return dst
}

func averageBlock(img *image.RGBA, block image.Rectangle, rects []image.Rectangle) {
	var sum [4]uint64
	var n uint64
	forCovered(block, rects, func(x, y int) {
		i := img.PixOffset(x, y)
		for c := 0; c < 4; c++ {
			sum[c] += uint64(img.Pix[i+c])
		}
		n++
	})
	if n == 0 {
		return
	}
	var avg [4]uint8
	for c := 0; c < 4; c++ {
		avg[c] = uint8((sum[c] + n/2) / n)
	}
	forCovered(block, rects, func(x, y int) {
		i := img.PixOffset(x, y)
		copy(img.Pix[i:i+4], avg[:])
	})
}

func forCovered(block image.Rectangle, rects []image.Rectangle, fn func(x, y int)) {
	for y := block.Min.Y; y < block.Max.Y; y++ {
		for x := block.Min.X; x < block.Max.X; x++ {
			p := image.Pt(x, y)
			for _, r := range rects {
				if p.In(r) {
					fn(x, y)
					break
				}
			}
		}
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
