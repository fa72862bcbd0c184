package redact

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billboard-sentinel/internal/domain/billboard"
)

// gradient produces an image where almost every pixel differs from its
// neighbours.
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8((x + y) * 3), A: 255})
		}
	}
	return img
}

func plate() billboard.Detection {
	return billboard.Detection{
		Class:      billboard.ClassLicensePlate,
		BBox:       billboard.BoundingBox{X1: 0.25, Y1: 0.5, X2: 0.5, Y2: 0.75},
		Confidence: 0.9,
	}
}

func TestRedact_MasksPlateAndLeavesRestUntouched(t *testing.T) {
	src := gradient(128, 64)
	cfg := DefaultConfig()

	out, mask := NewRedactor().Redact(src, []billboard.Detection{plate()}, cfg)

	require.Len(t, mask.Regions, 1)
	assert.Equal(t, Algorithm, mask.Algorithm)
	region := mask.Regions[0].Rect()
	assert.Equal(t, image.Rect(32-6, 32-6, 64+6, 48+6), region)

	changed := 0
	for y := 0; y < 64; y++ {
		for x := 0; x < 128; x++ {
			p := image.Pt(x, y)
			if p.In(region) {
				if out.RGBAAt(x, y) != src.RGBAAt(x, y) {
					changed++
				}
				continue
			}
			assert.Equal(t, src.RGBAAt(x, y), out.RGBAAt(x, y), "pixel %v outside mask changed", p)
		}
	}
	assert.Greater(t, changed, region.Dx()*region.Dy()/2)
}

func TestRedact_DoesNotModifySource(t *testing.T) {
	src := gradient(64, 64)
	before := append([]uint8(nil), src.Pix...)

	NewRedactor().Redact(src, []billboard.Detection{plate()}, DefaultConfig())
	assert.Equal(t, before, src.Pix)
}

func TestRedact_EmptyMaskWhenNothingToRedact(t *testing.T) {
	src := gradient(64, 64)
	dets := []billboard.Detection{{Class: billboard.ClassBillboard, BBox: billboard.BoundingBox{X1: 0.1, Y1: 0.1, X2: 0.9, Y2: 0.5}, Confidence: 0.9}}

	out, mask := NewRedactor().Redact(src, dets, DefaultConfig())
	assert.NotNil(t, mask.Regions)
	assert.True(t, mask.Empty())
	assert.Equal(t, src.Pix, out.Pix)
}

func TestApply_IdempotentOnMaskedRegions(t *testing.T) {
	src := gradient(100, 70)
	face := billboard.Detection{Class: billboard.ClassFace, BBox: billboard.BoundingBox{X1: 0.4, Y1: 0.3, X2: 0.7, Y2: 0.8}, Confidence: 0.8}
	dets := []billboard.Detection{plate(), face}

	once, mask := NewRedactor().Redact(src, dets, DefaultConfig())
	twice := Apply(once, mask)
	assert.Equal(t, once.Pix, twice.Pix)
}

func TestApply_SecondPassIsByteIdentical(t *testing.T) {
	src := gradient(90, 60)
	once, mask := NewRedactor().Redact(src, []billboard.Detection{plate()}, DefaultConfig())

	first, err := Encode(once)
	require.NoError(t, err)
	second, err := Encode(Apply(once, mask))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second))
}

func TestBuildMask_ClipsToBounds(t *testing.T) {
	det := billboard.Detection{Class: billboard.ClassLicensePlate, BBox: billboard.BoundingBox{X1: 0, Y1: 0, X2: 0.1, Y2: 0.1}}
	mask := BuildMask(image.Rect(0, 0, 50, 50), []billboard.Detection{det}, Config{BlockSize: 4, MarginPx: 10})

	require.Len(t, mask.Regions, 1)
	assert.Equal(t, image.Rect(0, 0, 15, 15), mask.Regions[0].Rect())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{BlockSize: 1}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{BlockSize: 8, MarginPx: -1}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{BlockSize: 8, MaxPixels: -1}.Validate(), ErrInvalidConfig)
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(8, 8)))

	img, format, err := Decode(buf.Bytes(), 0)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 8, img.Bounds().Dx())

	_, _, err = Decode([]byte("definitely not an image"), 0)
	assert.ErrorIs(t, err, ErrCorruptImage)

	_, _, err = Decode(nil, 0)
	assert.ErrorIs(t, err, ErrCorruptImage)
}

func TestDecode_RejectsOversizedBeforeDecoding(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 300, 300))))

	_, _, err := Decode(buf.Bytes(), 10_000)
	require.ErrorIs(t, err, ErrCorruptImage)
	assert.Contains(t, err.Error(), "300x300")

	img, _, err := Decode(buf.Bytes(), 300*300)
	require.NoError(t, err)
	assert.Equal(t, 300, img.Bounds().Dy())
}

func TestDecode_HeaderClaimsHugeCanvas(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))))
	data := buf.Bytes()
	// Claim 100000x100000 in IHDR while the pixel data stays 4x4.
	binary.BigEndian.PutUint32(data[16:20], 100_000)
	binary.BigEndian.PutUint32(data[20:24], 100_000)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))

	_, _, err := Decode(data, DefaultMaxPixels)
	require.ErrorIs(t, err, ErrCorruptImage)
	assert.Contains(t, err.Error(), "exceeds")
}
