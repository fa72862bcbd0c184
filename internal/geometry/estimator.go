// Package geometry turns a pixel-space billboard detection into a physical size
// estimate using the pinhole camera model.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"billboard-sentinel/internal/domain/billboard"
)

var (
	ErrInvalidDistance = errors.New("invalid distance")
	ErrInvalidConfig   = errors.New("invalid geometry config")
)

const (
	SourceDeclared  = "declared_distance"
	SourceReference = "reference_object"
)

// ErrorBucket holds the calibrated error for distances up to MaxDistanceM.
type ErrorBucket struct {
	Name          string  `mapstructure:"name" json:"name"`
	MaxDistanceM  float64 `mapstructure:"max_distance_m" json:"max_distance_m"`
	MeanAbsErrorM float64 `mapstructure:"mean_abs_error_m" json:"mean_abs_error_m"`
	StdDevM       float64 `mapstructure:"std_dev_m" json:"std_dev_m"`
	Samples       int     `mapstructure:"samples" json:"samples"`
}

// Bound is the half-width of the symmetric interval reported for this bucket.
func (b ErrorBucket) Bound() float64 { return b.MeanAbsErrorM + b.StdDevM }

type Config struct {
	Buckets     []ErrorBucket `mapstructure:"buckets"`
	FarFallback ErrorBucket   `mapstructure:"far_fallback"`
	// Calibration, when present, replaces Buckets with statistics computed
	// from raw field residuals. See Calibrated.
	Calibration []CalibrationSet `mapstructure:"calibration"`
}

func DefaultConfig() Config {
	return Config{
		Buckets: []ErrorBucket{
			{Name: "near", MaxDistanceM: 20, MeanAbsErrorM: 0.8, StdDevM: 0.6, Samples: 156},
			{Name: "mid", MaxDistanceM: 50, MeanAbsErrorM: 1.2, StdDevM: 0.9, Samples: 234},
			{Name: "far", MaxDistanceM: 100, MeanAbsErrorM: 2.1, StdDevM: 1.4, Samples: 89},
		},
		FarFallback: ErrorBucket{Name: "beyond", MeanAbsErrorM: 3.0, StdDevM: 2.0, Samples: 10},
	}
}

// Validate requires buckets ordered by distance whose bounds never shrink as
// distance grows.
func (c Config) Validate() error {
	if len(c.Buckets) == 0 {
		return fmt.Errorf("%w: no error buckets", ErrInvalidConfig)
	}
	prevDist, prevBound := 0.0, 0.0
	for i, b := range c.Buckets {
		if b.MaxDistanceM <= prevDist {
			return fmt.Errorf("%w: bucket %d distance %.1f not increasing", ErrInvalidConfig, i, b.MaxDistanceM)
		}
		if b.MeanAbsErrorM < 0 || b.StdDevM < 0 {
			return fmt.Errorf("%w: bucket %d has negative error", ErrInvalidConfig, i)
		}
		if b.Bound() < prevBound {
			return fmt.Errorf("%w: bucket %d error bound decreases with distance", ErrInvalidConfig, i)
		}
		prevDist, prevBound = b.MaxDistanceM, b.Bound()
	}
	if c.FarFallback.Bound() < prevBound {
		return fmt.Errorf("%w: far fallback error bound below last bucket", ErrInvalidConfig)
	}
	return nil
}

// BucketFor returns the first bucket whose range covers distance, or the far
// fallback.
func (c Config) BucketFor(distanceM float64) ErrorBucket {
	i := sort.Search(len(c.Buckets), func(i int) bool { return distanceM < c.Buckets[i].MaxDistanceM })
	if i < len(c.Buckets) {
		return c.Buckets[i]
	}
	return c.FarFallback
}

type Estimator struct{}

func NewEstimator() *Estimator { return &Estimator{} }

// Estimate computes the billboard size for detection d. It returns an
// indeterminate estimate when the camera context cannot bound the distance, and
// an error wrapping ErrInvalidDistance when a declared distance is not positive.
func (e *Estimator) Estimate(d billboard.Detection, camera *billboard.CameraContext, cfg Config) (billboard.DimensionEstimate, error) {
	if camera == nil {
		return billboard.IndeterminateDimension(billboard.ReasonNoCameraContext), nil
	}
	if camera.ImageWidthPx <= 0 || camera.ImageHeightPx <= 0 {
		return billboard.IndeterminateDimension(billboard.ReasonNoCameraContext), nil
	}
	fpx, ok := FocalLengthPx(camera)
	if !ok {
		return billboard.IndeterminateDimension(billboard.ReasonNoCameraContext), nil
	}

	distance, source, err := resolveDistance(camera, fpx)
	if err != nil {
		return billboard.DimensionEstimate{}, err
	}
	if source == "" {
		return billboard.IndeterminateDimension(billboard.ReasonNoDistanceSource), nil
	}

	widthPx := d.BBox.Width() * float64(camera.ImageWidthPx)
	heightPx := d.BBox.Height() * float64(camera.ImageHeightPx)

	return billboard.DimensionEstimate{
		WidthM:         widthPx * distance / fpx,
		HeightM:        heightPx * distance / fpx,
		DistanceM:      distance,
		ErrorBoundM:    cfg.BucketFor(distance).Bound(),
		DistanceSource: source,
	}, nil
}

// FocalLengthPx derives the focal length in pixels, square pixels assumed.
func FocalLengthPx(camera *billboard.CameraContext) (float64, bool) {
	switch {
	case camera.FocalLengthPx > 0:
		return camera.FocalLengthPx, true
	case camera.FocalLengthMM > 0 && camera.SensorWidthMM > 0:
		return camera.FocalLengthMM * float64(camera.ImageWidthPx) / camera.SensorWidthMM, true
	case camera.HorizontalFOVDeg > 0 && camera.HorizontalFOVDeg < 180:
		half := camera.HorizontalFOVDeg * math.Pi / 360
		return float64(camera.ImageWidthPx) / 2 / math.Tan(half), true
	}
	return 0, false
}

func resolveDistance(camera *billboard.CameraContext, fpx float64) (float64, string, error) {
	if camera.ReferenceDistanceM != nil {
		dist := *camera.ReferenceDistanceM
		if !(dist > 0) || math.IsInf(dist, 0) {
			return 0, "", fmt.Errorf("%w: declared distance %v", ErrInvalidDistance, dist)
		}
		return dist, SourceDeclared, nil
	}
	if ref := camera.Reference; ref != nil {
		if !ref.BBox.Valid() || !(ref.RealHeightM > 0) {
			return 0, "", fmt.Errorf("%w: unusable reference object", ErrInvalidDistance)
		}
		heightPx := ref.BBox.Height() * float64(camera.ImageHeightPx)
		return fpx * ref.RealHeightM / heightPx, SourceReference, nil
	}
	return 0, "", nil
}

// PrimaryBillboard picks the billboard detection to dimension: highest
// confidence, ties broken by larger box, then earlier index. It returns -1 when
// there is none.
func PrimaryBillboard(detections []billboard.Detection) int {
	best := -1
	for i, d := range detections {
		if d.Class != billboard.ClassBillboard {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := detections[best]
		if d.Confidence > b.Confidence || (d.Confidence == b.Confidence && d.BBox.Area() > b.BBox.Area()) {
			best = i
		}
	}
	return best
}
