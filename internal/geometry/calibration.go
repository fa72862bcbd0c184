package geometry

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// BucketFromSamples builds an error bucket from field calibration residuals
// (estimated minus measured edge length, meters).
func BucketFromSamples(name string, maxDistanceM float64, residuals []float64) (ErrorBucket, error) {
	if len(residuals) < 2 {
		return ErrorBucket{}, fmt.Errorf("%w: bucket %q needs at least 2 samples", ErrInvalidConfig, name)
	}
	abs := make([]float64, len(residuals))
	for i, r := range residuals {
		abs[i] = math.Abs(r)
	}
	mean, std := stat.MeanStdDev(abs, nil)
	return ErrorBucket{
		Name:          name,
		MaxDistanceM:  maxDistanceM,
		MeanAbsErrorM: mean,
		StdDevM:       std,
		Samples:       len(residuals),
	}, nil
}

// CalibrationSet is one distance band of field measurements.
type CalibrationSet struct {
	Name         string    `mapstructure:"name"`
	MaxDistanceM float64   `mapstructure:"max_distance_m"`
	ResidualsM   []float64 `mapstructure:"residuals_m"`
}

// Calibrated returns c with Buckets rebuilt from c.Calibration, ordered by
// distance. Without calibration sets c is returned unchanged.
func (c Config) Calibrated() (Config, error) {
	if len(c.Calibration) == 0 {
		return c, nil
	}
	buckets := make([]ErrorBucket, 0, len(c.Calibration))
	for _, set := range c.Calibration {
		b, err := BucketFromSamples(set.Name, set.MaxDistanceM, set.ResidualsM)
		if err != nil {
			return c, err
		}
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].MaxDistanceM < buckets[j].MaxDistanceM })
	c.Buckets = buckets
	return c, nil
}

type AccuracyRow struct {
	Bucket        string  `json:"bucket"`
	DistanceRange string  `json:"distance_range"`
	MeanAbsErrorM float64 `json:"mean_abs_error_m"`
	StdDevM       float64 `json:"std_dev_m"`
	BoundM        float64 `json:"bound_m"`
	Samples       int     `json:"samples"`
}

type AccuracyReport struct {
	Method      string        `json:"method"`
	Rows        []AccuracyRow `json:"rows"`
	Limitations []string      `json:"limitations"`
}

func (e *Estimator) AccuracyReport(cfg Config) AccuracyReport {
	rows := make([]AccuracyRow, 0, len(cfg.Buckets)+1)
	lower := 0.0
	for _, b := range cfg.Buckets {
		rows = append(rows, AccuracyRow{
			Bucket:        b.Name,
			DistanceRange: fmt.Sprintf("%g-%gm", lower, b.MaxDistanceM),
			MeanAbsErrorM: b.MeanAbsErrorM,
			StdDevM:       b.StdDevM,
			BoundM:        b.Bound(),
			Samples:       b.Samples,
		})
		lower = b.MaxDistanceM
	}
	rows = append(rows, AccuracyRow{
		Bucket:        cfg.FarFallback.Name,
		DistanceRange: fmt.Sprintf(">=%gm", lower),
		MeanAbsErrorM: cfg.FarFallback.MeanAbsErrorM,
		StdDevM:       cfg.FarFallback.StdDevM,
		BoundM:        cfg.FarFallback.Bound(),
		Samples:       cfg.FarFallback.Samples,
	})
	return AccuracyReport{
		Method: "pinhole camera model",
		Rows:   rows,
		Limitations: []string{
			"accuracy decreases with distance",
			"requires a declared distance or a reference object in frame",
			"assumes square pixels and a fronto-parallel billboard",
		},
	}
}
