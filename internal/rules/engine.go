// Package rules classifies a report against the fixed rule set. Each rule is a
// pure function of its own inputs and rules run in a fixed order, so identical
// inputs always produce identical entries.
package rules

import (
	"errors"
	"fmt"

	"billboard-sentinel/internal/domain/billboard"
)

var ErrInvalidConfig = errors.New("invalid rules config")

// SizePolicy selects which point of the error-bounded area decides pass/fail.
type SizePolicy string

const (
	PolicyPoint SizePolicy = "point"
	PolicyLower SizePolicy = "lower"
	PolicyUpper SizePolicy = "upper"
)

type Config struct {
	MaxWidthM               float64    `mapstructure:"max_width_m"`
	MaxHeightM              float64    `mapstructure:"max_height_m"`
	MinJunctionDistanceM    float64    `mapstructure:"min_junction_distance_m"`
	SizePolicy              SizePolicy `mapstructure:"size_policy"`
	PermitLocationTolerance float64    `mapstructure:"permit_location_tolerance_m"`
}

func DefaultConfig() Config {
	return Config{
		MaxWidthM:               12,
		MaxHeightM:              4,
		MinJunctionDistanceM:    50,
		SizePolicy:              PolicyPoint,
		PermitLocationTolerance: 50,
	}
}

func (c Config) AreaCeilingM2() float64 { return c.MaxWidthM * c.MaxHeightM }

func (c Config) Validate() error {
	if c.MaxWidthM <= 0 || c.MaxHeightM <= 0 {
		return fmt.Errorf("%w: size ceiling must be positive", ErrInvalidConfig)
	}
	if c.MinJunctionDistanceM <= 0 {
		return fmt.Errorf("%w: junction distance must be positive", ErrInvalidConfig)
	}
	if c.PermitLocationTolerance < 0 {
		return fmt.Errorf("%w: negative permit location tolerance", ErrInvalidConfig)
	}
	switch c.SizePolicy {
	case PolicyPoint, PolicyLower, PolicyUpper:
	default:
		return fmt.Errorf("%w: unknown size policy %q", ErrInvalidConfig, c.SizePolicy)
	}
	return nil
}

type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Classify evaluates size, placement, license and zoning in that order. Rules
// are deliberately run sequentially.
func (e *Engine) Classify(dim billboard.DimensionEstimate, geo billboard.GeoContext, permit billboard.PermitRecord, cfg Config) []billboard.ViolationEntry {
	return []billboard.ViolationEntry{
		Size(dim, cfg),
		Placement(geo, cfg),
		License(permit),
		Zoning(geo),
	}
}

type RuleInfo struct {
	Order     int            `json:"order"`
	Kind      billboard.Kind `json:"kind"`
	Threshold string         `json:"threshold,omitempty"`
	Fails     string         `json:"fails"`
}

type Summary struct {
	SizePolicy SizePolicy `json:"size_policy"`
	Rules      []RuleInfo `json:"rules"`
}

func (e *Engine) Summary(cfg Config) Summary {
	return Summary{
		SizePolicy: cfg.SizePolicy,
		Rules: []RuleInfo{
			{Order: 1, Kind: billboard.KindSize,
				Threshold: fmt.Sprintf("%.1fm x %.1fm (%.1fm²)", cfg.MaxWidthM, cfg.MaxHeightM, cfg.AreaCeilingM2()),
				Fails:     "estimated area exceeds the ceiling"},
			{Order: 2, Kind: billboard.KindPlacement,
				Threshold: fmt.Sprintf("%.0fm", cfg.MinJunctionDistanceM),
				Fails:     "nearest traffic junction closer than the minimum distance"},
			{Order: 3, Kind: billboard.KindLicense,
				Threshold: fmt.Sprintf("%.0fm location tolerance", cfg.PermitLocationTolerance),
				Fails:     "no permit, or permit invalid, or registered elsewhere"},
			{Order: 4, Kind: billboard.KindZoning,
				Fails: "location lies in a zone where billboards are not authorized"},
		},
	}
}
