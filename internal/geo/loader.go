package geo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"billboard-sentinel/internal/domain/billboard"
)

type Config struct {
	JunctionsPath string `mapstructure:"junctions_path"`
	ZoningPath    string `mapstructure:"zoning_path"`
}

// LoadFiles reads the junction and zoning GeoJSON files named in cfg.
func LoadFiles(cfg Config) (*Dataset, error) {
	jf, err := os.Open(cfg.JunctionsPath)
	if err != nil {
		return nil, fmt.Errorf("open junctions: %w", err)
	}
	defer jf.Close()

	zf, err := os.Open(cfg.ZoningPath)
	if err != nil {
		return nil, fmt.Errorf("open zoning: %w", err)
	}
	defer zf.Close()

	return Load(jf, zf)
}

// Load parses a junction FeatureCollection of Points and a zoning
// FeatureCollection of Polygons or MultiPolygons. Each collection may carry a
// top-level "version"; otherwise the content hash is used. Coverage comes from
// the zoning collection's bbox, or from the extent of all features.
func Load(junctionsR, zoningR io.Reader) (*Dataset, error) {
	jfc, jver, err := decodeCollection(junctionsR)
	if err != nil {
		return nil, fmt.Errorf("junctions: %w", err)
	}
	zfc, zver, err := decodeCollection(zoningR)
	if err != nil {
		return nil, fmt.Errorf("zoning: %w", err)
	}

	var extent orb.Bound
	seen := false
	grow := func(b orb.Bound) {
		if !seen {
			extent, seen = b, true
			return
		}
		extent = extent.Union(b)
	}

	junctions := make([]Junction, 0, len(jfc.Features))
	for i, f := range jfc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		junctions = append(junctions, Junction{
			ID:   stringProp(f.Properties, "id", fmt.Sprintf("junction-%d", i)),
			Name: stringProp(f.Properties, "name", "Unknown Junction"),
			Lat:  pt.Lat(),
			Lon:  pt.Lon(),
		})
		grow(pt.Bound())
	}

	zones := make([]Zone, 0, len(zfc.Features))
	for i, f := range zfc.Features {
		var shape orb.MultiPolygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			shape = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			shape = g
		default:
			continue
		}
		zones = append(zones, Zone{
			ID:         stringProp(f.Properties, "id", fmt.Sprintf("zone-%d", i)),
			Name:       stringProp(f.Properties, "name", ""),
			Type:       billboard.ZoneType(strings.ToLower(stringProp(f.Properties, "zone_type", ""))),
			Authorized: authorized(f.Properties),
			Shape:      shape,
		})
		grow(shape.Bound())
	}

	var coverage Bounds
	switch {
	case len(zfc.BBox) == 4:
		coverage = Bounds{MinLon: zfc.BBox[0], MinLat: zfc.BBox[1], MaxLon: zfc.BBox[2], MaxLat: zfc.BBox[3]}
	case seen:
		coverage = boundsFrom(extent)
	default:
		return nil, fmt.Errorf("%w: no bbox and no features to derive coverage from", ErrInvalidDataset)
	}

	return NewDataset(jver+"+"+zver, coverage, junctions, zones)
}

func decodeCollection(r io.Reader) (*geojson.FeatureCollection, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataset, err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, "", fmt.Errorf("%w: expected FeatureCollection, got %q", ErrInvalidDataset, fc.Type)
	}
	version := stringProp(fc.ExtraMembers, "version", "")
	if version == "" {
		sum := sha256.Sum256(data)
		version = hex.EncodeToString(sum[:6])
	}
	return fc, version, nil
}

func stringProp(props map[string]any, key, fallback string) string {
	if v, ok := props[key]; ok {
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return fmt.Sprintf("%g", t)
		}
	}
	return fallback
}

// authorized reads "authorized" or, failing that, the inverse of "prohibited".
// Zones that state neither are treated as not authorized.
func authorized(props map[string]any) bool {
	if v, ok := props["authorized"].(bool); ok {
		return v
	}
	if v, ok := props["prohibited"].(bool); ok {
		return !v
	}
	return false
}
