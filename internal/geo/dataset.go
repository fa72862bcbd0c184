// Package geo answers placement questions for a report location: distance to
// the nearest traffic junction and containment in a zoning polygon.
package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/spatial/kdtree"

	"billboard-sentinel/internal/domain/billboard"
)

var ErrInvalidDataset = errors.New("invalid geo dataset")

type Junction struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// Zone is a zoning area. Shape holds lon/lat polygons, holes included.
type Zone struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Type       billboard.ZoneType `json:"type"`
	Authorized bool               `json:"authorized"`
	Shape      orb.MultiPolygon   `json:"shape"`
}

// Bounds is an axis-aligned lat/lon box.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

func (b Bounds) Contains(c billboard.Coordinates) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

func (b Bounds) Empty() bool { return b.MaxLat < b.MinLat || b.MaxLon < b.MinLon }

func boundsFrom(b orb.Bound) Bounds {
	return Bounds{MinLat: b.Min.Lat(), MinLon: b.Min.Lon(), MaxLat: b.Max.Lat(), MaxLon: b.Max.Lon()}
}

// Dataset is an immutable, versioned snapshot of the reference data. It is
// safe for concurrent readers.
type Dataset struct {
	version   string
	coverage  Bounds
	junctions []Junction
	tree      *kdtree.Tree
	byPoint   map[[3]float64]int
	zones     []Zone
}

func NewDataset(version string, coverage Bounds, junctions []Junction, zones []Zone) (*Dataset, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidDataset)
	}
	if coverage.Empty() {
		return nil, fmt.Errorf("%w: empty coverage", ErrInvalidDataset)
	}

	ds := &Dataset{
		version:   version,
		coverage:  coverage,
		junctions: append([]Junction(nil), junctions...),
		byPoint:   make(map[[3]float64]int, len(junctions)),
	}

	points := make(kdtree.Points, 0, len(junctions))
	for i, j := range ds.junctions {
		if j.ID == "" {
			return nil, fmt.Errorf("%w: junction %d has no id", ErrInvalidDataset, i)
		}
		c := billboard.Coordinates{Lat: j.Lat, Lon: j.Lon}
		if !c.Valid() {
			return nil, fmt.Errorf("%w: junction %q has bad coordinates", ErrInvalidDataset, j.ID)
		}
		p := unitVector(c)
		if _, dup := ds.byPoint[p]; !dup {
			ds.byPoint[p] = i
			points = append(points, kdtree.Point(p[:]))
		}
	}
	if len(points) > 0 {
		ds.tree = kdtree.New(points, false)
	}

	for _, z := range zones {
		if len(z.Shape) == 0 {
			return nil, fmt.Errorf("%w: zone %q has no polygon", ErrInvalidDataset, z.ID)
		}
		for _, poly := range z.Shape {
			if len(poly) == 0 || len(poly[0]) < 3 {
				return nil, fmt.Errorf("%w: zone %q has fewer than 3 vertices", ErrInvalidDataset, z.ID)
			}
		}
		z.Shape = z.Shape.Clone()
		ds.zones = append(ds.zones, z)
	}
	sort.SliceStable(ds.zones, func(i, j int) bool { return ds.zones[i].ID < ds.zones[j].ID })

	return ds, nil
}

func (d *Dataset) Version() string    { return d.version }
func (d *Dataset) Coverage() Bounds   { return d.coverage }
func (d *Dataset) JunctionCount() int { return len(d.junctions) }
func (d *Dataset) ZoneCount() int     { return len(d.zones) }

// NearestJunction queries the kd-tree built over unit-sphere vectors. Chord
// length is monotonic in great-circle distance, so the chord-nearest junction
// is also the nearest on the ground.
func (d *Dataset) NearestJunction(c billboard.Coordinates) (Junction, float64, bool) {
	if d.tree == nil {
		return Junction{}, 0, false
	}
	q := unitVector(c)
	got, _ := d.tree.Nearest(kdtree.Point(q[:]))
	p, ok := got.(kdtree.Point)
	if !ok || len(p) != 3 {
		return Junction{}, 0, false
	}
	j := d.junctions[d.byPoint[[3]float64{p[0], p[1], p[2]}]]
	return j, Haversine(c.Lat, c.Lon, j.Lat, j.Lon), true
}

// ZoneAt returns the zone containing c. When zones overlap a prohibited zone
// wins over an authorized one; otherwise the lowest ID wins.
func (d *Dataset) ZoneAt(c billboard.Coordinates) (Zone, bool) {
	pt := orb.Point{c.Lon, c.Lat}
	var found *Zone
	for i := range d.zones {
		z := &d.zones[i]
		if !planar.MultiPolygonContains(z.Shape, pt) {
			continue
		}
		if found == nil || (found.Authorized && !z.Authorized) {
			found = z
		}
	}
	if found == nil {
		return Zone{}, false
	}
	return *found, true
}

func unitVector(c billboard.Coordinates) [3]float64 {
	lat, lon := c.Lat*math.Pi/180, c.Lon*math.Pi/180
	return [3]float64{
		math.Cos(lat) * math.Cos(lon),
		math.Cos(lat) * math.Sin(lon),
		math.Sin(lat),
	}
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return orbgeo.DistanceHaversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
}
