package geo

import (
	"billboard-sentinel/internal/domain/billboard"
)

type Checker struct{}

func NewChecker() *Checker { return &Checker{} }

// Evaluate builds the placement context for coords against the pinned dataset.
// Missing or uncovered coordinates yield an out-of-coverage context, never a
// compliant one.
func (c *Checker) Evaluate(ds *Dataset, coords *billboard.Coordinates) billboard.GeoContext {
	if coords == nil {
		return billboard.OutOfCoverage(nil, billboard.ReasonNoGPS, ds.Version())
	}
	if !ds.Coverage().Contains(*coords) {
		return billboard.OutOfCoverage(coords, billboard.ReasonOutOfCoverage, ds.Version())
	}

	gc := billboard.GeoContext{
		Coordinates:              coords,
		NearestJunctionDistanceM: -1,
		DatasetVersion:           ds.Version(),
	}
	if j, dist, ok := ds.NearestJunction(*coords); ok {
		gc.NearestJunction = j.ID
		gc.NearestJunctionDistanceM = dist
	}
	if z, ok := ds.ZoneAt(*coords); ok {
		gc.ZoneID = z.ID
		gc.ZoneType = z.Type
		gc.ZoneAuthorized = z.Authorized
	}
	return gc
}
